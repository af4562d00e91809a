package cmd

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kagami-house/cube-hub/internal/cubehub"
)

// monitor serves cubehub.Hub.Snapshot() over a WebSocket, one JSON
// message per tick, for whatever dashboard wants to watch cube state
// live, using gorilla/websocket's upgrade-then-loop idiom.
type monitor struct {
	hub      *cubehub.Hub
	upgrader websocket.Upgrader
}

func newMonitor(hub *cubehub.Hub) *monitor {
	return &monitor{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (m *monitor) listenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", m.serveStatus)
	return http.ListenAndServe(addr, mux)
}

func (m *monitor) serveStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("cubehubd: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(struct {
			Cubes []cubehub.CubeStatus `json:"cubes"`
		}{Cubes: m.hub.Snapshot()}); err != nil {
			return
		}
	}
}
