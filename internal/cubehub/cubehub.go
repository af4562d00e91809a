package cubehub

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kagami-house/cube-hub/internal/outside"
	"github.com/kagami-house/cube-hub/internal/systime"
)

var log = logrus.New()

// updatePeriod is how often updateLoop runs a probe/publish cycle,
// expressed as ticks and converted to a time.Duration at the sleep
// call, the same tick-then-convert idiom paintcontrol uses for its
// own rate constants.
var updatePeriod = systime.MsTicks(100).Duration()

// Hub owns every attached cube and runs the periodic update cycle
// that probes liveness and flushes telemetry, one record per cube
// instead of one per (unit, function) pair.
type Hub struct {
	out   outside.Sink
	mu    sync.RWMutex
	cubes map[string]*Cube
}

// Init loads rosterFile, attaches every listed cube, and starts the
// background update loop.
func Init(rosterFile string, out outside.Sink) (*Hub, error) {
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.InfoLevel

	entries, err := loadRoster(rosterFile)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		out:   out,
		cubes: make(map[string]*Cube, len(entries)),
	}

	for _, entry := range entries {
		cube := newCube(entry)
		if err := cube.attach(); err != nil {
			log.WithError(err).WithField("cube", entry.Name).Error("cubehub: attach failed")
			continue
		}
		h.cubes[entry.Name] = cube
	}

	go h.updateLoop()
	return h, nil
}

// Cube returns the named cube, or nil if it isn't in the roster.
func (h *Hub) Cube(name string) *Cube {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cubes[name]
}

// CubeStatus is one cube's telemetry snapshot, the same fields
// publishCube pushes to outside.Sink, shaped for a debug consumer
// like the WebSocket monitor instead of a key/value sink.
type CubeStatus struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	Connected     bool   `json:"connected"`
	PendingFrames int32  `json:"pendingFrames"`
}

// Snapshot returns the current status of every cube in the roster.
func (h *Hub) Snapshot() []CubeStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]CubeStatus, 0, len(h.cubes))
	for _, c := range h.cubes {
		c.mu.Lock()
		out = append(out, CubeStatus{
			Name:          c.Name,
			State:         stateString(c.state),
			Connected:     c.connected,
			PendingFrames: c.control.PendingFrames(),
		})
		c.mu.Unlock()
	}
	return out
}

func (h *Hub) updateLoop() {
	for {
		time.Sleep(updatePeriod)
		h.updateRoutine()
	}
}

// updateRoutine is one cycle: probe every cube's liveness, then push
// its current telemetry out. A cube has one status, not an open-ended
// function table, so there's no per-function read/write fan-out here.
func (h *Hub) updateRoutine() {
	h.mu.RLock()
	cubes := make([]*Cube, 0, len(h.cubes))
	for _, c := range h.cubes {
		cubes = append(cubes, c)
	}
	h.mu.RUnlock()

	for _, c := range cubes {
		if h.dueForProbe(c) {
			h.probeCube(c)
		}
		h.publishCube(c)
	}
}

// dueForProbe gates probing by each cube's AccessPeriod, firing only
// once lastProbe+AccessPeriod has passed.
func (h *Hub) dueForProbe(c *Cube) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastProbe) < c.accessPeriod {
		return false
	}
	c.lastProbe = time.Now()
	return true
}

// probeCube pings unit 0's status function. Any panic out of
// CallFunction sets StateError and reports the cube as not online.
func (h *Hub) probeCube(c *Cube) (online bool) {
	// CallFunction blocks on a response, while the driver's callbacks
	// may run Cube.OnConnect/OnDisconnect (which take c.mu), and
	// recordAck below takes c.mu itself — so c.mu must be released
	// before the call, not held across it, or the probe deadlocks.
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.state = StateError
			c.mu.Unlock()
			online = false
		}
	}()

	if !connected {
		c.mu.Lock()
		c.state = StateOffline
		c.mu.Unlock()
		return false
	}

	// A ping response carries [toggleParity, framesAckedSinceLastProbe],
	// the status payload this hub expects a cube's unitStatus handler
	// to fill in.
	resp, err := c.proto.CallFunction(unitStatus, functionPing, []byte{})
	if err == nil && len(resp) >= 2 {
		c.recordAck(resp[0], int32(resp[1]))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateOffline
		return false
	}
	c.state = StateOnline
	return true
}

func (h *Hub) publishCube(c *Cube) {
	c.mu.Lock()
	state := c.state
	pending := c.control.PendingFrames()
	connected := c.connected
	c.mu.Unlock()

	h.out.UpdateComponent(c.Name+":state", stateString(state))
	h.out.UpdateComponent(c.Name+":connected", fmt.Sprintf("%v", connected))
	h.out.UpdateComponent(c.Name+":pendingFrames", fmt.Sprintf("%d", pending))
}

func stateString(s State) string {
	switch s {
	case StateOnline:
		return "online"
	case StateError:
		return "error"
	default:
		return "offline"
	}
}
