// Package btproto adapts the nrf8001 driver's byte-pipe transport
// (OnProduceData/OnReceiveData/OnConnect/OnDisconnect) into the
// request/response RPC protocol cubehub speaks to an attached cube.
package btproto

import "sync"

// Transactor is the one nrf8001.Driver method this package depends
// on, kept as a narrow interface so Handler doesn't need to import
// the driver package for anything but this.
type Transactor interface {
	RequestTransaction()
}

// Sink receives the connection-lifecycle and payload events a
// cubehub connection cares about once data starts flowing.
type Sink interface {
	OnReceiveData(data []byte)
	OnConnect()
	OnDisconnect()
}

// Handler is one attached cube's byte-stream endpoint: an outbound
// queue drained by OnProduceData, and inbound bytes forwarded to Sink.
// Safe for concurrent use — OnProduceData/OnReceiveData run from the
// driver's ISR-adjacent context while Send runs from task context.
type Handler struct {
	mu       sync.Mutex
	outbound [][]byte

	driver Transactor
	sink   Sink
}

// New creates a Handler bound to driver (for RequestProduceData) and
// sink (for delivering inbound data and lifecycle events). driver may
// be nil and supplied later with SetDriver, since the driver itself
// takes the Handler as its UpperLayer at construction time.
func New(driver Transactor, sink Sink) *Handler {
	return &Handler{driver: driver, sink: sink}
}

// SetDriver binds the transaction-requesting driver after construction,
// for callers that must build the Handler before the Driver exists.
func (h *Handler) SetDriver(driver Transactor) {
	h.mu.Lock()
	h.driver = driver
	h.mu.Unlock()
}

// SetSink binds the inbound-event sink after construction, for the
// same reason SetDriver exists: Protocol needs a *Handler to build,
// and the Handler needs that same Protocol as its Sink.
func (h *Handler) SetSink(sink Sink) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

// Send enqueues data for transmission and asks the driver for a
// transaction so it goes out without waiting for unrelated traffic.
func (h *Handler) Send(data []byte) {
	h.mu.Lock()
	h.outbound = append(h.outbound, append([]byte(nil), data...))
	h.mu.Unlock()
	h.RequestProduceData()
}

// RequestProduceData asks the driver to run a transaction soon. Named
// to match the upper-layer hook's role in the original firmware.
func (h *Handler) RequestProduceData() {
	h.driver.RequestTransaction()
}

// OnProduceData implements nrf8001.UpperLayer.
func (h *Handler) OnProduceData(buf []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.outbound) == 0 {
		return 0
	}
	next := h.outbound[0]
	n := copy(buf, next)
	if n < len(next) {
		h.outbound[0] = next[n:]
	} else {
		h.outbound = h.outbound[1:]
	}
	return n
}

// OnReceiveData implements nrf8001.UpperLayer.
func (h *Handler) OnReceiveData(data []byte) {
	if h.sink != nil {
		h.sink.OnReceiveData(data)
	}
}

// OnConnect implements nrf8001.UpperLayer.
func (h *Handler) OnConnect() {
	if h.sink != nil {
		h.sink.OnConnect()
	}
}

// OnDisconnect implements nrf8001.UpperLayer.
func (h *Handler) OnDisconnect() {
	h.mu.Lock()
	h.outbound = nil
	h.mu.Unlock()
	if h.sink != nil {
		h.sink.OnDisconnect()
	}
}
