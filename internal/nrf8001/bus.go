package nrf8001

// BusConfig carries the link parameters the bus primitive needs to
// bring the physical transport up. The SPI clock rate and GPIO names
// live here rather than in the driver, which never speaks to the
// hardware registers directly (§6: "raw bus transfer primitives... are
// external collaborators").
type BusConfig struct {
	ClockHz  int
	RequestPin string
	ReadyPin   string
}

// Bus is the §6 "bus transfer primitive": a DMA-backed half-duplex
// transfer with an asynchronous completion callback, plus the two
// GPIO lines (request: push-pull output, ready: float input with IRQ)
// whose conjunction forms the nRF8001's virtual chip-select.
//
// Implementations must call the ready-edge callback registered via
// OnReadyFalling from whatever interrupt/goroutine observes RDYN, and
// must invoke TransferAsync's done callback exactly once per call,
// asynchronously, once both tx and rx are valid.
type Bus interface {
	Init(cfg BusConfig) error

	// SetRequestAsserted drives REQN. asserted=true means the line is
	// held low (we're ready to transact); false releases it.
	SetRequestAsserted(asserted bool)

	// RequestAsserted reports the last value passed to
	// SetRequestAsserted — i.e. whether we're the one holding REQN low.
	RequestAsserted() bool

	// ReadyAsserted reports whether RDYN is currently low: the peer is
	// ready to service a transaction (requested or spontaneous).
	ReadyAsserted() bool

	// TransferAsync performs one full-duplex, frameLen-byte transfer.
	// The two directions disagree on field layout (the inbound frame
	// carries a leading debug byte the outbound one doesn't), not on
	// length — both tx and rx are exactly frameLen bytes. done is
	// invoked once, asynchronously, on completion.
	TransferAsync(tx, rx []byte, done func())

	// OnReadyFalling registers the callback the bus must invoke on
	// every falling edge of RDYN. Init is expected to arm the IRQ
	// after this has been called.
	OnReadyFalling(fn func())
}
