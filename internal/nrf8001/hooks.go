package nrf8001

// UpperLayer is the BTProtocolHandler-shaped hook set the driver calls
// into from ISR context while producing and consuming application
// data over the data pipes. A cubehub connection owns one of these per
// attached cube.
type UpperLayer interface {
	// OnProduceData asks for up to len(buf) bytes of outbound payload,
	// returning how many it wrote. Called only when a data credit and
	// an open TX pipe are both available.
	OnProduceData(buf []byte) int

	// OnReceiveData delivers bytes received on the data-out pipe.
	// data is only valid for the duration of the call.
	OnReceiveData(data []byte)

	// OnConnect fires once the link-layer connection completes.
	OnConnect()

	// OnDisconnect fires once the peer disconnects or the connection
	// is dropped.
	OnDisconnect()
}

// TestReport carries the result of one factory-test RF exchange back
// to whatever drove it: either an echo round-trip (Matched) or a DTM
// packet-count report (PacketReport, with the high bit set per the
// nRF8001's DTM response encoding).
type TestReport struct {
	Matched      bool
	PacketReport uint16
}

// FactoryTestSink receives factory-test phase completions. Only used
// when Test has been called; production cubehub connections never
// see calls to it.
type FactoryTestSink interface {
	OnBtlePhaseComplete(status uint8, report TestReport)
}

// noopSink is the default FactoryTestSink so Driver never needs a nil
// check on its hot path.
type noopSink struct{}

func (noopSink) OnBtlePhaseComplete(status uint8, report TestReport) {}
