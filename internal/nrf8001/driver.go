// Package nrf8001 drives a Nordic nRF8001 BLE radio over its
// Application Controller Interface: a 32-byte half-duplex SPI frame
// exchanged whenever the chip asserts its ready line, or whenever the
// task side has something to say and asserts the request line in
// reply. The protocol itself is a small cooperative state machine —
// one system command in flight at a time, layered under a handful of
// application data pipes once the link comes up — ported here from
// the firmware driver this package is modeled on.
package nrf8001

import (
	"bytes"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// sysCommandState walks the one-command-at-a-time setup/connect
// sequence. The setup range's width depends on nbSetupMessages, so
// these are resolved at init rather than declared as a const iota
// block.
type sysCommandState int

var (
	sysSetupFirst          sysCommandState
	sysSetupLast           sysCommandState
	sysIdle                sysCommandState
	sysBeginConnect        sysCommandState
	sysRadioReset          sysCommandState
	sysInitSysVersion      sysCommandState
	sysChangeTimingRequest sysCommandState
	sysEnterTest           sysCommandState
	sysExitTest            sysCommandState
	sysEcho                sysCommandState
	sysDtmRX               sysCommandState
	sysDtmEnd              sysCommandState
)

func init() {
	n := sysCommandState(nbSetupMessages())
	if n <= 0 {
		panic("nrf8001: setup table must not be empty")
	}
	sysSetupFirst = 0
	sysSetupLast = sysSetupFirst + n - 1
	sysIdle = sysSetupLast + 1
	sysBeginConnect = sysIdle + 1
	sysRadioReset = sysBeginConnect + 1
	sysInitSysVersion = sysRadioReset + 1
	sysChangeTimingRequest = sysInitSysVersion + 1
	sysEnterTest = sysChangeTimingRequest + 1
	sysExitTest = sysEnterTest + 1
	sysEcho = sysExitTest + 1
	sysDtmRX = sysEcho + 1
	sysDtmEnd = sysDtmRX + 1
}

// testState tracks factory-test progress. Its zero value, tsIdle, is
// "not testing" — the state a fresh Driver starts in and the one
// normal (non-test) operation stays in throughout. tsPhase1/tsPhase2
// are transient sentinels: Test stores one of them here just long
// enough for produceSystemCommand to translate it into the matching
// internal sub-state on its very next call.
type testState int

const (
	tsIdle       testState = 0
	tsRadioReset testState = 1
	tsEnterTest  testState = 2
	tsBeginRX    testState = 3
	tsEndRX      testState = 4
	tsExitTest   testState = 5
	tsPhase1     testState = 6
	tsPhase2     testState = 7
)

// TestPhase selects which factory-test sequence Test kicks off: phase
// 1 brings the radio into RX test mode, phase 2 ends it and reports
// the packet count.
type TestPhase int

const (
	TestPhase1 TestPhase = TestPhase(tsPhase1)
	TestPhase2 TestPhase = TestPhase(tsPhase2)
)

// echoData is the fixed payload sent with the Echo command during
// bring-up; a matching reply from the chip is the last sanity check
// before connecting.
var echoData = [...]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a}

// dtmParams are the two DTM command words used by the RX-test
// sub-states: begin-RX then end-RX-and-report.
var dtmParams = [2]uint16{0x3040, 0x0003 << 6}

// Driver is one nRF8001 link: wire framing, the ACI state machine, and
// the data-pipe flow control (credits and open-pipe mask), all driven
// from whatever calls ISR on a ready-line edge and completion on a
// finished transfer. A Driver is not safe to share across unrelated
// physical links, but its own methods are safe to call concurrently
// from a task goroutine and a bus-driven callback goroutine.
type Driver struct {
	bus      Bus
	upper    UpperLayer
	testSink FactoryTestSink

	versionBytes [4]byte

	mu              sync.Mutex
	requestsPending bool

	tx commandBuffer
	rx eventBuffer

	sysCommandState   sysCommandState
	sysCommandPending bool
	testState         testState
	dataCredits       uint8
	openPipes         uint8
}

// New creates a Driver bound to bus, with upper as the application
// data-pipe consumer. version is stamped into the device as the
// SYSTEM_VERSION pipe payload during bring-up.
func New(bus Bus, upper UpperLayer, version [4]byte) *Driver {
	d := &Driver{
		bus:          bus,
		upper:        upper,
		testSink:     noopSink{},
		versionBytes: version,
	}
	bus.OnReadyFalling(d.isr)
	return d
}

// SetFactoryTestSink installs the receiver for Test's phase-completion
// reports. Optional: a Driver that's never had Test called never uses it.
func (d *Driver) SetFactoryTestSink(sink FactoryTestSink) {
	d.testSink = sink
}

// Init brings the bus up and kicks off the radio-reset/setup sequence.
func (d *Driver) Init(cfg BusConfig) error {
	if err := d.bus.Init(cfg); err != nil {
		return err
	}
	d.sysCommandState = sysRadioReset
	d.RequestTransaction()
	return nil
}

// Test starts a factory-test phase. Mutually exclusive with normal
// operation: callers drive it from a dedicated test fixture flow, not
// alongside an active connection.
func (d *Driver) Test(phase TestPhase) {
	d.testState = testState(phase)
	d.RequestTransaction()
}

// RequestTransaction asserts REQN if idle, or marks a transaction as
// pending if one is already in flight — a second request during an
// active transaction causes exactly one chained transaction once it
// completes, never two. Safe from any context.
func (d *Driver) RequestTransaction() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus.RequestAsserted() {
		d.requestsPending = true
		return
	}
	d.bus.SetRequestAsserted(true)
}

// isr runs on a falling RDYN edge: arm REQN if this transaction wasn't
// already our idea, load the outbound frame, and kick off the
// transfer. A spurious call with RDYN not actually low is ignored.
func (d *Driver) isr() {
	if !d.bus.ReadyAsserted() {
		return
	}
	d.bus.SetRequestAsserted(true)
	d.produceCommand()

	tx := d.tx.marshal()
	rx := make([]byte, frameLen)
	d.bus.TransferAsync(tx, rx, func() {
		d.onTransferComplete(rx)
	})
}

// onTransferComplete runs once the physical transfer lands: release
// REQN, parse whatever the chip sent back, act on it, then immediately
// start the next transaction if one was requested while this one ran.
func (d *Driver) onTransferComplete(rx []byte) {
	d.bus.SetRequestAsserted(false)
	d.rx.unmarshal(rx)
	d.handleEvent()

	d.mu.Lock()
	chained := d.requestsPending
	d.requestsPending = false
	d.mu.Unlock()

	if chained {
		d.bus.SetRequestAsserted(true)
	}
}

// produceCommand fills tx for the next transaction: a pending system
// command takes priority, then outbound application data if a credit
// and an open pipe are available, else an empty (length-0) frame.
func (d *Driver) produceCommand() {
	d.tx = commandBuffer{}

	if !d.sysCommandPending && d.produceSystemCommand() {
		d.sysCommandPending = true
		return
	}

	if d.dataCredits > 0 && d.openPipes&(1<<pipeDataInTx) != 0 {
		var buf [cmdPayloadLen - 1]byte
		n := d.upper.OnProduceData(buf[:])
		if n > 0 {
			d.tx.length = uint8(n + 2)
			d.tx.command = opSendData
			d.tx.param[0] = pipeDataInTx
			copy(d.tx.param[1:], buf[:n])
			d.dataCredits--
		}
	}
}

// produceSystemCommand fills tx with the next step of whichever system
// sequence is active (setup/connect bring-up or a factory-test phase)
// and reports whether it produced anything.
func (d *Driver) produceSystemCommand() bool {
	switch d.testState {
	case tsPhase1:
		d.sysCommandState = sysRadioReset
		d.testState = tsRadioReset
	case tsPhase2:
		d.sysCommandState = sysDtmEnd
		d.testState = tsEndRX
	}

	state := d.sysCommandState
	switch {
	case state == sysIdle:
		return false
	case state == sysRadioReset:
		return d.cmdRadioReset()
	case state >= sysSetupFirst && state <= sysSetupLast:
		return d.cmdSetup(state)
	case state == sysInitSysVersion:
		return d.cmdInitSysVersion()
	case state == sysBeginConnect:
		return d.cmdBeginConnect()
	case state == sysChangeTimingRequest:
		return d.cmdChangeTimingRequest()
	case state == sysEnterTest:
		return d.cmdEnterTest()
	case state == sysExitTest:
		return d.cmdExitTest()
	case state == sysEcho:
		return d.cmdEcho()
	case state == sysDtmRX || state == sysDtmEnd:
		return d.cmdDtm(state)
	default:
		return false
	}
}

func (d *Driver) cmdRadioReset() bool {
	d.tx.length = 1
	d.tx.command = opRadioReset
	d.dataCredits = 0
	if d.testState == tsRadioReset {
		d.sysCommandState = sysEnterTest
		d.testState = tsEnterTest
	} else {
		d.sysCommandState = sysSetupFirst
	}
	return true
}

func (d *Driver) cmdSetup(state sysCommandState) bool {
	idx := int(state - sysSetupFirst)
	d.tx.loadRaw(setupMessages[idx])
	d.sysCommandState = state + 1
	return true
}

func (d *Driver) cmdInitSysVersion() bool {
	d.tx.length = uint8(2 + len(d.versionBytes))
	d.tx.command = opSetLocalData
	d.tx.param[0] = pipeVersionSet
	copy(d.tx.param[1:], d.versionBytes[:])
	d.sysCommandState = sysBeginConnect
	return true
}

func (d *Driver) cmdBeginConnect() bool {
	d.tx.length = 5
	d.tx.command = opConnect
	d.tx.setParam16(0, 0x0000) // advertise forever
	d.tx.setParam16(1, 32)     // 20ms in 0.625ms units
	d.sysCommandState = sysIdle
	return true
}

func (d *Driver) cmdChangeTimingRequest() bool {
	d.tx.length = 9
	d.tx.command = opChangeTimingRequest
	d.tx.setParam16(0, 8)  // min interval, 1.25ms units -> 10ms
	d.tx.setParam16(1, 16) // max interval, 1.25ms units -> 20ms
	d.tx.setParam16(2, 0)  // slave latency
	d.tx.setParam16(3, 30) // supervision timeout, 10ms units -> 300ms
	d.sysCommandState = sysIdle
	return true
}

func (d *Driver) cmdEnterTest() bool {
	d.tx.length = 2
	d.tx.command = opTest
	d.tx.param[0] = 0x02
	d.sysCommandState = sysEcho
	return true
}

func (d *Driver) cmdExitTest() bool {
	d.tx.length = 2
	d.tx.command = opTest
	d.tx.param[0] = 0xFF
	d.sysCommandState = sysSetupFirst
	return true
}

func (d *Driver) cmdEcho() bool {
	d.tx.length = uint8(1 + len(echoData))
	d.tx.command = opEcho
	copy(d.tx.param[:], echoData[:])
	d.sysCommandState = sysDtmRX
	d.testState = tsBeginRX
	return true
}

func (d *Driver) cmdDtm(state sysCommandState) bool {
	d.tx.length = 3
	d.tx.command = opDtmCommand
	idx := int(state - sysDtmRX)
	d.tx.setParam16(0, dtmParams[idx])
	d.sysCommandState = sysIdle
	return true
}

// handleEvent dispatches the just-received event frame.
func (d *Driver) handleEvent() {
	if d.rx.length == 0 {
		return
	}

	switch d.rx.event {
	case evCommandResponse:
		d.sysCommandPending = false
		d.handleCommandStatus(opcode(d.rx.param[0]), d.rx.param[1])
		if d.sysCommandState != sysIdle {
			d.RequestTransaction()
		}

	case evDeviceStarted:
		mode := d.rx.param[0]
		d.dataCredits = d.rx.param[2]
		d.sysCommandPending = false
		if mode == operatingModeStandby && d.sysCommandState == sysIdle {
			if d.testState == tsEnterTest {
				d.sysCommandState = sysEnterTest
				d.testState = tsIdle
			} else {
				d.sysCommandState = sysInitSysVersion
			}
		}
		if d.sysCommandState != sysIdle {
			d.RequestTransaction()
		}

	case evConnected:
		d.sysCommandState = sysChangeTimingRequest
		d.upper.OnConnect()

	case evDisconnected:
		d.sysCommandState = sysBeginConnect
		d.openPipes = 0
		d.upper.OnDisconnect()
		d.RequestTransaction()

	case evPipeStatus:
		d.openPipes = d.rx.param[0]
		d.RequestTransaction()

	case evDataReceived:
		length := int(d.rx.length) - 1
		if length <= 0 {
			return
		}
		pipe := d.rx.param[0]
		if pipe == pipeDataOutRxAck {
			if end := 1 + length; end <= len(d.rx.param) {
				d.upper.OnReceiveData(d.rx.param[1:end])
			}
		}

	case evDataCredit:
		d.dataCredits += d.rx.param[0]
		d.RequestTransaction()

	case evEcho:
		n := int(d.rx.length) - 1
		matched := n == len(echoData) && bytes.Equal(d.rx.param[:len(echoData)], echoData[:])
		d.sysCommandPending = false
		d.testSink.OnBtlePhaseComplete(statusTransactionComplete, TestReport{Matched: matched})
		d.RequestTransaction()

	default:
		log.WithField("event", d.rx.event).Trace("nrf8001: unhandled event")
	}
}

// handleCommandStatus reacts to a CommandResponse's embedded status.
// RadioReset's status is deliberately ignored: it's informational
// only, matching the firmware this is modeled on. Anything past
// transactionComplete restarts setup from scratch.
func (d *Driver) handleCommandStatus(command opcode, status uint8) {
	if command == opRadioReset {
		return
	}
	if command == opDtmCommand {
		response := uint16(d.rx.param[2])<<8 | uint16(d.rx.param[3])
		d.handleDtmResponse(status, response)
	}
	if status > statusTransactionComplete {
		log.WithFields(logrus.Fields{"command": command, "status": status}).Warn("nrf8001: command failed, resetting")
		d.sysCommandState = sysRadioReset
	}
}

// handleDtmResponse advances the RX-test sub-state and, once a packet
// report arrives (high bit set), forwards it to the test sink.
func (d *Driver) handleDtmResponse(status uint8, response uint16) {
	if response&0x8000 != 0 {
		d.testSink.OnBtlePhaseComplete(status, TestReport{PacketReport: response})
	}
	switch d.testState {
	case tsBeginRX:
		d.testState = tsIdle
	case tsEndRX:
		d.sysCommandState = sysExitTest
		d.testState = tsIdle
	}
}
