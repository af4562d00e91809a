package factorytest

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/kagami-house/cube-hub/internal/nrf8001"
)

var log = logrus.New()

// Tester is the one nrf8001.Driver method this package needs, kept
// narrow the way btproto.Transactor is.
type Tester interface {
	Test(phase nrf8001.TestPhase)
}

// Settings configures the serial link to the factory-test console.
type Settings struct {
	PortName string
	Speed    int
}

// Fixture bridges a serial-attached test console to one cube's
// nrf8001.Driver: commands read off the wire put the cube into a test
// phase, and completed phases are reported back over the same wire.
type Fixture struct {
	port   *serial.Port
	tester Tester

	mutex sync.Mutex
}

// Open opens the serial port and starts the background read loop that
// dispatches incoming phase commands to tester.
func Open(settings Settings, tester Tester) (*Fixture, error) {
	log.Formatter = new(logrus.TextFormatter)
	log.Out = os.Stdout

	port, err := serial.OpenPort(&serial.Config{Name: settings.PortName, Baud: settings.Speed})
	if err != nil {
		return nil, fmt.Errorf("factorytest: serial.OpenPort(%v): %w", settings.PortName, err)
	}

	f := &Fixture{port: port, tester: tester}
	go f.readLoop()
	return f, nil
}

func (f *Fixture) readLoop() {
	var buf []byte
	chunk := make([]byte, 0x100)
	for {
		n, err := f.port.Read(chunk)
		if err != nil {
			log.WithError(err).Error("factorytest: port read failed")
			return
		}
		buf = append(buf, chunk[:n]...)
		if !isFrameComplete(buf) {
			continue
		}
		f.handleFrame(buf)
		buf = nil
	}
}

func (f *Fixture) handleFrame(frame []byte) {
	rq, err := parseRequest(unstuffPacket(frame))
	if err != nil {
		log.WithError(err).Warn("factorytest: malformed request frame")
		return
	}
	phase, err := requestedPhase(rq)
	if err != nil {
		log.WithError(err).Warn("factorytest: unrecognized request")
		return
	}
	f.tester.Test(phase)
}

// OnBtlePhaseComplete implements nrf8001.FactoryTestSink: it frames
// the result and writes it back to the console.
func (f *Fixture) OnBtlePhaseComplete(status uint8, result nrf8001.TestReport) {
	frame := stuffPacket(createReport(report{
		status:       status,
		matched:      result.Matched,
		packetReport: result.PacketReport,
	}))

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, err := f.port.Write(frame); err != nil {
		log.WithError(err).Error("factorytest: port write failed")
	}
}

// Close releases the serial port.
func (f *Fixture) Close() error {
	return f.port.Close()
}
