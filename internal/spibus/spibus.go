// Package spibus is the periph.io-backed implementation of
// nrf8001.Bus: a push-pull REQN output, a falling-edge RDYN input,
// and a synchronous SPI transfer dispatched onto a goroutine so it
// looks asynchronous to the driver: one mutex-guarded struct, one
// IRQ-driven goroutine, panic on anything the hardware layer can't
// recover from.
package spibus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/kagami-house/cube-hub/internal/nrf8001"
)

var log = logrus.New()

// Bus is a periph.io SPI port plus the two nRF8001 handshake GPIOs.
type Bus struct {
	port       spi.PortCloser
	connection spi.Conn
	request    gpio.PinOut
	ready      gpio.PinIn

	mutex           sync.Mutex
	requestAsserted bool

	readyCB func()
}

// New returns an unopened Bus. Call Init before using it.
func New() *Bus {
	return &Bus{}
}

// Init opens the SPI port named in cfg and arms both GPIOs. RequestPin
// is driven high (released) at rest (the chip is idle until we or it
// want to talk); ReadyPin is configured to interrupt on its falling edge.
func (b *Bus) Init(cfg nrf8001.BusConfig) error {
	b.mutex.Lock()

	if _, err := host.Init(); err != nil {
		b.mutex.Unlock()
		return fmt.Errorf("spibus: host.Init: %w", err)
	}

	hz := cfg.ClockHz
	if hz <= 0 {
		hz = int(physic.MegaHertz)
	}

	port, err := spireg.Open("")
	if err != nil {
		b.mutex.Unlock()
		return fmt.Errorf("spibus: spireg.Open: %w", err)
	}
	b.port = port

	conn, err := port.Connect(physic.Frequency(hz), spi.Mode0, 8)
	if err != nil {
		b.closeLocked()
		b.mutex.Unlock()
		return fmt.Errorf("spibus: port.Connect: %w", err)
	}
	b.connection = conn

	b.request = gpioreg.ByName(cfg.RequestPin)
	if b.request == nil {
		b.closeLocked()
		b.mutex.Unlock()
		return errors.New("spibus: request pin <" + cfg.RequestPin + "> was not found")
	}
	if err := b.request.Out(gpio.High); err != nil {
		b.closeLocked()
		b.mutex.Unlock()
		return fmt.Errorf("spibus: request pin Out: %w", err)
	}

	b.ready = gpioreg.ByName(cfg.ReadyPin)
	if b.ready == nil {
		b.closeLocked()
		b.mutex.Unlock()
		return errors.New("spibus: ready pin <" + cfg.ReadyPin + "> was not found")
	}
	if err := b.ready.In(gpio.PullNoChange, gpio.FallingEdge); err != nil {
		b.closeLocked()
		b.mutex.Unlock()
		return fmt.Errorf("spibus: ready pin In: %w", err)
	}

	go b.watchReady()

	// The chip can assert RDYN before we've finished arming the edge
	// watcher above; re-check the level once we're set up so a missed
	// edge during the race doesn't stall the first transaction forever.
	// readyCB re-enters the mutex via SetRequestAsserted, so it must be
	// captured and called only after the mutex is released here.
	cb := b.readyCB
	pending := b.ready.Read() == gpio.Low && cb != nil
	b.mutex.Unlock()

	if pending {
		cb()
	}

	return nil
}

func (b *Bus) closeLocked() {
	if b.port != nil {
		_ = b.port.Close()
	}
	if b.ready != nil {
		_ = b.ready.In(gpio.PullNoChange, gpio.NoEdge)
	}
}

// OnReadyFalling registers the driver's edge callback.
func (b *Bus) OnReadyFalling(fn func()) {
	b.readyCB = fn
}

func (b *Bus) watchReady() {
	for b.ready.WaitForEdge(-1) {
		if b.readyCB != nil {
			b.readyCB()
		}
	}
}

// SetRequestAsserted drives REQN: low (asserted) when true.
func (b *Bus) SetRequestAsserted(asserted bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if err := b.request.Out(gpio.Level(!asserted)); err != nil {
		panic(errors.New("spibus: request.Out: " + err.Error()))
	}
	b.requestAsserted = asserted
}

// RequestAsserted reports the last value SetRequestAsserted was given.
func (b *Bus) RequestAsserted() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.requestAsserted
}

// ReadyAsserted reports whether RDYN currently reads low.
func (b *Bus) ReadyAsserted() bool {
	return b.ready.Read() == gpio.Low
}

// TransferAsync performs the SPI exchange on its own goroutine and
// calls done once it lands, matching the asynchronous-completion
// shape nrf8001.Driver expects from any DMA-backed transfer.
func (b *Bus) TransferAsync(tx, rx []byte, done func()) {
	go func() {
		b.mutex.Lock()
		conn := b.connection
		b.mutex.Unlock()

		if err := conn.Tx(tx, rx); err != nil {
			log.WithError(err).Error("spibus: transfer failed")
			panic(errors.New("spibus: Tx: " + err.Error()))
		}
		done()
	}()
}
