package cubehub

import (
	"sync"
	"time"

	"github.com/kagami-house/cube-hub/internal/btproto"
	"github.com/kagami-house/cube-hub/internal/nrf8001"
	"github.com/kagami-house/cube-hub/internal/paintcontrol"
	"github.com/kagami-house/cube-hub/internal/spibus"
	"github.com/kagami-house/cube-hub/internal/vram"
)

// unitStatus/functionPing are the well-known unit/function used to
// probe whether a cube is alive.
const (
	unitStatus   byte = 0
	functionPing byte = 0
)

// State is whether the last probe of this cube succeeded.
type State byte

const (
	StateOffline State = iota
	StateOnline
	StateError
)

// Cube is one attached cube's full stack: the video buffer and
// PaintControl coordinator above it, the nrf8001 driver, SPI bus and
// btproto transport below it. It also implements paintcontrol.Hooks,
// standing in for the task scheduler and radio power-save hooks the
// firmware gets from its own RTOS.
type Cube struct {
	Name         string
	cfg          nrf8001.BusConfig
	accessPeriod time.Duration

	vbuf    *vram.Buffer
	control *paintcontrol.Control
	bus     nrf8001.Bus
	driver  *nrf8001.Driver
	handler *btproto.Handler
	proto   *btproto.Protocol

	mu           sync.Mutex
	state        State
	connected    bool
	assetLoading bool
	lastAck      uint8
	hasAck       bool
	lastProbe    time.Time
}

// newCube wires one cube's stack together against a real SPI bus.
func newCube(entry RosterEntry) *Cube {
	return newCubeWithBus(entry, spibus.New())
}

// newCubeWithBus is newCube with the SPI bus injected, so tests can
// swap in a fake that doesn't need real GPIO/SPI hardware. Wiring
// follows the construction order forced by the Driver/Handler/
// Protocol cycle: the Handler is built first with stand-in nils, the
// Protocol built against it, then the Driver built with the Handler
// as its UpperLayer, and finally the Handler's driver reference
// patched in.
func newCubeWithBus(entry RosterEntry, bus nrf8001.Bus) *Cube {
	c := &Cube{
		Name:         entry.Name,
		cfg:          entry.Bus,
		accessPeriod: entry.AccessPeriod,
		bus:          bus,
	}

	c.vbuf = &vram.Buffer{}
	c.control = paintcontrol.New(c.vbuf, c)

	c.handler = btproto.New(nil, nil)
	c.proto = btproto.NewProtocol(c.handler)
	c.handler.SetSink(c)

	c.driver = nrf8001.New(c.bus, c.handler, [4]byte{})
	c.handler.SetDriver(c.driver)

	return c
}

// attach brings the cube's bus online. Driver.Init only asserts REQN
// for the radio-reset handshake; the connect/disconnect transitions
// arrive later, asynchronously, via OnConnect/OnDisconnect.
func (c *Cube) attach() error {
	return c.driver.Init(c.cfg)
}

// --- btproto.Sink ---
//
// Cube sits between Handler and Protocol as the sink so it can track
// connection state itself while still handing payload bytes on to
// Protocol's frame reassembly.

func (c *Cube) OnReceiveData(data []byte) {
	c.proto.OnReceiveData(data)
}

func (c *Cube) OnConnect() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
}

func (c *Cube) OnDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.hasAck = false
	c.mu.Unlock()
}

// recordAck feeds PaintControl's HasValidFrameACK/LastFrameACK hooks
// from the toggle-parity byte the status ping returns, and tells
// PaintControl how many frames the cube has finished rendering since
// the last probe, so pendingFrames can drain. The status ping stands
// in for a dedicated hardware frame-ack interrupt; a push notification
// would be more immediate but isn't modeled here.
func (c *Cube) recordAck(toggle uint8, count int32) {
	c.mu.Lock()
	c.hasAck = true
	c.lastAck = toggle
	c.mu.Unlock()
	c.control.AckFrames(count)
}

// --- paintcontrol.Hooks ---

// Work yields to whatever's scheduling this goroutine; cubehub's
// "task context" is just a goroutine per cube, so yielding means
// letting the scheduler run something else for a tick.
func (c *Cube) Work() {
	time.Sleep(time.Millisecond)
}

// RadioHalt has no power-save meaning on a host running a full OS;
// the nrf8001 driver already only transacts on demand.
func (c *Cube) RadioHalt() {}

func (c *Cube) HasValidFrameACK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasAck
}

func (c *Cube) LastFrameACK() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

func (c *Cube) AssetLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assetLoading
}

// SetAssetLoading lets whatever's streaming a new mesh/texture to this
// cube tell PaintControl to back off continuous rendering meanwhile.
func (c *Cube) SetAssetLoading(loading bool) {
	c.mu.Lock()
	c.assetLoading = loading
	c.mu.Unlock()
}

// Connected reports whether the nrf8001 link has completed its BLE
// connection handshake.
func (c *Cube) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PendingFrames exposes PaintControl's counter for telemetry.
func (c *Cube) PendingFrames() int32 {
	return c.control.PendingFrames()
}
