// Package paintcontrol implements the rendering coordinator: it
// mediates between an application thread asking for frames and a
// remote cube that acknowledges them over a lossy radio link,
// choosing between synchronous one-shot rendering and free-running
// continuous rendering.
//
// Only the task context is expected to call WaitForPaint/WaitForFinish;
// AckFrames and VRAMFlushed are meant to be called from a radio
// interrupt handler (or whatever goroutine stands in for one), and are
// written so that's safe.
package paintcontrol

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kagami-house/cube-hub/internal/systime"
	"github.com/kagami-house/cube-hub/internal/vram"
)

var log = logrus.New()

// Rate constants. These are the only tunables in the whole pipeline.
const (
	fpsLow  = 4  // Hz, watchdog
	fpsHigh = 60 // Hz, ceiling
	fpMax   = 5
	fpMin   = -8
)

var (
	fpsLowPeriod  = systime.HzTicks(fpsLow)
	fpsHighPeriod = systime.HzTicks(fpsHigh)
)

// Hooks are the external collaborators PaintControl needs but doesn't
// own: the task scheduler's yield point and the radio power-save halt,
// plus the cube's view of frame-ack parity and asset-loading state.
// All of this is §6 "opaque hooks invoked inside PaintControl wait
// loops" plus the few CubeSlot accessors the original reaches for.
type Hooks interface {
	// Work yields to the task scheduler for one iteration.
	Work()
	// RadioHalt suspends the radio subsystem to save power while idle.
	RadioHalt()
	// HasValidFrameACK reports whether the cube has ever acknowledged
	// a frame (so toggle parity can be trusted).
	HasValidFrameACK() bool
	// LastFrameACK returns the toggle parity bit of the most recent ack.
	LastFrameACK() uint8
	// AssetLoading reports whether the cube is mid asset-load, in
	// which case continuous mode is not worth the CPU time it costs
	// the cube.
	AssetLoading() bool
}

// Control is the per-cube rendering-coordinator state. Created when a
// cube attaches, discarded when it detaches.
type Control struct {
	hooks Hooks
	vbuf  *vram.Buffer

	// clock lets tests freeze time without sleeping; production code
	// leaves it at its default (systime.Now).
	clock func() systime.Ticks

	paintTimestamp systime.Ticks
	asyncTimestamp systime.Ticks
	pendingFrames  int32 // atomic; clamp is lazy: AckFrames never clamps, TriggerPaint does
}

// New creates PaintControl state for a newly attached cube.
func New(vbuf *vram.Buffer, hooks Hooks) *Control {
	return &Control{
		hooks: hooks,
		vbuf:  vbuf,
		clock: systime.Now,
	}
}

// PendingFrames returns the current pendingFrames counter. Exposed for
// telemetry and tests; not part of the core control flow.
func (c *Control) PendingFrames() int32 {
	return atomic.LoadInt32(&c.pendingFrames)
}

// WaitForPaint blocks until the app is allowed to request another
// frame. Task context only.
func (c *Control) WaitForPaint() {
	var now systime.Ticks
	for {
		now = c.clock()

		if now > c.paintTimestamp+fpsLowPeriod {
			// Watchdog expired. Give up waiting regardless of pendingFrames.
			log.Trace("paintcontrol: waitForPaint timed out")
			break
		}

		if now > c.paintTimestamp+fpsHighPeriod && atomic.LoadInt32(&c.pendingFrames) <= fpMax {
			break
		}

		c.hooks.Work()
		c.hooks.RadioHalt()
	}

	if c.canMakeSynchronous(now) {
		c.makeSynchronous()
		atomic.StoreInt32(&c.pendingFrames, 0)
	}
}

// TriggerPaint updates bookkeeping after WaitForPaint returns and the
// app has (or hasn't) set NeedPaint. Task context only.
func (c *Control) TriggerPaint(now systime.Ticks) {
	// Must always update paintTimestamp, even as a no-op: an app that
	// calls Paint() in a tight loop without touching VRAM should still
	// iterate at fpsHigh.
	c.paintTimestamp = now

	pending := atomic.LoadInt32(&c.pendingFrames)
	newPending := pending

	needPaint := c.vbuf.TestFlagBits(vram.NeedPaint)
	c.vbuf.ClearFlagBits(vram.NeedPaint)

	// Keep pendingFrames above the lower limit. This adjustment is
	// lazy, done here rather than from AckFrames, by design: an ack
	// may leave pendingFrames below fpMin until the next trigger.
	if pending < fpMin {
		newPending = fpMin
	}

	if needPaint {
		newPending++

		// Entering continuous mode is primarily TRIGGER_ON_FLUSH's job
		// (see VRAMFlushed), but if the app is producing frames faster
		// than we can flush VRAM, we may never get there. So this is
		// the backup path: if frames are stacking up, force the issue.
		if newPending >= fpMax && c.allowContinuous() {
			devFlags := c.vbuf.DeviceFlags()
			if devFlags&vram.Continuous == 0 {
				devFlags = c.enterContinuous(devFlags)
				c.vbuf.StoreDeviceFlags(devFlags)
			}
			newPending = fpMax
		}

		if c.vbuf.DeviceFlags()&vram.Continuous == 0 {
			// Trigger on the next flush.
			c.asyncTimestamp = now
			c.vbuf.SetFlagBits(vram.TriggerOnFlush)

			// Provoke a flush, in case nothing else was going to.
			if atomic.LoadUint32(&c.vbuf.Lock) == 0 {
				c.provokeFlush()
			}
		}

		// Release any codec lock so the radio codec can transmit.
		c.releaseCodecLock()
	}

	atomic.AddInt32(&c.pendingFrames, newPending-pending)
}

// WaitForFinish drains outstanding work: disables continuous rendering,
// then blocks until both TriggerOnFlush and DirtyRender are clear.
// Task context only. Requires an attached video buffer.
func (c *Control) WaitForFinish() {
	devFlags := c.vbuf.DeviceFlags()
	devFlags = c.exitContinuous(devFlags, c.clock())
	c.vbuf.StoreDeviceFlags(devFlags)

	const mask = vram.TriggerOnFlush | vram.DirtyRender

	for {
		flags := c.vbuf.Flags()
		now := c.clock()

		if flags&mask == 0 {
			break
		}

		if c.canMakeSynchronous(now) {
			c.makeSynchronous()

			if flags&vram.DirtyRender != 0 {
				c.vbuf.SetFlagBits(vram.NeedPaint)
				c.TriggerPaint(now)
			} else {
				c.vbuf.ClearFlagBits(vram.TriggerOnFlush)
				break
			}
		}

		c.hooks.Work()
		c.hooks.RadioHalt()
	}
}

// AckFrames records that count frames finished rendering on the cube.
// Interrupt context.
func (c *Control) AckFrames(count int32) {
	atomic.AddInt32(&c.pendingFrames, -count)

	devFlags := c.vbuf.DeviceFlags()
	if devFlags&vram.Continuous == 0 && c.vbuf.TestFlagBits(vram.SyncAck) {
		// Render is clean.
		c.vbuf.ClearFlagBits(vram.DirtyRender)
	}

	if atomic.LoadInt32(&c.pendingFrames) < fpMin {
		devFlags = c.exitContinuous(devFlags, c.clock())
		c.vbuf.StoreDeviceFlags(devFlags)
	}
}

// VRAMFlushed signals that the local VRAM copy has been fully
// transmitted and now matches the cube's. May be called concurrently
// with the task context.
func (c *Control) VRAMFlushed() {
	c.vbuf.SetFlagBits(vram.FlagSync)

	if !c.vbuf.TestFlagBits(vram.TriggerOnFlush) {
		return
	}

	devFlags := c.vbuf.DeviceFlags()

	if c.hooks.HasValidFrameACK() && c.vbuf.TestFlagBits(vram.SyncAck) {
		// In sync. Trigger a one-shot render. P3 guarantees CONTINUOUS
		// can't be set here.
		devFlags = c.setToggle(devFlags, c.clock())
	} else if devFlags&vram.Continuous == 0 {
		// Getting ahead of the cube; break sync to keep speed up.
		devFlags = c.enterContinuous(devFlags)
	}

	c.vbuf.StoreDeviceFlags(devFlags)

	c.vbuf.SetFlagBits(vram.DirtyRender)
	c.vbuf.ClearFlagBits(vram.TriggerOnFlush)
}

// allowContinuous reports whether continuous rendering is currently
// permitted: conserve cube CPU time during asset loading.
func (c *Control) allowContinuous() bool {
	return !c.hooks.AssetLoading()
}

// enterContinuous breaks synchronization in favor of throughput. If
// continuous mode isn't allowed right now, it falls back to flipping
// the toggle bit and hoping for the best — the original's own words.
func (c *Control) enterContinuous(devFlags uint8) uint8 {
	allowed := c.allowContinuous()
	log.WithField("allowed", allowed).Trace("paintcontrol: enterContinuous")

	c.vbuf.ClearFlagBits(vram.SyncAck)
	c.vbuf.SetFlagBits(vram.DirtyRender)

	if allowed {
		return devFlags | vram.Continuous
	}
	devFlags &^= vram.Continuous
	return devFlags ^ vram.Toggle
}

// exitContinuous leaves continuous mode, treating the exit point as
// the last async trigger for canMakeSynchronous purposes.
func (c *Control) exitContinuous(devFlags uint8, now systime.Ticks) uint8 {
	if devFlags&vram.Continuous != 0 {
		devFlags &^= vram.Continuous
		c.asyncTimestamp = now
	}
	return devFlags
}

// setToggle flips the device toggle bit to whatever's opposite the
// cube's last observed ack parity.
func (c *Control) setToggle(devFlags uint8, now systime.Ticks) uint8 {
	c.asyncTimestamp = now
	if c.hooks.LastFrameACK()&1 != 0 {
		return devFlags &^ vram.Toggle
	}
	return devFlags | vram.Toggle
}

// makeSynchronous zeroes pendingFrames and, if the flags are known to
// be in sync with the cube (P2), re-enables SYNC_ACK.
func (c *Control) makeSynchronous() {
	atomic.StoreInt32(&c.pendingFrames, 0)
	if c.vbuf.TestFlagBits(vram.FlagSync) {
		c.vbuf.SetFlagBits(vram.SyncAck)
	}
}

// canMakeSynchronous reports whether enough idle time has passed that
// any outstanding async trigger has either been honored or lost.
func (c *Control) canMakeSynchronous(now systime.Ticks) bool {
	return c.vbuf.DeviceFlags()&vram.Continuous == 0 && now > c.asyncTimestamp+fpsLowPeriod
}

// provokeFlush and releaseCodecLock are the narrow hooks into the
// codec's lock/unlock protocol (§6, VRAM codec is out of scope). They
// default to manipulating vbuf.Lock directly, which is sufficient for
// tests and for a codec that treats a nonzero Lock as "don't touch
// me"; a real deployment can swap this for whatever the codec package
// actually exposes by wrapping Control.
func (c *Control) provokeFlush() {
	atomic.CompareAndSwapUint32(&c.vbuf.Lock, 0, 1)
}

func (c *Control) releaseCodecLock() {
	atomic.StoreUint32(&c.vbuf.Lock, 0)
}
