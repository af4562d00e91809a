package paintcontrol

import (
	"testing"

	"github.com/kagami-house/cube-hub/internal/systime"
	"github.com/kagami-house/cube-hub/internal/vram"
)

func Assert(t *testing.T, condition bool, errorMessage string) {
	if !condition {
		t.Error(errorMessage)
	}
}

// fakeHooks is a task-scheduler/radio/cube stand-in for tests. Work does
// nothing and RadioHalt advances a fake clock instead of actually
// yielding, so wait loops terminate without a real scheduler.
type fakeHooks struct {
	now          systime.Ticks
	step         systime.Ticks
	lastFrameACK uint8
	hasValidACK  bool
	assetLoading bool
}

func (h *fakeHooks) Work()      {}
func (h *fakeHooks) RadioHalt() { h.now += h.step }
func (h *fakeHooks) HasValidFrameACK() bool {
	return h.hasValidACK
}
func (h *fakeHooks) LastFrameACK() uint8 {
	return h.lastFrameACK
}
func (h *fakeHooks) AssetLoading() bool {
	return h.assetLoading
}

func newTestControl(h *fakeHooks) *Control {
	c := New(&vram.Buffer{}, h)
	c.clock = func() systime.Ticks { return h.now }
	return c
}

// TestColdPathOneFrame walks a single synchronous frame end to end:
// request, render, flush, and acknowledgment.
func TestColdPathOneFrame(t *testing.T) {
	h := &fakeHooks{step: systime.MsTicks(1), hasValidACK: true}
	c := newTestControl(h)
	c.vbuf.SetFlagBits(vram.FlagSync)
	c.vbuf.SetFlagBits(vram.SyncAck)

	c.WaitForPaint()
	c.vbuf.SetFlagBits(vram.NeedPaint)
	now := h.now
	c.TriggerPaint(now)

	Assert(t, c.paintTimestamp == now, "paintTimestamp should be stamped")
	Assert(t, c.PendingFrames() == 1, "pendingFrames should be 1")
	Assert(t, c.vbuf.TestFlagBits(vram.TriggerOnFlush), "TRIGGER_ON_FLUSH should be set")
	Assert(t, c.asyncTimestamp == now, "asyncTimestamp should be stamped")

	c.VRAMFlushed()
	Assert(t, c.vbuf.DeviceFlags()&vram.Toggle != 0, "TOGGLE should flip once, since LastFrameACK's default parity is even")
	Assert(t, c.vbuf.TestFlagBits(vram.DirtyRender), "DIRTY_RENDER should be set after flush")
	Assert(t, !c.vbuf.TestFlagBits(vram.TriggerOnFlush), "TRIGGER_ON_FLUSH should be cleared after flush")

	c.AckFrames(1)
	Assert(t, !c.vbuf.TestFlagBits(vram.DirtyRender), "DIRTY_RENDER should clear on ack")
	Assert(t, c.PendingFrames() == 0, "pendingFrames should be 0 after ack")
}

// TestOverrunEntersContinuous walks end-to-end scenario 2 and boundary B1.
func TestOverrunEntersContinuous(t *testing.T) {
	h := &fakeHooks{step: systime.MsTicks(1)}
	c := newTestControl(h)

	for i := 0; i < fpMax; i++ {
		c.vbuf.SetFlagBits(vram.NeedPaint)
		c.TriggerPaint(h.now)
	}

	Assert(t, c.vbuf.DeviceFlags()&vram.Continuous != 0, "CONTINUOUS should be set after 5th trigger")
	Assert(t, c.PendingFrames() == fpMax, "pendingFrames should be clamped to fpMax")
	Assert(t, !c.vbuf.TestFlagBits(vram.SyncAck), "SYNC_ACK should be clear once continuous")
}

// TestContinuousDrainsToExit walks end-to-end scenario 3 and boundary B4.
func TestContinuousDrainsToExit(t *testing.T) {
	h := &fakeHooks{step: systime.MsTicks(1)}
	c := newTestControl(h)

	for i := 0; i < fpMax; i++ {
		c.vbuf.SetFlagBits(vram.NeedPaint)
		c.TriggerPaint(h.now)
	}
	Assert(t, c.vbuf.DeviceFlags()&vram.Continuous != 0, "should have entered continuous")

	for i := 0; i < 14; i++ {
		c.AckFrames(1)
	}

	Assert(t, c.PendingFrames() < fpMin, "pendingFrames should fall below fpMin")
	Assert(t, c.vbuf.DeviceFlags()&vram.Continuous == 0, "CONTINUOUS should clear once pendingFrames < fpMin")
}

// TestToggleFallbackWhenContinuousForbidden is boundary B2: the
// fallback path lives in VRAMFlushed, triggered once per
// TriggerPaint/VRAMFlushed cycle while sync is broken and continuous
// mode is forbidden.
func TestToggleFallbackWhenContinuousForbidden(t *testing.T) {
	h := &fakeHooks{step: systime.MsTicks(1), assetLoading: true}
	c := newTestControl(h)

	var toggles []uint8
	for i := 0; i < fpMax+2; i++ {
		c.vbuf.SetFlagBits(vram.NeedPaint)
		c.TriggerPaint(h.now)
		c.VRAMFlushed()
		Assert(t, c.vbuf.DeviceFlags()&vram.Continuous == 0, "CONTINUOUS must never be entered when forbidden")
		toggles = append(toggles, c.vbuf.DeviceFlags()&vram.Toggle)
	}

	flipped := false
	for i := 1; i < len(toggles); i++ {
		if toggles[i] != toggles[i-1] {
			flipped = true
		}
	}
	Assert(t, flipped, "TOGGLE should flip across cycles when continuous is forbidden")
}

// TestAckDecreasesByExactlyN is boundary B3.
func TestAckDecreasesByExactlyN(t *testing.T) {
	h := &fakeHooks{step: systime.MsTicks(1)}
	c := newTestControl(h)
	atomicStorePending(c, 3)

	c.AckFrames(2)

	Assert(t, c.PendingFrames() == 1, "pendingFrames should decrease by exactly n")
}

// TestWaitForFinishClearsFlags is invariant I4.
func TestWaitForFinishClearsFlags(t *testing.T) {
	h := &fakeHooks{step: systime.HzTicks(fpsLow) + systime.MsTicks(1), hasValidACK: true}
	c := newTestControl(h)
	c.vbuf.SetFlagBits(vram.FlagSync)
	c.vbuf.SetFlagBits(vram.SyncAck)

	c.vbuf.SetFlagBits(vram.NeedPaint)
	c.TriggerPaint(h.now)

	c.WaitForFinish()

	Assert(t, !c.vbuf.TestFlagBits(vram.TriggerOnFlush), "TRIGGER_ON_FLUSH should be clear")
	Assert(t, !c.vbuf.TestFlagBits(vram.DirtyRender), "DIRTY_RENDER should be clear")
}

// TestSyncAckRequiresFlagSync is invariant I2/P2.
func TestSyncAckRequiresFlagSync(t *testing.T) {
	h := &fakeHooks{step: systime.MsTicks(1)}
	c := newTestControl(h)

	// FLAG_SYNC never set: makeSynchronous must not set SYNC_ACK.
	c.makeSynchronous()
	Assert(t, !c.vbuf.TestFlagBits(vram.SyncAck), "SYNC_ACK must not be set without FLAG_SYNC")

	c.vbuf.SetFlagBits(vram.FlagSync)
	c.makeSynchronous()
	Assert(t, c.vbuf.TestFlagBits(vram.SyncAck), "SYNC_ACK should be set once FLAG_SYNC holds")
}

func atomicStorePending(c *Control, v int32) {
	c.pendingFrames = v
}
