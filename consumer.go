// consumer.go - the simulated RSP: a single goroutine draining the normal
// ring, diverting into the HP lane between commands when requested, and
// shutting down cooperatively (§4.F/§4.I).
//
// Grounded on coprocessor_manager.go's per-coprocessor goroutine loop and
// its errgroup-based shutdown (the teacher starts one goroutine per
// worker and waits on them together); here there is exactly one consumer,
// so the same errgroup gives the engine a single, symmetric Close path.
package cle

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// consumer drains the normal and HP rings on a single goroutine, exactly
// as the real RSP runs one command stream at a time.
type consumer struct {
	dispatcher *Dispatcher
	normal     *Ring
	hp         *HPLane

	normalBuf int
	normalOff uint32
	hpBuf     int
	hpOff     uint32

	resumeStack []resumeContext
	status      *statusStore
	sp          *SyncpointTracker
}

func newConsumer(d *Dispatcher, normal *Ring, hp *HPLane, sp *SyncpointTracker, status *statusStore) *consumer {
	return &consumer{dispatcher: d, normal: normal, hp: hp, sp: sp, status: status}
}

// publishStatus records the consumer's current position for Engine.Status
// readers. Called after every command, not on a timer: the snapshot is
// only ever read, never hot-path-blocking.
func (c *consumer) publishStatus() {
	c.status.set(EngineStatus{
		NormalBufIdx:  c.normalBuf,
		NormalOffset:  c.normalOff,
		HPActive:      len(c.resumeStack) > 0,
		HPBufIdx:      c.hpBuf,
		HPOffset:      c.hpOff,
		ResidentID:    c.dispatcher.overlays.residentID(),
		LastSyncpoint: c.sp.lastReached.Load(),
	})
}

// run is the consumer's main loop. It returns when ctx is cancelled
// (engine Close) or a fault halts the consumer for good.
func (c *consumer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if len(c.resumeStack) == 0 && c.hp.IsRequested() {
			c.enterHP()
		}

		if len(c.resumeStack) > 0 {
			c.stepHP(ctx)
		} else {
			c.stepNormal(ctx)
		}
		c.publishStatus()
	}
}

// enterHP saves where the normal lane was reading and switches the
// consumer onto the HP ring, mirroring §4.F steps 1-2. The HP ring's read
// position persists across sessions (hpBuf/hpOff are consumer fields, not
// reset here), so a second HP session resumes exactly where the first
// left off.
func (c *consumer) enterHP() {
	c.resumeStack = append(c.resumeStack, resumeContext{
		lane:       LaneNormal,
		bufIdx:     c.normalBuf,
		readOffset: c.normalOff,
	})
}

// stepHP executes one command from the HP ring. It returns true if the
// caller should loop back into HP (more HP work, or parked waiting for
// more), false once hp-leave has restored the normal lane.
func (c *consumer) stepHP(ctx context.Context) bool {
	b := c.hp.ring.mem.Read8(c.hp.ring.Base(c.hpBuf) + c.hpOff)
	if b == terminatorByte {
		select {
		case <-ctx.Done():
			return false
		case <-c.hp.ring.doorbell:
			return true
		}
	}

	ovID, cmdID := b>>overlayIDShift, b&commandIDMask
	if ovID == engineOverlayID && cmdID == cmdHPLeave {
		c.leaveHP()
		return false
	}

	advance, outcome, newBuf := c.dispatcher.execRing(LaneHP, c.hp.ring, c.hpBuf, c.hpOff, b)
	switch outcome {
	case outcomeHalted:
		// A fault was already delivered on dispatcher.faults; block here
		// rather than spin reading a stream no one will fix up.
		<-ctx.Done()
		return false
	case outcomeSwap:
		c.hpBuf, c.hpOff = newBuf, 0
	default:
		c.hpOff += advance
	}
	return true
}

// leaveHP restores the normal lane's read position and clears the
// request flag, completing §4.F steps 3-4.
func (c *consumer) leaveHP() {
	last := len(c.resumeStack) - 1
	rc := c.resumeStack[last]
	c.resumeStack = c.resumeStack[:last]
	c.normalBuf, c.normalOff = rc.bufIdx, rc.readOffset
	c.hp.requested.Store(false)
	c.hpOff++ // consume the hp-leave header itself
}

// stepNormal executes one command from the normal ring, or parks on its
// doorbell when the ring is idle. The HP ring's doorbell also wakes it, so
// an HP session opened while the normal ring is idle is picked up by the
// next loop iteration without a Flush.
func (c *consumer) stepNormal(ctx context.Context) {
	b := c.normal.mem.Read8(c.normal.Base(c.normalBuf) + c.normalOff)
	if b == terminatorByte {
		select {
		case <-ctx.Done():
		case <-c.normal.doorbell:
		case <-c.hp.ring.doorbell:
		}
		return
	}

	advance, outcome, newBuf := c.dispatcher.execRing(LaneNormal, c.normal, c.normalBuf, c.normalOff, b)
	switch outcome {
	case outcomeHalted:
		// A fault was already delivered on dispatcher.faults; block here
		// rather than spin reading a stream no one will fix up.
		<-ctx.Done()
	case outcomeSwap:
		c.normalBuf, c.normalOff = newBuf, 0
	default:
		c.normalOff += advance
	}
}

// startConsumer launches the consumer goroutine under an errgroup so
// Engine.Close can wait for it to actually stop rather than assuming it
// has (§9 DESIGN NOTES: the teacher's coprocessor manager shuts its
// workers down the same way).
func startConsumer(ctx context.Context, c *consumer) (*errgroup.Group, context.CancelFunc) {
	gctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(gctx)
	g.Go(func() error {
		return c.run(gctx)
	})
	return g, cancel
}
