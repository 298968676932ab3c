// syncpoint.go - Syncpoint Tracker (§4.G): a monotonically increasing
// counter plus a "last-reached" counter the consumer advances on
// executing a syncpoint command. Modeled as an atomic counter plus a
// condition variable standing in for "interrupt, then wake waiters"
// (§9 DESIGN NOTES): there is no real IRQ in a Go process, but the
// happens-before relationship spec.md asks for is the same one
// sync.Cond already gives.

package cle

import (
	"sync"
	"sync/atomic"
)

// SyncpointTracker allocates syncpoint ids and tracks consumer progress.
type SyncpointTracker struct {
	mu          sync.Mutex
	cond        *sync.Cond
	allocated   uint32
	lastReached atomic.Uint32
}

func newSyncpointTracker() *SyncpointTracker {
	t := &SyncpointTracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Allocate returns the next monotonic syncpoint id.
func (t *SyncpointTracker) Allocate() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allocated++
	return t.allocated
}

// markReached is called by the consumer on executing a syncpoint command;
// it is the CPU-side interrupt handler's "store the value and wake
// waiters" collapsed into one step.
func (t *SyncpointTracker) markReached(id uint32) {
	t.mu.Lock()
	if id > t.lastReached.Load() {
		t.lastReached.Store(id)
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Check reports whether id has been reached.
func (t *SyncpointTracker) Check(id uint32) bool {
	return t.lastReached.Load() >= id
}

// Wait blocks the calling goroutine, idle-sleeping on the condition
// variable rather than busy-polling, until Check(id) holds.
func (t *SyncpointTracker) Wait(id uint32) {
	t.mu.Lock()
	for t.lastReached.Load() < id {
		t.cond.Wait()
	}
	t.mu.Unlock()
}
