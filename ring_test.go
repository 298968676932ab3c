package cle

import (
	"testing"
)

func newTestRing(t *testing.T, halfSize uint32) (*SharedMemory, *Ring) {
	t.Helper()
	mem := NewSharedMemory(int(2 * halfSize))
	return mem, NewRing(mem, 0, halfSize)
}

func TestRingBeginEndAdvancesCursor(t *testing.T) {
	_, r := newTestRing(t, 256)

	span, err := r.Begin(8)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	copy(span.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err := span.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	if r.cursor.Load() != 8 {
		t.Fatalf("cursor = %d, want 8", r.cursor.Load())
	}
}

func TestRingBeginRejectsOversizedReservation(t *testing.T) {
	_, r := newTestRing(t, 256)
	if _, err := r.Begin(MaxCommandSize + 1); err != ErrOutOfMemory {
		t.Fatalf("Begin(oversized) = %v, want ErrOutOfMemory", err)
	}
}

// TestRingSwapWritesSwapCommandAndWaitsForDrain verifies that filling a
// buffer half past the sentinel writes an engine swap command at the old
// cursor, switches bufIdx, and blocks the writer until the consumer marks
// the new half drained - exactly the protocol §4.A/§4.B describe.
func TestRingSwapWritesSwapCommandAndWaitsForDrain(t *testing.T) {
	halfSize := uint32(MaxCommandSize + 64) // sentinel at offset 64
	mem, r := newTestRing(t, halfSize)

	// Fill the first half exactly up to the sentinel; that alone does not
	// swap.
	first, err := r.Begin(64)
	if err != nil {
		t.Fatalf("Begin (fill): %v", err)
	}
	first.End()

	// Claim the other half up front so swapLocked would otherwise block;
	// run it on a goroutine and mark drained from the test to observe the
	// unblock rather than deadlocking the test itself.
	r.bufferFree[1] = false

	done := make(chan struct{})
	go func() {
		span, err := r.Begin(8) // forces a swap: won't fit before sentinel
		if err != nil {
			t.Errorf("Begin: %v", err)
			close(done)
			return
		}
		if r.bufIdx != 1 {
			t.Errorf("bufIdx = %d after swap, want 1", r.bufIdx)
		}
		span.End()
		close(done)
	}()

	r.markDrained(1) // races with the goroutine parking on freeCond.Wait; Broadcast catches both orders
	<-done

	if got := mem.Read8(64); got != (engineOverlayID<<overlayIDShift)|cmdSwap {
		t.Fatalf("byte at old cursor = %#x, want the swap command header", got)
	}
	if got := mem.Read8(65); got != 1 {
		t.Fatalf("swap target = %d, want 1", got)
	}
}

func TestRingPayloadCapBoundedByRemainingHalf(t *testing.T) {
	_, r := newTestRing(t, 256)
	if got := r.payloadCap(0); got != MaxCommandSize {
		t.Fatalf("payloadCap(0) = %d, want %d", got, uint32(MaxCommandSize))
	}
	if got := r.payloadCap(252); got != 4 {
		t.Fatalf("payloadCap(252) = %d, want 4", got)
	}
}

func TestRingDoorbellIsIdempotentWhenUnread(t *testing.T) {
	_, r := newTestRing(t, 256)
	r.Doorbell()
	r.Doorbell() // must not block even though the channel is already full
	select {
	case <-r.doorbell:
	default:
		t.Fatal("doorbell never rang")
	}
}
