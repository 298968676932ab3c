// hp.go - High-Priority Lane (§4.F): a secondary ring that preempts the
// normal ring between command boundaries. Reuses Ring as-is; a second
// double-buffered stream with its own cursor/sentinel/doorbell.

package cle

import "sync/atomic"

// HPLane owns the high-priority ring and the notification flag the
// consumer polls for between normal-ring commands.
type HPLane struct {
	ring      *Ring
	requested atomic.Bool // CPU-side "hp-enter" notification
}

func newHPLane(mem *SharedMemory, base, size uint32) *HPLane {
	return &HPLane{ring: newRingForLane(mem, base, size)}
}

// newRingForLane is a thin alias kept separate from NewRing so the HP
// lane's construction site reads distinctly from the normal ring's in
// engine.go, even though both share the Ring implementation (§9 DESIGN
// NOTES: "model as a second stream the consumer polls between commands",
// not a distinct type).
func newRingForLane(mem *SharedMemory, base, size uint32) *Ring {
	return NewRing(mem, base, size)
}

func (h *HPLane) IsRequested() bool { return h.requested.Load() }

// resumeContext is what the consumer saves before diverting into the HP
// lane, and restores after draining it (§4.F steps 1-4). Overlay residency
// is not part of it: residency is global, not per-lane, so an overlay
// command executed during the HP session is simply re-switched back on
// resume the same way any ordinary overlay change is (§4.C).
type resumeContext struct {
	lane       Lane
	bufIdx     int
	readOffset uint32
}
