// consts.go - command byte format, engine command ids, sizes and status bits

package cle

// Command byte 0 format: (overlay_id<<4) | command_id. Overlay 0 is
// engine-reserved; overlay ids 1-15 identify a registered micro-kernel.
const (
	overlayIDMask   = 0xF0
	commandIDMask   = 0x0F
	overlayIDShift  = 4
	engineOverlayID = 0
)

// Reserved byte value. At command byte 0 it both means "terminator" (when
// parked at the write cursor) and "nop" (when read as a command by the
// consumer, per spec.md §6).
const terminatorByte = 0x01

// Engine-internal commands (overlay 0), §4.D. hp-enter has no stream
// encoding: the transition is driven by HPLane.requested, the Go analogue
// of a separate high-priority enable bit rather than an inline command
// (mirrors the flag-based enable register, not the command stream).
const (
	cmdInterrupt = iota
	cmdNop // header 0x01, the same byte as terminatorByte
	cmdCallBlock
	cmdReturnFromBlock
	cmdSyncpoint
	cmdSignal
	cmdDMA
	cmdHPLeave
	cmdSwap
)

// DMA direction, carried in a cmdDMA command's first payload byte.
const (
	dmaToLocal  = 0
	dmaToShared = 1
)

// Sizes, §2/§6.
const (
	// MaxCommandSize bounds a single command's encoded length in bytes.
	MaxCommandSize = 16 * 8 // 16 machine words of 8 bytes

	// DefaultRingSize is the size of each half of the double-buffered
	// normal ring.
	DefaultRingSize = 8 * 1024

	// DefaultHPRingSize is the size of the high-priority ring.
	DefaultHPRingSize = 4 * 1024

	// MaxOverlays is the number of overlay ids, including the
	// engine-reserved id 0.
	MaxOverlays = 16

	// DefaultOverlayStateSize bounds the combined saved-state region for
	// every registered overlay.
	DefaultOverlayStateSize = 64 * 1024

	// DefaultLocalMemSize is the single working-memory window the
	// resident overlay's data section occupies (§4.C).
	DefaultLocalMemSize = 4 * 1024

	// MaxBlockDepth is the hard limit on nested block-call depth (§3).
	MaxBlockDepth = 8

	// alignment all command words and DMA parameters must respect.
	wordAlign = 8
)

// Status register bits, §3/§6. Bits 3-7 are engine-reserved; bits 0-2 are
// user-programmable via Signal.
const (
	SignalBufferDone = 1 << 7 // engine-reserved buffer-done bit; not set by the consumer (buffer release goes through Ring.markDrained)
	SignalHPActive   = 1 << 6 // engine-reserved hp-active bit; not set by the consumer (HP activity is reported as EngineStatus.HPActive)
	signalReservedMask = 0xF8 // bits 3-7
	signalUserMask     = 0x07 // bits 0-2
)
