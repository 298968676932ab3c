// engine.go - Public Front End (§4.I): the only package surface a host is
// expected to import. Owns construction/teardown of every other piece and
// routes Begin/End to whichever destination the current mode implies -
// the normal ring, the HP ring, or an active block recording.
//
// Grounded on coprocessor_manager.go's CoprocessorManager: a struct that
// owns every worker plus the shared bus, with New/Close constructing and
// tearing the whole thing down in one place.
package cle

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Config sizes the shared-memory regions Engine allocates. Zero fields
// fall back to the package defaults.
type Config struct {
	RingSize         uint32 // each half of the double-buffered normal ring
	HPRingSize       uint32 // each half of the double-buffered HP ring
	OverlayStateSize uint32 // combined saved-state region for all overlays
	LocalMemSize     uint32 // the resident overlay's working-memory window
}

func (c Config) withDefaults() Config {
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	if c.HPRingSize == 0 {
		c.HPRingSize = DefaultHPRingSize
	}
	if c.OverlayStateSize == 0 {
		c.OverlayStateSize = DefaultOverlayStateSize
	}
	if c.LocalMemSize == 0 {
		c.LocalMemSize = DefaultLocalMemSize
	}
	return c
}

// span unifies the ring's WriteSpan and the block recorder's recording
// buffer behind the single reserve-write-publish shape Engine.Begin/End
// needs, regardless of where a command is actually headed.
type span interface {
	Bytes() []byte
	End() error
}

// blockSpan is the Begin/End adapter used while a block recording is
// active: command bytes accumulate in a plain slice instead of a ring.
type blockSpan struct {
	br     *BlockRecorder
	buf    []byte
	closed bool
}

func (s *blockSpan) Bytes() []byte { return s.buf }
func (s *blockSpan) End() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.br.append(s.buf)
	return nil
}

// Engine is the command-list engine: a ring-fed consumer, an overlay
// registry, a block recorder, a syncpoint tracker and a DMA bridge, wired
// together and exposed as the single type hosts construct.
type Engine struct {
	mem        *SharedMemory
	normalRing *Ring
	hp         *HPLane
	overlays   *OverlayRegistry
	blocks     *BlockRecorder
	sp         *SyncpointTracker
	dma        *DMABridge
	dispatcher *Dispatcher
	status     *statusStore

	group  *errgroup.Group
	cancel context.CancelFunc
	closed atomic.Bool

	hostHP    bool // host-side mirror of whether an HP session is open; single-producer, not synchronized
	pending   span // the in-flight Begin() reservation awaiting End()
	pendingHP bool
}

// New allocates shared memory for every region cfg describes and starts
// the consumer goroutine. The returned Engine must be closed with Close.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()

	normalBase := uint32(0)
	normalTotal := 2 * cfg.RingSize
	hpBase := normalBase + normalTotal
	hpTotal := 2 * cfg.HPRingSize
	stateBase := hpBase + hpTotal
	localBase := stateBase + cfg.OverlayStateSize

	mem := NewSharedMemory(int(localBase + cfg.LocalMemSize))

	normalRing := NewRing(mem, normalBase, cfg.RingSize)
	hpLane := newHPLane(mem, hpBase, cfg.HPRingSize)
	overlays := NewOverlayRegistry(mem, stateBase, cfg.OverlayStateSize, localBase, cfg.LocalMemSize)
	blocks := newBlockRecorder()
	sp := newSyncpointTracker()
	dma := newDMABridge(mem)
	dispatcher := newDispatcher(overlays, blocks, sp, dma)
	status := &statusStore{}

	cons := newConsumer(dispatcher, normalRing, hpLane, sp, status)
	group, cancel := startConsumer(context.Background(), cons)

	return &Engine{
		mem:        mem,
		normalRing: normalRing,
		hp:         hpLane,
		overlays:   overlays,
		blocks:     blocks,
		sp:         sp,
		dma:        dma,
		dispatcher: dispatcher,
		status:     status,
		group:      group,
		cancel:     cancel,
	}
}

// Close stops the consumer and waits for it to exit. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	return e.group.Wait()
}

// Begin reserves n command bytes in whichever destination the engine is
// currently in: an active block recording, the HP ring during an HP
// session, or the normal ring otherwise. The returned slice is valid
// until End is called.
func (e *Engine) Begin(n uint32) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if n > MaxCommandSize {
		return nil, ErrOutOfMemory
	}

	if e.blocks.Active() {
		sp := &blockSpan{br: e.blocks, buf: make([]byte, n)}
		e.pending, e.pendingHP = sp, false
		return sp.Bytes(), nil
	}

	ring := e.normalRing
	if e.hostHP {
		ring = e.hp.ring
	}
	ws, err := ring.Begin(n)
	if err != nil {
		return nil, err
	}
	e.pending, e.pendingHP = ws, e.hostHP
	return ws.Bytes(), nil
}

// End publishes the reservation opened by the most recent Begin. The HP
// ring rings its own doorbell on every End so a preemption's latency is
// bounded by a single command rather than waiting on an explicit flush;
// the normal ring only wakes the consumer when Flush is called.
func (e *Engine) End() error {
	if e.pending == nil {
		return nil
	}
	sp := e.pending
	wasHP := e.pendingHP
	e.pending, e.pendingHP = nil, false
	if err := sp.End(); err != nil {
		return err
	}
	if wasHP {
		e.hp.ring.Doorbell()
	}
	return nil
}

// writeRaw is Begin/write/End collapsed into one call, for the engine's
// own internal commands (signal, syncpoint, hp-leave, call-block).
func (e *Engine) writeRaw(cmd []byte) error {
	buf, err := e.Begin(uint32(len(cmd)))
	if err != nil {
		return err
	}
	copy(buf, cmd)
	return e.End()
}

// Flush rings the normal ring's doorbell, waking the consumer if it is
// parked. A no-op while a block recording is active (§4.E: recorded
// commands are not live until replayed).
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.blocks.Active() {
		return nil
	}
	e.normalRing.Doorbell()
	return nil
}

// RegisterOverlay binds an overlay's code/data image and command handler
// to id.
func (e *Engine) RegisterOverlay(id byte, code, data []byte, handler OverlayHandler) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.overlays.Register(id, code, data, handler)
}

// OverlayState returns the address and size of id's saved-state region.
func (e *Engine) OverlayState(id byte) (addr, size uint32, err error) {
	if e.closed.Load() {
		return 0, 0, ErrClosed
	}
	return e.overlays.GetState(id)
}

// BlockBegin redirects subsequent Begin/End calls into a new recording
// instead of the active ring. Disallowed during an HP session (§9 DESIGN
// NOTES, Open Question 1): the recorder and the HP lane cannot both claim
// "where commands go right now".
func (e *Engine) BlockBegin() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.hostHP {
		return ErrHPActive
	}
	return e.blocks.Begin()
}

// BlockEnd seals the active recording and returns a replayable handle.
func (e *Engine) BlockEnd() (*Block, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.blocks.End()
}

// BlockRun appends a call-block command for b to whatever Begin/End is
// currently targeting - the normal ring, or an outer recording, in which
// case b gains a standing reference that freeing the outer block does not
// release.
// Disallowed during an HP session (§4.F: "block calls are currently
// disallowed inside HP"; §7: HP_ACTIVE).
func (e *Engine) BlockRun(b *Block) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.hostHP {
		return ErrHPActive
	}
	embedding := e.blocks.Active()
	cmd := e.blocks.Run(b, embedding)
	return e.writeRaw(cmd)
}

// BlockFree releases the caller's reference to b.
func (e *Engine) BlockFree(b *Block) {
	e.blocks.Free(b)
}

// Syncpoint allocates a new syncpoint id and emits the command that makes
// the consumer mark it reached once it executes in order.
func (e *Engine) Syncpoint() (uint32, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if e.blocks.Active() {
		return 0, ErrSyncInBlock
	}
	id := e.sp.Allocate()
	cmd := make([]byte, 5)
	cmd[0] = (engineOverlayID << overlayIDShift) | cmdSyncpoint
	binary.LittleEndian.PutUint32(cmd[1:], id)
	if err := e.writeRaw(cmd); err != nil {
		return 0, err
	}
	return id, nil
}

// CheckSyncpoint reports whether the consumer has reached id yet, without
// blocking.
func (e *Engine) CheckSyncpoint(id uint32) bool {
	return e.sp.Check(id)
}

// WaitSyncpoint blocks until the consumer reaches id. Disallowed during an
// HP session (Open Question 3): the normal ring's progress is exactly
// what is paused while the HP lane runs.
func (e *Engine) WaitSyncpoint(id uint32) error {
	if e.hostHP {
		return ErrHPActive
	}
	e.sp.Wait(id)
	return nil
}

// Sync allocates a syncpoint, flushes, and blocks until the consumer
// reaches it - the common "wait for everything issued so far" operation.
func (e *Engine) Sync() error {
	if e.hostHP {
		return ErrHPActive
	}
	id, err := e.Syncpoint()
	if err != nil {
		return err
	}
	if err := e.Flush(); err != nil {
		return err
	}
	return e.WaitSyncpoint(id)
}

// Signal emits a user-signal command carrying mask, which must not touch
// the engine-reserved status bits.
func (e *Engine) Signal(mask byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if mask&signalReservedMask != 0 {
		return ErrSignalReserved
	}
	return e.writeRaw([]byte{(engineOverlayID << overlayIDShift) | cmdSignal, mask})
}

// dmaCmd encodes a cmdDMA command moving length bytes between dst and src
// in the direction dir names.
func dmaCmd(dir byte, dst, src, length uint32, async bool) []byte {
	cmd := make([]byte, 15)
	cmd[0] = (engineOverlayID << overlayIDShift) | cmdDMA
	cmd[1] = dir
	if async {
		cmd[2] = 1
	}
	binary.LittleEndian.PutUint32(cmd[3:7], dst)
	binary.LittleEndian.PutUint32(cmd[7:11], src)
	binary.LittleEndian.PutUint32(cmd[11:15], length)
	return cmd
}

// DMAToLocal emits a DMA command copying length bytes from shared memory
// at src into the consumer's local memory at dst (§4.H). Alignment
// violations are assertion-class (§4.I) and are rejected synchronously,
// before the command ever reaches the ring.
func (e *Engine) DMAToLocal(dst, src, length uint32, async bool) error {
	if err := e.dma.validate(dst, src, length); err != nil {
		return err
	}
	return e.writeRaw(dmaCmd(dmaToLocal, dst, src, length, async))
}

// DMAToShared emits a DMA command copying length bytes from the
// consumer's local memory at src into shared memory at dst (§4.H).
// Alignment violations are rejected synchronously, the same way
// DMAToLocal does.
func (e *Engine) DMAToShared(dst, src, length uint32, async bool) error {
	if err := e.dma.validate(dst, src, length); err != nil {
		return err
	}
	return e.writeRaw(dmaCmd(dmaToShared, dst, src, length, async))
}

// HPBegin opens a high-priority session: subsequent Begin/End calls
// target the HP ring, and the consumer preempts the normal ring at its
// next command boundary.
func (e *Engine) HPBegin() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.hostHP {
		return ErrHPActive
	}
	if e.blocks.Active() {
		return ErrRecordingActive
	}
	e.hostHP = true
	e.hp.requested.Store(true)
	return nil
}

// HPEnd closes the high-priority session, emitting the command that tells
// the consumer to restore the normal lane's read position.
func (e *Engine) HPEnd() error {
	if !e.hostHP {
		return nil
	}
	if err := e.writeRaw([]byte{(engineOverlayID << overlayIDShift) | cmdHPLeave}); err != nil {
		return err
	}
	e.hostHP = false
	return nil
}

// Faults delivers consumer-halting faults (§7): block stack overflow,
// unknown overlay, unknown block.
func (e *Engine) Faults() <-chan FaultEvent {
	return e.dispatcher.faults
}

// Interrupts delivers a notification for each cmdInterrupt/cmdSignal the
// consumer executes, for hosts that want to react to them generically
// rather than by polling Status. The channel buffers 8 notifications;
// further ones are dropped until the host drains it.
func (e *Engine) Interrupts() <-chan struct{} {
	return e.dispatcher.interrupts
}

// Status returns a consistent snapshot of the consumer's current position.
func (e *Engine) Status() EngineStatus {
	return e.status.snapshot()
}
