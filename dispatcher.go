// dispatcher.go - Command Dispatcher (§4.D): the per-command state machine
// the simulated consumer runs. Decodes the (overlay_id, command_id) header
// byte, executes engine commands directly, and routes overlay commands to
// the resident overlay's handler after performing any required overlay
// switch (save outgoing state, load incoming state, §4.C).
//
// Grounded on coproc_worker_z80.go's per-worker execute-one-instruction
// loop, generalized from "one CPU core, one program counter" to "one
// command stream, one resident overlay" - the dispatcher plays the role
// the per-chip worker goroutine played in the teacher, minus actually
// running code, since the CLE does not execute overlay programs (§1).
package cle

import "encoding/binary"

// Dispatcher owns overlay residency, the block call depth, and the
// consumer-halting fault path. One Dispatcher serves both the normal and
// HP lanes - only one lane ever executes at a time (§4.F: preemption is
// cooperative, not concurrent), so a single call depth counter is safe to
// share between them.
type Dispatcher struct {
	overlays *OverlayRegistry
	blocks   *BlockRecorder
	sp       *SyncpointTracker
	dma      *DMABridge

	faults     chan FaultEvent
	interrupts chan struct{}
	callDepth  int // nested call-block invocations in flight; bounded by MaxBlockDepth
}

func newDispatcher(overlays *OverlayRegistry, blocks *BlockRecorder, sp *SyncpointTracker, dma *DMABridge) *Dispatcher {
	return &Dispatcher{
		overlays:   overlays,
		blocks:     blocks,
		sp:         sp,
		dma:        dma,
		faults:     make(chan FaultEvent, 8),
		interrupts: make(chan struct{}, 8),
	}
}

func (d *Dispatcher) raise(kind FaultKind, lane Lane, offset uint32, overlayID byte) {
	ev := FaultEvent{Kind: kind, ReadLane: lane, ReadOffset: offset, OverlayID: overlayID}
	select {
	case d.faults <- ev:
	default: // a stalled consumer; drop rather than block a goroutine that is already halting
	}
}

func (d *Dispatcher) notifyInterrupt() {
	select {
	case d.interrupts <- struct{}{}:
	default:
	}
}

// stepOutcome tells the ring-driving loop in consumer.go what happened
// after one command executed, since some commands (swap, call-block,
// return-from-block) change where the next read comes from.
type stepOutcome int

const (
	outcomeContinue stepOutcome = iota // advance and read the next command normally
	outcomeSwap                        // ring buffer was swapped; caller must reload bufIdx/offset
	outcomeHalted                      // a fault halted the consumer; stop the lane entirely
)

// execRing executes exactly one command read from the active ring buffer
// at (bufIdx, offset), where header is the byte already read at that
// position. It returns how many bytes (including header) to advance the
// ring cursor by, the outcome, and - only for outcomeSwap - the buffer
// half the caller should continue reading from next.
func (d *Dispatcher) execRing(lane Lane, ring *Ring, bufIdx int, offset uint32, header byte) (advance uint32, outcome stepOutcome, newBufIdx int) {
	ovID, cmdID := header>>overlayIDShift, header&commandIDMask

	if ovID != engineOverlayID {
		consumed, fault := d.execOverlay(ovID, cmdID, ring.mem.Slice(ring.Base(bufIdx)+offset+1, ring.payloadCap(offset+1)))
		if fault != nil {
			d.raise(*fault, lane, offset, ovID)
			return 0, outcomeHalted, 0
		}
		return 1 + consumed, outcomeContinue, 0
	}

	switch cmdID {
	case cmdSwap:
		target := int(ring.mem.Read8(ring.Base(bufIdx) + offset + 1))
		ring.markDrained(bufIdx)
		return 0, outcomeSwap, target
	case cmdCallBlock:
		id := binary.LittleEndian.Uint32(ring.mem.Slice(ring.Base(bufIdx)+offset+1, 4))
		blk, ok := d.blocks.lookup(id)
		if !ok {
			d.raise(FaultUnknownBlock, lane, offset, 0)
			return 0, outcomeHalted, 0
		}
		if !d.runBlock(lane, blk) {
			return 0, outcomeHalted, 0
		}
		return 5, outcomeContinue, 0
	case cmdReturnFromBlock:
		// A return-from-block read directly off the ring (not while
		// replaying a block) is a caller bug; treat it as a no-op rather
		// than halting the consumer over malformed input outside the
		// commands spec.md defines for the ring itself.
		return 1, outcomeContinue, 0
	default:
		consumed := d.execEngineCommand(cmdID, ring.mem.Slice(ring.Base(bufIdx)+offset+1, ring.payloadCap(offset+1)))
		return 1 + consumed, outcomeContinue, 0
	}
}

// runBlock replays a block to completion, including nested call-block
// commands, recursing one Go stack frame per nesting level - bounded by
// MaxBlockDepth regardless of whether this is the outermost call (from
// the ring) or a nested one (from an enclosing block). Returns false if a
// fault halted replay partway through.
func (d *Dispatcher) runBlock(lane Lane, blk *Block) bool {
	if d.callDepth >= MaxBlockDepth {
		d.raise(FaultBlockStackOverflow, lane, 0, 0)
		return false
	}
	d.callDepth++
	defer func() { d.callDepth-- }()

	off := uint32(0)
	for {
		header := blk.cmds[off]
		ovID, cmdID := header>>overlayIDShift, header&commandIDMask
		off++

		if ovID != engineOverlayID {
			consumed, fault := d.execOverlay(ovID, cmdID, blk.cmds[off:])
			if fault != nil {
				d.raise(*fault, lane, off, ovID)
				return false
			}
			off += consumed
			continue
		}

		switch cmdID {
		case cmdReturnFromBlock:
			return true
		case cmdCallBlock:
			id := binary.LittleEndian.Uint32(blk.cmds[off:])
			off += 4
			callee, ok := d.blocks.lookup(id)
			if !ok {
				d.raise(FaultUnknownBlock, lane, off, 0)
				return false
			}
			if !d.runBlock(lane, callee) {
				return false
			}
		default:
			off += d.execEngineCommand(cmdID, blk.cmds[off:])
		}
	}
}

// execEngineCommand executes the commands valid both on the ring and
// inside a replayed block. call-block, return-from-block, swap and
// hp-leave are control-flow commands handled by their callers instead.
func (d *Dispatcher) execEngineCommand(cmdID byte, payload []byte) (consumed uint32) {
	switch cmdID {
	case cmdNop:
		return 0
	case cmdInterrupt:
		d.notifyInterrupt()
		return 0
	case cmdSyncpoint:
		id := binary.LittleEndian.Uint32(payload)
		d.sp.markReached(id)
		return 4
	case cmdSignal:
		// The mask byte is consumed but not stored or forwarded: the
		// interrupt notification carries no payload, and status-bit
		// storage is the host's concern (§4.D: the dispatcher
		// raises the event, it does not own a status register).
		d.notifyInterrupt()
		return 1
	case cmdDMA:
		// dir only distinguishes the two commands for callers composing
		// them (DMAToLocal/DMAToShared); dst/src are already correctly
		// ordered by the caller regardless of direction.
		async := payload[1] != 0
		dst := binary.LittleEndian.Uint32(payload[2:6])
		src := binary.LittleEndian.Uint32(payload[6:10])
		length := binary.LittleEndian.Uint32(payload[10:14])
		if async {
			d.dma.transferAsync(dst, src, length) // fire-and-forget: the next command runs without waiting (§4.H)
		} else {
			d.dma.transferSync(dst, src, length)
		}
		return 14
	default:
		return 0
	}
}

// execOverlay performs an overlay switch if needed, then hands the
// command to the resident overlay's handler to determine its length.
func (d *Dispatcher) execOverlay(ovID, cmdID byte, payload []byte) (consumed uint32, fault *FaultKind) {
	desc, ok := d.overlays.lookup(ovID)
	if !ok {
		k := FaultUnknownOverlay
		return 0, &k
	}

	if d.overlays.residentID() != ovID {
		d.switchOverlay(desc)
	}

	n := desc.handler(cmdID, payload)
	return n, nil
}

// switchOverlay performs the save/load DMA round-trip through the single
// local memory window: the outgoing overlay's mutated data is copied back
// to its saved-state region, then the incoming overlay's saved-state is
// copied into local memory, exactly where its handler expects to find it
// (§4.C/§5: "an incoming overlay observes the state its last invocation
// left behind").
func (d *Dispatcher) switchOverlay(incoming *overlayDescriptor) {
	if outID := d.overlays.residentID(); outID != 0 {
		if out, ok := d.overlays.lookup(outID); ok {
			d.dma.transferSync(out.stateAddr, d.overlays.LocalBase(), out.stateSize)
		}
		d.overlays.clearResident()
	}
	d.dma.transferSync(d.overlays.LocalBase(), incoming.stateAddr, incoming.stateSize)
	d.overlays.setResident(incoming.id)
}
