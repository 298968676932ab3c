// overlay.go - Overlay Registry (§4.C): a table of up to 15 registered
// micro-kernels, each with an immutable code/data image and a mutable
// saved-state region the overlay treats as persistent scratch.
//
// Grounded on coprocessor_manager.go's workers [7]*CoprocWorker array
// indexed by id, generalized from live CPU workers to passive image
// descriptors — the CLE never runs overlay code itself (§1 non-goal), it
// only tracks images and hands their saved-state pointer to hosts.

package cle

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// OverlayHandler executes one overlay command against the payload bytes
// following the command's header byte, and reports how many of them it
// consumed. It is the simulated stand-in for microcode: real RDP overlay
// programs know their own command boundaries by construction, and since
// the CLE does not execute overlay code (§1 non-goal) something else must
// tell the dispatcher where a command ends. payload is sized to whatever
// remains in the active buffer, not to the command's true length.
type OverlayHandler func(cmdID byte, payload []byte) (consumed uint32)

type overlayDescriptor struct {
	id        byte
	code      []byte
	data      []byte
	handler   OverlayHandler
	stateAddr uint32
	stateSize uint32
}

// OverlayRegistry tracks registered overlay images and the saved-state
// region allocated for each, plus the single local working-memory window
// the resident overlay's data section occupies while it runs (§4.C: "only
// one overlay resident at any instant" - there is one local memory, not
// one per overlay).
type OverlayRegistry struct {
	mem *SharedMemory

	mu       sync.Mutex
	overlays [MaxOverlays]*overlayDescriptor

	stateBase uint32
	stateSize uint32
	stateNext uint32

	localBase uint32
	localSize uint32

	resident atomic.Uint32 // overlay id currently resident in the consumer; 0 = none
}

// NewOverlayRegistry creates a registry whose overlay saved-state regions
// are bump-allocated out of [stateBase, stateBase+stateSize), and whose
// resident overlay's data section lives in the fixed [localBase,
// localBase+localSize) window shared by every overlay in turn.
func NewOverlayRegistry(mem *SharedMemory, stateBase, stateSize, localBase, localSize uint32) *OverlayRegistry {
	return &OverlayRegistry{
		mem:       mem,
		stateBase: stateBase,
		stateSize: stateSize,
		localBase: localBase,
		localSize: localSize,
	}
}

func (r *OverlayRegistry) LocalBase() uint32 { return r.localBase }
func (r *OverlayRegistry) LocalSize() uint32 { return r.localSize }

// Register binds code/data images and a command handler to id (1..15).
// Disallowed while the id is resident (ErrOverlayInUse, §4.C contract).
func (r *OverlayRegistry) Register(id byte, code, data []byte, handler OverlayHandler) error {
	if id == engineOverlayID || int(id) >= MaxOverlays {
		return ErrInvalidOverlay
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if uint32(r.resident.Load()) == uint32(id) {
		return ErrOverlayInUse
	}

	// The state region is also the source/destination of the DMA copy
	// switchOverlay performs on every overlay switch, so it is rounded up
	// to the DMA bridge's 8-byte alignment requirement; the padding stays
	// zeroed and the handler never sees or addresses it.
	size := alignUp8(uint32(len(data)))
	if size > r.localSize {
		return fmt.Errorf("cle: overlay data section %d exceeds local memory window %d", size, r.localSize)
	}
	if r.stateNext+size > r.stateSize {
		return fmt.Errorf("cle: overlay state region exhausted: need %d, have %d", size, r.stateSize-r.stateNext)
	}
	addr := r.stateBase + r.stateNext
	r.stateNext += size
	r.mem.CopyIn(addr, data) // saved-state starts as a copy of the data image

	r.overlays[id] = &overlayDescriptor{
		id:        id,
		code:      code,
		data:      data,
		handler:   handler,
		stateAddr: addr,
		stateSize: size,
	}
	return nil
}

// GetState returns the address and size of id's saved-state region, for
// hosts preparing state while the overlay is known non-resident (§5).
func (r *OverlayRegistry) GetState(id byte) (addr, size uint32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.overlays[id]
	if d == nil {
		return 0, 0, ErrUnknownOverlay
	}
	return d.stateAddr, d.stateSize, nil
}

func (r *OverlayRegistry) lookup(id byte) (*overlayDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.overlays[id]
	return d, d != nil
}

// setResident and clearResident are called by the dispatcher only, to
// implement the "not while resident" registration contract.
func (r *OverlayRegistry) setResident(id byte)   { r.resident.Store(uint32(id)) }
func (r *OverlayRegistry) clearResident()        { r.resident.Store(0) }
func (r *OverlayRegistry) residentID() byte      { return byte(r.resident.Load()) }
