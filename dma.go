// dma.go - DMA Bridge (§4.H): moves bytes between SharedMemory regions
// standing in for shared RAM and the consumer's local memory. Alignment
// (8 bytes on all parameters, length a multiple of 8) and overlap
// semantics are the caller's responsibility, per spec.md.

package cle

// DMABridge performs the byte-copy half of dma_to_local/dma_to_shared.
// Both commands are symmetric at this layer - only the direction of dst
// vs src differs, which the engine-command encoding captures, not this
// type.
type DMABridge struct {
	mem *SharedMemory
}

func newDMABridge(mem *SharedMemory) *DMABridge {
	return &DMABridge{mem: mem}
}

func align8(v uint32) bool { return v%wordAlign == 0 }

// alignUp8 rounds v up to the next multiple of wordAlign.
func alignUp8(v uint32) uint32 { return (v + wordAlign - 1) &^ (wordAlign - 1) }

func (d *DMABridge) validate(dst, src, length uint32) error {
	if !align8(dst) || !align8(src) || !align8(length) {
		return ErrDMAAlignment
	}
	return nil
}

// transferSync performs the copy inline; the caller (the dispatcher) is
// expected to stall before reading the next command, per async=false
// semantics (§4.H).
func (d *DMABridge) transferSync(dst, src, length uint32) error {
	if err := d.validate(dst, src, length); err != nil {
		return err
	}
	d.mem.CopyIn(dst, d.mem.CopyOut(src, length))
	return nil
}

// transferAsync starts the copy on a separate goroutine and returns a
// channel the dispatcher may check later, allowing the next command to
// run concurrently with the transfer (async=true semantics, useful for
// double-buffered texture streaming per spec.md §4.H).
func (d *DMABridge) transferAsync(dst, src, length uint32) <-chan error {
	done := make(chan error, 1)
	if err := d.validate(dst, src, length); err != nil {
		done <- err
		return done
	}
	go func() {
		d.mem.CopyIn(dst, d.mem.CopyOut(src, length))
		done <- nil
	}()
	return done
}
