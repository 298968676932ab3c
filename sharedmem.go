// sharedmem.go - shared RAM standing in for the region the CPU and the RSP
// co-processor both see. Grounded on machine_bus.go's Bus32: a flat,
// pre-allocated byte slice guarded by a single mutex, with little-endian
// accessors. No pooling or dynamic allocation - the region is fixed-size
// for the engine's lifetime (§5: the CLE does not own RAM allocation, the
// caller hands it a region sized up front).

package cle

import (
	"encoding/binary"
	"sync"
)

// SharedMemory is the memory region visible to both the CPU producer and
// the simulated RSP consumer: ring buffers, overlay saved-state regions
// and the local memory window live inside it. Block storage (plain Go
// slices) and the last-reached syncpoint counter (an atomic in
// SyncpointTracker) are kept outside it.
type SharedMemory struct {
	mu  sync.RWMutex
	mem []byte
}

// NewSharedMemory allocates a zeroed region of the given size.
func NewSharedMemory(size int) *SharedMemory {
	return &SharedMemory{mem: make([]byte, size)}
}

func (s *SharedMemory) Len() int {
	return len(s.mem)
}

func (s *SharedMemory) Read8(addr uint32) byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem[addr]
}

func (s *SharedMemory) Write8(addr uint32, v byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem[addr] = v
}

func (s *SharedMemory) Read32(addr uint32) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return binary.LittleEndian.Uint32(s.mem[addr : addr+4])
}

func (s *SharedMemory) Write32(addr uint32, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.LittleEndian.PutUint32(s.mem[addr:addr+4], v)
}

// Slice returns a direct, unsynchronized view into the backing region for
// bulk copies (ring writes, block storage, DMA). Callers that mutate the
// returned slice concurrently with Read8/Write32 on overlapping addresses
// are responsible for their own ordering, exactly as real shared RAM would
// require of the CPU and the RSP.
func (s *SharedMemory) Slice(addr, length uint32) []byte {
	return s.mem[addr : addr+length]
}

// CopyIn copies src into the region starting at addr.
func (s *SharedMemory) CopyIn(addr uint32, src []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.mem[addr:], src)
}

// CopyOut copies length bytes starting at addr into a new slice.
func (s *SharedMemory) CopyOut(addr, length uint32) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, length)
	copy(out, s.mem[addr:addr+length])
	return out
}
