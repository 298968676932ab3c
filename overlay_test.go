package cle

import "testing"

func newTestRegistry(t *testing.T, stateSize, localSize uint32) (*SharedMemory, *OverlayRegistry) {
	t.Helper()
	mem := NewSharedMemory(int(stateSize + localSize))
	return mem, NewOverlayRegistry(mem, 0, stateSize, stateSize, localSize)
}

func TestOverlayRegisterRejectsReservedAndOutOfRangeIDs(t *testing.T) {
	_, reg := newTestRegistry(t, 256, 64)
	for _, id := range []byte{0, MaxOverlays, MaxOverlays + 1} {
		if err := reg.Register(id, nil, make([]byte, 8), nil); err != ErrInvalidOverlay {
			t.Errorf("Register(%d) = %v, want ErrInvalidOverlay", id, err)
		}
	}
}

func TestOverlayRegisterRejectsDataLargerThanLocalWindow(t *testing.T) {
	_, reg := newTestRegistry(t, 256, 32)
	if err := reg.Register(1, nil, make([]byte, 64), nil); err == nil {
		t.Fatal("Register with oversized data section succeeded, want error")
	}
}

func TestOverlayRegisterRejectsWhenStateRegionExhausted(t *testing.T) {
	_, reg := newTestRegistry(t, 16, 64)
	if err := reg.Register(1, nil, make([]byte, 16), nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(2, nil, make([]byte, 16), nil); err == nil {
		t.Fatal("second Register succeeded past state region capacity, want error")
	}
}

func TestOverlayRegisterDisallowedWhileResident(t *testing.T) {
	_, reg := newTestRegistry(t, 256, 64)
	if err := reg.Register(3, nil, make([]byte, 8), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.setResident(3)
	if err := reg.Register(3, nil, make([]byte, 8), nil); err != ErrOverlayInUse {
		t.Fatalf("Register while resident = %v, want ErrOverlayInUse", err)
	}
}

func TestOverlayGetStateRoundTrip(t *testing.T) {
	_, reg := newTestRegistry(t, 256, 64)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := reg.Register(4, nil, data, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	addr, size, err := reg.GetState(4)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if size != alignUp8(uint32(len(data))) {
		t.Fatalf("size = %d, want %d", size, alignUp8(uint32(len(data))))
	}
	got := reg.mem.CopyOut(addr, uint32(len(data)))
	for i, b := range data {
		if got[i] != b {
			t.Fatalf("saved-state byte %d = %d, want %d", i, got[i], b)
		}
	}
}

func TestOverlayLookupUnregisteredFails(t *testing.T) {
	_, reg := newTestRegistry(t, 256, 64)
	if _, ok := reg.lookup(7); ok {
		t.Fatal("lookup(7) = true for never-registered overlay")
	}
}
