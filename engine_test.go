package cle

import (
	"sync"
	"testing"
	"time"
)

// orderedOverlay is a registrable OverlayHandler that records every command
// id it consumes, guarded by a mutex since the consumer goroutine calls it
// concurrently with the test goroutine reading the log.
type orderedOverlay struct {
	mu  sync.Mutex
	log []byte
}

func (o *orderedOverlay) handler(cmdID byte, payload []byte) uint32 {
	o.mu.Lock()
	o.log = append(o.log, cmdID)
	o.mu.Unlock()
	return 0
}

func (o *orderedOverlay) snapshot() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]byte, len(o.log))
	copy(out, o.log)
	return out
}

func smallTestConfig() Config {
	return Config{
		RingSize:         512,
		HPRingSize:       256,
		OverlayStateSize: 4096,
		LocalMemSize:     256,
	}
}

func overlayCmd(ovID, cmdID byte) []byte {
	return []byte{(ovID << overlayIDShift) | cmdID}
}

// TestEngineBasicOrderingPreservesFIFO is concrete scenario 1: commands
// issued in sequence on the normal ring must execute in the same order.
func TestEngineBasicOrderingPreservesFIFO(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	ov := &orderedOverlay{}
	if err := e.RegisterOverlay(1, nil, make([]byte, 8), ov.handler); err != nil {
		t.Fatalf("RegisterOverlay: %v", err)
	}

	for _, id := range []byte{1, 2, 3, 4, 5} {
		buf, err := e.Begin(1)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		copy(buf, overlayCmd(1, id&commandIDMask))
		if err := e.End(); err != nil {
			t.Fatalf("End: %v", err)
		}
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := ov.snapshot()
	want := []byte{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("log[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestEngineOverlaySwitchingDispatchesToCorrectHandler is concrete scenario
// 2: alternating commands to two different overlays must each land on that
// overlay's own handler, with the engine performing the switch in between.
func TestEngineOverlaySwitchingDispatchesToCorrectHandler(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	a, b := &orderedOverlay{}, &orderedOverlay{}
	if err := e.RegisterOverlay(1, nil, make([]byte, 8), a.handler); err != nil {
		t.Fatalf("RegisterOverlay 1: %v", err)
	}
	if err := e.RegisterOverlay(2, nil, make([]byte, 8), b.handler); err != nil {
		t.Fatalf("RegisterOverlay 2: %v", err)
	}

	sequence := []struct{ ov, cmd byte }{{1, 0}, {2, 1}, {1, 2}, {2, 3}}
	for _, s := range sequence {
		buf, _ := e.Begin(1)
		copy(buf, overlayCmd(s.ov, s.cmd))
		e.End()
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if got := a.snapshot(); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("overlay 1 log = %v, want [0 2]", got)
	}
	if got := b.snapshot(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("overlay 2 log = %v, want [1 3]", got)
	}
}

// TestEngineBlockReplayRunsRecordedSequenceEachTime is concrete scenario 3.
func TestEngineBlockReplayRunsRecordedSequenceEachTime(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	ov := &orderedOverlay{}
	if err := e.RegisterOverlay(1, nil, make([]byte, 8), ov.handler); err != nil {
		t.Fatalf("RegisterOverlay: %v", err)
	}

	if err := e.BlockBegin(); err != nil {
		t.Fatalf("BlockBegin: %v", err)
	}
	buf, _ := e.Begin(1)
	copy(buf, overlayCmd(1, 7))
	e.End()
	blk, err := e.BlockEnd()
	if err != nil {
		t.Fatalf("BlockEnd: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := e.BlockRun(blk); err != nil {
			t.Fatalf("BlockRun: %v", err)
		}
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := ov.snapshot()
	if len(got) != 3 {
		t.Fatalf("log = %v, want 3 replayed commands", got)
	}
	for _, c := range got {
		if c != 7 {
			t.Fatalf("replayed command = %d, want 7", c)
		}
	}
	e.BlockFree(blk)
}

// gatedOverlay blocks its very first handler invocation on gate, letting a
// test queue an entire backlog (and an HP session) before the consumer is
// allowed to execute anything past the first command - making the
// interleaving of preemption deterministic instead of a data race against
// the live consumer goroutine.
type gatedOverlay struct {
	mu    sync.Mutex
	log   []byte
	calls int
	gate  chan struct{}
}

func (g *gatedOverlay) handler(cmdID byte, payload []byte) uint32 {
	g.mu.Lock()
	first := g.calls == 0
	g.calls++
	g.mu.Unlock()
	if first {
		<-g.gate
	}
	g.mu.Lock()
	g.log = append(g.log, cmdID)
	g.mu.Unlock()
	return 0
}

func (g *gatedOverlay) snapshot() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]byte, len(g.log))
	copy(out, g.log)
	return out
}

// TestEngineHPPreemptsNormalLane is concrete scenario 4: a command queued on
// the HP ring while the normal ring has a backlog must execute immediately
// after the normal lane's in-flight command, ahead of the rest of that
// backlog (§4.F: preemption is checked at every command boundary).
func TestEngineHPPreemptsNormalLane(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	ov := &gatedOverlay{gate: make(chan struct{})}
	if err := e.RegisterOverlay(1, nil, make([]byte, 8), ov.handler); err != nil {
		t.Fatalf("RegisterOverlay: %v", err)
	}

	const backlog = 20
	for i := 0; i < backlog; i++ {
		buf, _ := e.Begin(1)
		copy(buf, overlayCmd(1, 4))
		e.End()
	}

	// Wake the consumer and wait until it is parked inside the first
	// backlog command's handler call before opening the HP session.
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		ov.mu.Lock()
		entered := ov.calls > 0
		ov.mu.Unlock()
		if entered {
			break
		}
		select {
		case <-deadline:
			t.Fatal("consumer never started the first backlog command")
		case <-time.After(time.Millisecond):
		}
	}

	if err := e.HPBegin(); err != nil {
		t.Fatalf("HPBegin: %v", err)
	}
	buf, err := e.Begin(1)
	if err != nil {
		t.Fatalf("Begin (hp): %v", err)
	}
	copy(buf, overlayCmd(1, 9))
	if err := e.End(); err != nil {
		t.Fatalf("End (hp): %v", err)
	}
	if err := e.HPEnd(); err != nil {
		t.Fatalf("HPEnd: %v", err)
	}

	// Everything above is now durably queued (backlog + the HP session)
	// while the consumer sits parked inside the first backlog command's
	// handler call. Releasing it lets the interleaving play out.
	close(ov.gate)

	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := ov.snapshot()
	if len(got) != backlog+1 {
		t.Fatalf("log length = %d, want %d", len(got), backlog+1)
	}
	if got[0] != 4 {
		t.Fatalf("log[0] = %d, want 4 (the in-flight normal command)", got[0])
	}
	if got[1] != 9 {
		t.Fatalf("log[1] = %d, want 9 (the HP command preempting the rest of the backlog)", got[1])
	}
	for i := 2; i < len(got); i++ {
		if got[i] != 4 {
			t.Fatalf("log[%d] = %d, want 4 (remaining backlog resumed after HP)", i, got[i])
		}
	}
}

// TestEngineRingBufferSwapContinuesAcrossHalves is concrete scenario 5: a
// command stream long enough to force multiple buffer swaps must still
// execute every command in order.
func TestEngineRingBufferSwapContinuesAcrossHalves(t *testing.T) {
	cfg := smallTestConfig()
	cfg.RingSize = 140 // just over MaxCommandSize, so a handful of 1-byte commands forces repeated swaps
	e := New(cfg)
	defer e.Close()

	ov := &orderedOverlay{}
	if err := e.RegisterOverlay(1, nil, make([]byte, 8), ov.handler); err != nil {
		t.Fatalf("RegisterOverlay: %v", err)
	}

	const n = 40
	for i := 0; i < n; i++ {
		buf, err := e.Begin(1)
		if err != nil {
			t.Fatalf("Begin #%d: %v", i, err)
		}
		copy(buf, overlayCmd(1, byte(i%8)))
		if err := e.End(); err != nil {
			t.Fatalf("End #%d: %v", i, err)
		}
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := ov.snapshot()
	if len(got) != n {
		t.Fatalf("executed %d commands across buffer swaps, want %d", len(got), n)
	}
	for i, c := range got {
		if c != byte(i%8) {
			t.Fatalf("command %d = %d, want %d (order not preserved across a swap)", i, c, byte(i%8))
		}
	}
}

// TestEngineDeepBlockNestExecutesToMaxDepth is concrete scenario 6: blocks
// nested up to MaxBlockDepth must all run; one level deeper must fault
// instead of executing.
func TestEngineDeepBlockNestExecutesToMaxDepth(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	ov := &orderedOverlay{}
	if err := e.RegisterOverlay(1, nil, make([]byte, 8), ov.handler); err != nil {
		t.Fatalf("RegisterOverlay: %v", err)
	}

	if err := e.BlockBegin(); err != nil {
		t.Fatalf("BlockBegin: %v", err)
	}
	buf, _ := e.Begin(1)
	copy(buf, overlayCmd(1, 3))
	e.End()
	cur, err := e.BlockEnd()
	if err != nil {
		t.Fatalf("BlockEnd: %v", err)
	}

	for i := 0; i < MaxBlockDepth-1; i++ {
		if err := e.BlockBegin(); err != nil {
			t.Fatalf("BlockBegin #%d: %v", i, err)
		}
		if err := e.BlockRun(cur); err != nil {
			t.Fatalf("BlockRun #%d: %v", i, err)
		}
		next, err := e.BlockEnd()
		if err != nil {
			t.Fatalf("BlockEnd #%d: %v", i, err)
		}
		cur = next
	}

	if err := e.BlockRun(cur); err != nil {
		t.Fatalf("BlockRun (outermost): %v", err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := ov.snapshot()
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("log = %v, want a single command 3 executed through the full nest", got)
	}
}

// TestEngineDeepBlockNestOneLevelBeyondMaxFaults is the other half of
// concrete scenario 6: nesting one level past MaxBlockDepth must halt the
// consumer with FaultBlockStackOverflow rather than executing.
func TestEngineDeepBlockNestOneLevelBeyondMaxFaults(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	ov := &orderedOverlay{}
	if err := e.RegisterOverlay(1, nil, make([]byte, 8), ov.handler); err != nil {
		t.Fatalf("RegisterOverlay: %v", err)
	}

	if err := e.BlockBegin(); err != nil {
		t.Fatalf("BlockBegin: %v", err)
	}
	buf, _ := e.Begin(1)
	copy(buf, overlayCmd(1, 3))
	e.End()
	cur, err := e.BlockEnd()
	if err != nil {
		t.Fatalf("BlockEnd: %v", err)
	}

	for i := 0; i < MaxBlockDepth; i++ { // one extra wrap beyond the prior test
		if err := e.BlockBegin(); err != nil {
			t.Fatalf("BlockBegin #%d: %v", i, err)
		}
		if err := e.BlockRun(cur); err != nil {
			t.Fatalf("BlockRun #%d: %v", i, err)
		}
		next, err := e.BlockEnd()
		if err != nil {
			t.Fatalf("BlockEnd #%d: %v", i, err)
		}
		cur = next
	}

	if err := e.BlockRun(cur); err != nil {
		t.Fatalf("BlockRun (outermost): %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	select {
	case ev := <-e.Faults():
		if ev.Kind != FaultBlockStackOverflow {
			t.Fatalf("fault kind = %v, want FaultBlockStackOverflow", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fault delivered for nesting one level past MaxBlockDepth")
	}
}

func TestEngineFaultDeliveredOnUnknownOverlay(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	buf, err := e.Begin(1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	copy(buf, overlayCmd(5, 0)) // overlay 5 was never registered
	if err := e.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	select {
	case ev := <-e.Faults():
		if ev.Kind != FaultUnknownOverlay {
			t.Fatalf("fault kind = %v, want FaultUnknownOverlay", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fault delivered for an unknown overlay command")
	}
}

func TestEngineSignalRejectsReservedBits(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	if err := e.Signal(SignalHPActive); err != ErrSignalReserved {
		t.Fatalf("Signal(reserved bit) = %v, want ErrSignalReserved", err)
	}
	if err := e.Signal(0x03); err != nil {
		t.Fatalf("Signal(user bits): %v", err)
	}
}

// TestEngineDMARejectsMisalignedParametersSynchronously is a regression
// test: DMAToLocal/DMAToShared must validate alignment before the command
// ever reaches the ring, the same way Signal validates its mask, rather
// than silently dropping the transfer once the consumer executes it.
func TestEngineDMARejectsMisalignedParametersSynchronously(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	if err := e.DMAToLocal(1, 0, 8, false); err != ErrDMAAlignment {
		t.Fatalf("DMAToLocal(misaligned dst) = %v, want ErrDMAAlignment", err)
	}
	if err := e.DMAToLocal(0, 1, 8, false); err != ErrDMAAlignment {
		t.Fatalf("DMAToLocal(misaligned src) = %v, want ErrDMAAlignment", err)
	}
	if err := e.DMAToLocal(0, 0, 7, false); err != ErrDMAAlignment {
		t.Fatalf("DMAToLocal(misaligned length) = %v, want ErrDMAAlignment", err)
	}
	if err := e.DMAToShared(1, 0, 8, true); err != ErrDMAAlignment {
		t.Fatalf("DMAToShared(misaligned dst) = %v, want ErrDMAAlignment", err)
	}
	if err := e.DMAToLocal(0, 0, 8, false); err != nil {
		t.Fatalf("DMAToLocal(aligned) = %v, want nil", err)
	}
}

// TestEngineBlockRunRejectedDuringHPSession is a regression test for
// spec.md §4.F/§7: block calls, not just block creation, are disallowed
// while an HP session is open.
func TestEngineBlockRunRejectedDuringHPSession(t *testing.T) {
	e := New(smallTestConfig())
	defer e.Close()

	if err := e.BlockBegin(); err != nil {
		t.Fatalf("BlockBegin: %v", err)
	}
	buf, _ := e.Begin(1)
	copy(buf, overlayCmd(1, 0))
	e.End()
	blk, err := e.BlockEnd()
	if err != nil {
		t.Fatalf("BlockEnd: %v", err)
	}

	if err := e.HPBegin(); err != nil {
		t.Fatalf("HPBegin: %v", err)
	}
	if err := e.BlockRun(blk); err != ErrHPActive {
		t.Fatalf("BlockRun during HP session = %v, want ErrHPActive", err)
	}
	if err := e.HPEnd(); err != nil {
		t.Fatalf("HPEnd: %v", err)
	}
	e.BlockFree(blk)
}

func TestEngineCloseIsIdempotentAndStopsConsumer(t *testing.T) {
	e := New(smallTestConfig())
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := e.Begin(1); err != ErrClosed {
		t.Fatalf("Begin after Close = %v, want ErrClosed", err)
	}
}
