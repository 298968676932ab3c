// overlay_audiomixer.go - a demo collaborator overlay standing in for a
// real RDP audio-mixer microcode image: it drains mixed PCM samples that
// arrive over the command stream and pushes them to a live oto output.
//
// Grounded on IntuitionEngine's audio_backend_oto.go OtoPlayer: an
// atomic.Pointer-style hot path for Read(), a pre-allocated sample buffer,
// and a mutex reserved for setup/control rather than the per-sample path.
package main

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/oto/v3"
)

// audioMixerRingLen must be a power of two so index wrapping is a mask,
// not a modulo.
const audioMixerRingLen = 1 << 14

// AudioMixerOverlay is the engine-facing half of the demo's sound
// collaborator. Command 0 on its overlay id carries a sample count
// followed by that many little-endian float32 samples; the dispatcher
// calls Handler for every such command while this overlay is resident,
// and the returned consumed count tells it where the next command starts.
type AudioMixerOverlay struct {
	ctx    *oto.Context
	player *oto.Player

	ring [audioMixerRingLen]float32
	head atomic.Uint64 // next slot Handler will write
	tail atomic.Uint64 // next slot Read will consume

	sampleBuf []float32 // pre-allocated, grown only if a Read asks for more
	mutex     sync.Mutex
	started   bool
}

// NewAudioMixerOverlay opens an oto context at sampleRate and wires this
// overlay as its player's sample source.
func NewAudioMixerOverlay(sampleRate int) (*AudioMixerOverlay, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   4,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-ready

	m := &AudioMixerOverlay{ctx: ctx, sampleBuf: make([]float32, 4096)}
	m.player = ctx.NewPlayer(m)
	return m, nil
}

// Start begins playback. Idempotent.
func (m *AudioMixerOverlay) Start() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.started {
		m.player.Play()
		m.started = true
	}
}

// Close stops playback and releases the oto player.
func (m *AudioMixerOverlay) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.player.Close()
	m.started = false
}

// Handler is the OverlayHandler registered for this overlay's id. cmdID 0
// is the only command this image understands; anything else, or a payload
// too short to hold a sample count, is skipped as the header plus one
// payload byte (Handler returns 1).
func (m *AudioMixerOverlay) Handler(cmdID byte, payload []byte) uint32 {
	if cmdID != 0 || len(payload) < 4 {
		return 1
	}
	n := binary.LittleEndian.Uint32(payload[0:4])
	need := 4 + int(n)*4
	if need > len(payload) {
		return uint32(len(payload))
	}
	for i := uint32(0); i < n; i++ {
		bits := binary.LittleEndian.Uint32(payload[4+i*4:])
		m.push(math.Float32frombits(bits))
	}
	return uint32(need)
}

func (m *AudioMixerOverlay) push(s float32) {
	h := m.head.Load()
	if h-m.tail.Load() >= audioMixerRingLen {
		return // ring full: drop rather than block the consumer goroutine
	}
	m.ring[h%audioMixerRingLen] = s
	m.head.Store(h + 1)
}

// Read implements io.Reader for oto.NewPlayer. Underruns are padded with
// silence rather than blocking oto's playback goroutine on the mixer.
func (m *AudioMixerOverlay) Read(p []byte) (int, error) {
	numSamples := len(p) / 4
	if len(m.sampleBuf) < numSamples {
		m.sampleBuf = make([]float32, numSamples)
	}
	samples := m.sampleBuf[:numSamples]

	t := m.tail.Load()
	avail := m.head.Load() - t
	if uint64(numSamples) < avail {
		avail = uint64(numSamples)
	}
	var i uint64
	for ; i < avail; i++ {
		samples[i] = m.ring[(t+i)%audioMixerRingLen]
	}
	for ; i < uint64(numSamples); i++ {
		samples[i] = 0
	}
	m.tail.Store(t + avail)

	if numSamples == 0 {
		return 0, nil
	}
	copy(p, (*[1 << 30]byte)(unsafe.Pointer(&samples[0]))[:len(p)])
	return len(p), nil
}

// encodeMixCommand builds a command-0 payload for n float32 samples,
// ready to copy into an Engine.Begin reservation for the mixer's overlay
// id.
func encodeMixCommand(ovID byte, samples []float32) []byte {
	buf := make([]byte, 1+4+len(samples)*4)
	buf[0] = ovID << 4
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(samples)))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[5+i*4:], math.Float32bits(s))
	}
	return buf
}
