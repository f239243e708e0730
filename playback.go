package callmedia

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Clock is an output device clock.
type Clock interface {
	Now() time.Duration
}

// WallClock measures time since its creation.
type WallClock struct {
	start time.Time
}

// NewWallClock starts a clock at zero.
func NewWallClock() *WallClock { return &WallClock{start: time.Now()} }

func (c *WallClock) Now() time.Duration { return time.Since(c.start) }

// AudioOutput is the playback device. Play queues planar samples to start at
// the given clock time; it must not block on playback.
type AudioOutput interface {
	Clock
	Play(at time.Duration, channels [][]float32, sampleRate int) error
}

// Playhead schedules gap-free, non-overlapping playback for one source:
// start = max(playhead, now); playhead = start + duration.
type Playhead struct {
	mu   sync.Mutex
	next time.Duration
}

// Schedule returns the start time for a buffer of duration d decoded at now.
func (p *Playhead) Schedule(now, d time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := max(p.next, now)
	p.next = start + d
	return start
}

// Position returns the end of the last scheduled buffer.
func (p *Playhead) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// Deinterleave splits interleaved samples into one slice per channel.
func Deinterleave(data []float32, channels int) [][]float32 {
	if channels <= 0 {
		return nil
	}
	frames := len(data) / channels
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			out[c][i] = data[i*channels+c]
		}
	}
	return out
}

// Mixer is the master output stage shared by every remote source of a call.
// Sources connect through a UserGain; only the owner closes the mixer.
type Mixer struct {
	out    AudioOutput
	master *GainNode

	mu     sync.Mutex
	inputs map[*UserGain]struct{}
	closed bool
}

// NewMixer creates a mixer at unity master gain.
func NewMixer(out AudioOutput) *Mixer {
	return &Mixer{
		out:    out,
		master: NewGainNode(1),
		inputs: make(map[*UserGain]struct{}),
	}
}

// SetMasterGain sets the output volume for every source.
func (m *Mixer) SetMasterGain(gain float32) { m.master.SetGain(gain) }

// MasterGain returns the output volume.
func (m *Mixer) MasterGain() float32 { return m.master.Gain() }

// Now returns the output clock.
func (m *Mixer) Now() time.Duration { return m.out.Now() }

// Connect adds a source with its own gain.
func (m *Mixer) Connect(name string) (*UserGain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("mixer: %w", ErrSessionClosed)
	}
	u := &UserGain{name: name, mixer: m, gain: NewGainNode(1)}
	m.inputs[u] = struct{}{}
	return u, nil
}

// Inputs returns the number of connected sources.
func (m *Mixer) Inputs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// Close disconnects every source. Idempotent.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for u := range m.inputs {
		u.disconnected.Store(true)
	}
	clear(m.inputs)
	return nil
}

func (m *Mixer) play(u *UserGain, at time.Duration, channels [][]float32, sampleRate int) error {
	m.mu.Lock()
	_, ok := m.inputs[u]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mixer input %s: %w", u.name, ErrSessionClosed)
	}
	gain := u.gain.Gain() * m.master.Gain()
	if gain != 1 {
		for _, ch := range channels {
			for i := range ch {
				ch[i] *= gain
			}
		}
	}
	return m.out.Play(at, channels, sampleRate)
}

// UserGain is one source's volume stage ahead of the mixer.
type UserGain struct {
	name         string
	mixer        *Mixer
	gain         *GainNode
	disconnected atomic.Bool
}

// SetGain sets this source's volume without affecting other sources.
func (u *UserGain) SetGain(gain float32) { u.gain.SetGain(gain) }

// Gain returns this source's volume.
func (u *UserGain) Gain() float32 { return u.gain.Gain() }

// Play routes planar samples through this gain and the master gain.
func (u *UserGain) Play(at time.Duration, channels [][]float32, sampleRate int) error {
	if u.disconnected.Load() {
		return fmt.Errorf("mixer input %s: %w", u.name, ErrSessionClosed)
	}
	return u.mixer.play(u, at, channels, sampleRate)
}

// Disconnect removes this source from the mixer. Idempotent.
func (u *UserGain) Disconnect() {
	if u.disconnected.Swap(true) {
		return
	}
	u.mixer.mu.Lock()
	delete(u.mixer.inputs, u)
	u.mixer.mu.Unlock()
}

// NullOutput discards audio against a wall clock while tracking the peak
// level of the most recent buffer.
type NullOutput struct {
	*WallClock
	buffers atomic.Uint64
	peak    atomic.Uint32
}

// NewNullOutput creates a discarding output.
func NewNullOutput() *NullOutput { return &NullOutput{WallClock: NewWallClock()} }

func (o *NullOutput) Play(_ time.Duration, channels [][]float32, _ int) error {
	var peak float32
	for _, ch := range channels {
		for _, s := range ch {
			peak = max(peak, abs32(s))
		}
	}
	o.peak.Store(math.Float32bits(peak))
	o.buffers.Add(1)
	return nil
}

// Buffers returns the number of buffers played.
func (o *NullOutput) Buffers() uint64 { return o.buffers.Load() }

// Peak returns the peak level of the last buffer.
func (o *NullOutput) Peak() float32 { return math.Float32frombits(o.peak.Load()) }
