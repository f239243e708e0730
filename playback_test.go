package callmedia

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOutput records every played buffer against a manual clock.
type fakeOutput struct {
	mu    sync.Mutex
	now   time.Duration
	plays []fakePlay
}

type fakePlay struct {
	at       time.Duration
	channels [][]float32
}

func (o *fakeOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	o.mu.Unlock()
}

func (o *fakeOutput) Play(at time.Duration, channels [][]float32, _ int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plays = append(o.plays, fakePlay{at: at, channels: channels})
	return nil
}

func (o *fakeOutput) played() []fakePlay {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]fakePlay(nil), o.plays...)
}

func TestPlayhead_Monotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var p Playhead
	now := time.Duration(0)
	var prevStart, prevDur time.Duration

	for i := 0; i < 1000; i++ {
		now += time.Duration(rng.Intn(40)) * time.Millisecond
		d := time.Duration(rng.Intn(60)+1) * time.Millisecond

		start := p.Schedule(now, d)
		require.GreaterOrEqual(t, start, now)
		if i > 0 {
			require.GreaterOrEqual(t, start, prevStart)
			require.GreaterOrEqual(t, start, prevStart+prevDur)
		}
		prevStart, prevDur = start, d
	}
	assert.Equal(t, prevStart+prevDur, p.Position())
}

func TestPlayhead_GapFreeWhenAhead(t *testing.T) {
	var p Playhead
	assert.Equal(t, 100*time.Millisecond, p.Schedule(100*time.Millisecond, 20*time.Millisecond))
	// Decoded early: queued right after the previous buffer.
	assert.Equal(t, 120*time.Millisecond, p.Schedule(105*time.Millisecond, 20*time.Millisecond))
	// Underrun: restart at the clock.
	assert.Equal(t, 500*time.Millisecond, p.Schedule(500*time.Millisecond, 20*time.Millisecond))
}

func TestDeinterleave(t *testing.T) {
	out := Deinterleave([]float32{1, 2, 3, 4, 5, 6}, 2)
	assert.Equal(t, [][]float32{{1, 3, 5}, {2, 4, 6}}, out)
	assert.Nil(t, Deinterleave([]float32{1}, 0))
}

func TestMixer_TwoStageGain(t *testing.T) {
	out := &fakeOutput{}
	m := NewMixer(out)

	alice, err := m.Connect("alice")
	require.NoError(t, err)
	bob, err := m.Connect("bob")
	require.NoError(t, err)

	alice.SetGain(0)
	m.SetMasterGain(0.5)

	require.NoError(t, alice.Play(0, [][]float32{{1, 1}}, 48000))
	require.NoError(t, bob.Play(0, [][]float32{{1, 1}}, 48000))

	plays := out.played()
	require.Len(t, plays, 2)
	assert.Equal(t, []float32{0, 0}, plays[0].channels[0])
	assert.Equal(t, []float32{0.5, 0.5}, plays[1].channels[0])
	assert.Equal(t, float32(1), bob.Gain())
}

func TestMixer_DisconnectOnlyAffectsOneInput(t *testing.T) {
	m := NewMixer(&fakeOutput{})
	alice, _ := m.Connect("alice")
	bob, _ := m.Connect("bob")

	alice.Disconnect()
	alice.Disconnect()
	assert.Equal(t, 1, m.Inputs())
	assert.ErrorIs(t, alice.Play(0, nil, 48000), ErrSessionClosed)
	assert.NoError(t, bob.Play(0, nil, 48000))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.ErrorIs(t, bob.Play(0, nil, 48000), ErrSessionClosed)
	_, err := m.Connect("carol")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestNullOutput(t *testing.T) {
	o := NewNullOutput()
	require.NoError(t, o.Play(0, [][]float32{{0.1, -0.7}}, 48000))
	assert.Equal(t, uint64(1), o.Buffers())
	assert.InDelta(t, 0.7, o.Peak(), 1e-6)
}
