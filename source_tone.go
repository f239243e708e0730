package callmedia

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// ToneConfig configures a ToneSource.
type ToneConfig struct {
	SampleRate int     // default 48000
	Channels   int     // default 1
	Frequency  float64 // Hz; zero produces silence
	Amplitude  float32 // peak, 0..1
	BlockSize  int     // samples per channel per block (default: 10ms)
	Realtime   bool    // pace blocks at wall-clock rate
}

// ToneSource generates a sine tone as interleaved float32 blocks.
type ToneSource struct {
	config ToneConfig
	phase  float64
	pos    int64 // samples per channel produced so far
	start  time.Time
	closed bool
	mu     sync.Mutex
}

// NewToneSource creates a tone generator.
func NewToneSource(config ToneConfig) *ToneSource {
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.BlockSize <= 0 {
		config.BlockSize = config.SampleRate / 100
	}
	return &ToneSource{config: config}
}

func (s *ToneSource) SampleRate() int { return s.config.SampleRate }
func (s *ToneSource) Channels() int   { return s.config.Channels }

// ReadSamples returns the next block. In realtime mode it waits until the
// block's capture time has passed.
func (s *ToneSource) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("tone: %w", ErrSessionClosed)
	}
	if s.start.IsZero() {
		s.start = time.Now()
	}
	pos := s.pos
	s.mu.Unlock()

	if s.config.Realtime {
		due := s.start.Add(time.Duration(pos+int64(s.config.BlockSize)) * time.Second / time.Duration(s.config.SampleRate))
		timer := time.NewTimer(time.Until(due))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.config.Channels
	out := &AudioSamples{
		Data:       make([]float32, s.config.BlockSize*ch),
		SampleRate: s.config.SampleRate,
		Channels:   ch,
		Timestamp:  s.pos * 1_000_000 / int64(s.config.SampleRate),
	}
	step := 2 * math.Pi * s.config.Frequency / float64(s.config.SampleRate)
	for i := 0; i < s.config.BlockSize; i++ {
		v := s.config.Amplitude * float32(math.Sin(s.phase))
		for c := 0; c < ch; c++ {
			out.Data[i*ch+c] = v
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	s.pos += int64(s.config.BlockSize)
	return out, nil
}

// Close closes the source.
func (s *ToneSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
