package callmedia

import (
	"context"
	"io"
)

// CaptureKind identifies a capture device class.
type CaptureKind int

const (
	CaptureMicrophone CaptureKind = iota
	CaptureCamera
	CaptureDisplay
	CaptureDisplayAudio
)

func (k CaptureKind) String() string {
	switch k {
	case CaptureMicrophone:
		return "microphone"
	case CaptureCamera:
		return "camera"
	case CaptureDisplay:
		return "display"
	case CaptureDisplayAudio:
		return "display audio"
	default:
		return "unknown"
	}
}

// VideoCapture produces raw video frames. The pipeline pulls one frame per
// tick; the frame is valid until the next ReadFrame or Close.
type VideoCapture interface {
	io.Closer
	ReadFrame(ctx context.Context) (*VideoFrame, error)
}

// AudioCapture produces interleaved float32 sample blocks.
type AudioCapture interface {
	io.Closer
	ReadSamples(ctx context.Context) (*AudioSamples, error)
	SampleRate() int
	Channels() int
}

// VideoConstraints requests camera capture parameters.
type VideoConstraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate int
}

// AudioConstraints requests microphone capture parameters.
type AudioConstraints struct {
	DeviceID         string
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DisplayOptions requests screen capture parameters.
type DisplayOptions struct {
	Width     int
	Height    int
	FrameRate int
	Cursor    string // "always", "motion", "never"
}

// CaptureFactory acquires capture devices. Acquisition may block on a
// permission prompt and honors ctx.
type CaptureFactory interface {
	OpenMicrophone(ctx context.Context, c AudioConstraints) (AudioCapture, error)
	OpenCamera(ctx context.Context, c VideoConstraints) (VideoCapture, error)
	OpenDisplay(ctx context.Context, o DisplayOptions) (VideoCapture, error)
	OpenDisplayAudio(ctx context.Context) (AudioCapture, error)
}

// SyntheticCapture is a CaptureFactory backed by generated media: test
// patterns for video and tones for audio. Denied kinds fail acquisition the
// way a refused permission prompt would.
type SyntheticCapture struct {
	Pattern PatternType
	// ToneHz is the microphone tone frequency. Zero means 440.
	ToneHz float64
	// Realtime paces audio blocks at wall-clock rate.
	Realtime bool
	Denied   map[CaptureKind]bool
	// OnOpen observes every successful acquisition.
	OnOpen func(kind CaptureKind, c io.Closer)
}

func (s *SyntheticCapture) check(ctx context.Context, kind CaptureKind) error {
	if err := ctx.Err(); err != nil {
		return &CaptureError{Device: kind.String(), Err: err}
	}
	if s.Denied[kind] {
		return &CaptureError{Device: kind.String(), Err: ErrNotSupported}
	}
	return nil
}

func (s *SyntheticCapture) opened(kind CaptureKind, c io.Closer) {
	if s.OnOpen != nil {
		s.OnOpen(kind, c)
	}
}

// OpenMicrophone returns a tone source.
func (s *SyntheticCapture) OpenMicrophone(ctx context.Context, c AudioConstraints) (AudioCapture, error) {
	if err := s.check(ctx, CaptureMicrophone); err != nil {
		return nil, err
	}
	hz := s.ToneHz
	if hz == 0 {
		hz = 440
	}
	src := NewToneSource(ToneConfig{
		SampleRate: c.SampleRate,
		Channels:   c.ChannelCount,
		Frequency:  hz,
		Amplitude:  0.5,
		Realtime:   s.Realtime,
	})
	s.opened(CaptureMicrophone, src)
	return src, nil
}

// OpenCamera returns a test pattern source.
func (s *SyntheticCapture) OpenCamera(ctx context.Context, c VideoConstraints) (VideoCapture, error) {
	if err := s.check(ctx, CaptureCamera); err != nil {
		return nil, err
	}
	src := NewTestPatternSource(TestPatternConfig{
		Width:   c.Width,
		Height:  c.Height,
		FPS:     c.FrameRate,
		Pattern: s.Pattern,
	})
	s.opened(CaptureCamera, src)
	return src, nil
}

// OpenDisplay returns a moving-box test pattern source.
func (s *SyntheticCapture) OpenDisplay(ctx context.Context, o DisplayOptions) (VideoCapture, error) {
	if err := s.check(ctx, CaptureDisplay); err != nil {
		return nil, err
	}
	src := NewTestPatternSource(TestPatternConfig{
		Width:   o.Width,
		Height:  o.Height,
		FPS:     o.FrameRate,
		Pattern: PatternMovingBox,
	})
	s.opened(CaptureDisplay, src)
	return src, nil
}

// OpenDisplayAudio returns a silent stereo source.
func (s *SyntheticCapture) OpenDisplayAudio(ctx context.Context) (AudioCapture, error) {
	if err := s.check(ctx, CaptureDisplayAudio); err != nil {
		return nil, err
	}
	src := NewToneSource(ToneConfig{SampleRate: 48000, Channels: 2, Realtime: s.Realtime})
	s.opened(CaptureDisplayAudio, src)
	return src, nil
}
