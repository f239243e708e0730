package callmedia

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StreamSource selects what a Streamer captures.
type StreamSource int

const (
	SourceCamera  StreamSource = iota // camera + microphone
	SourceDisplay                     // display + display audio
)

func (s StreamSource) String() string {
	if s == SourceDisplay {
		return "display"
	}
	return "camera"
}

// StreamerConfig configures a webcam or display stream.
type StreamerConfig struct {
	Endpoint Endpoint
	Source   StreamSource
	Camera   VideoConstraints
	Display  DisplayOptions

	Codec      VideoCodec
	Provider   Provider
	MaxWidth   int
	MaxHeight  int
	FPS        int
	BitrateBps int
	// KeyframeInterval forces a keyframe every N frames. Zero means FPS.
	KeyframeInterval int

	// Audio adds the source's audio track to the stream.
	Audio        bool
	AudioEncoder AudioEncoderConfig
	AudioGraph   AudioGraphConfig

	OnStateChange func(State)
	// OnFailure is called once if the stream fails after Start returned.
	OnFailure func(error)
}

// DefaultStreamerConfig returns a 720p30 VP8 camera stream with stereo audio.
func DefaultStreamerConfig(ep Endpoint) StreamerConfig {
	audio := DefaultAudioEncoderConfig()
	audio.Channels = 2
	audio.BitrateBps = 96_000
	return StreamerConfig{
		Endpoint:     ep,
		Source:       SourceCamera,
		Codec:        VideoCodecVP8,
		MaxWidth:     1280,
		MaxHeight:    720,
		FPS:          30,
		BitrateBps:   1_500_000,
		Audio:        true,
		AudioEncoder: audio,
		AudioGraph:   DefaultAudioGraphConfig(),
	}
}

// Streamer sends a camera or display capture as multiplexed video and audio
// records over one transport.
type Streamer struct {
	*encodeSession
	config StreamerConfig
	id     string
}

// NewStreamer creates a stream. It does not touch any resource until Start.
func NewStreamer(config StreamerConfig, deps Dependencies) *Streamer {
	if config.KeyframeInterval <= 0 {
		config.KeyframeInterval = config.FPS
	}
	id := uuid.NewString()
	log := deps.logger("streamer").WithFields(logrus.Fields{
		"session":     id,
		"participant": config.Endpoint.ParticipantID,
		"stream":      config.Endpoint.StreamName,
	})
	return &Streamer{
		encodeSession: newEncodeSession("stream", deps, log, config.OnStateChange, config.OnFailure),
		config:        config,
		id:            id,
	}
}

// ID returns the session id used in logs.
func (s *Streamer) ID() string { return s.id }

func (s *Streamer) videoConfig(w, h int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:      s.config.Codec,
		Provider:   s.config.Provider,
		Width:      w,
		Height:     h,
		FPS:        s.config.FPS,
		BitrateBps: s.config.BitrateBps,
	}
}

// preflight verifies the codec configuration before any resource is opened.
func (s *Streamer) preflight() error {
	if s.config.MaxWidth <= 0 || s.config.MaxHeight <= 0 || s.config.MaxWidth > math.MaxUint16 || s.config.MaxHeight > math.MaxUint16 {
		return &ConfigUnsupportedError{
			Kind:   "video encoder",
			Config: s.videoConfig(s.config.MaxWidth, s.config.MaxHeight).String(),
			Err:    fmt.Errorf("max dimensions %dx%d", s.config.MaxWidth, s.config.MaxHeight),
		}
	}
	if err := s.deps.Codecs.CheckVideoEncoder(s.videoConfig(s.config.MaxWidth, s.config.MaxHeight)); err != nil {
		return err
	}
	if s.config.Audio {
		if err := s.deps.Codecs.CheckAudioEncoder(s.config.AudioEncoder); err != nil {
			return err
		}
	}
	return nil
}

// Start checks codecs, acquires capture, opens the transport and starts
// streaming. Any failure tears down what was acquired and is returned;
// OnFailure is reserved for failures after Start returns.
func (s *Streamer) Start(ctx context.Context) error {
	ctx, err := s.life.claim(ctx)
	if err != nil {
		return err
	}
	if err := s.preflight(); err != nil {
		return s.life.abort(err, s.release)
	}
	s.life.connecting()

	if err := s.start(ctx); err != nil {
		s.log.WithError(err).Warn("stream start failed")
		return s.life.abort(err, s.release)
	}
	if err := s.life.open(); err != nil {
		return err
	}
	s.log.Info("stream open")
	return nil
}

func (s *Streamer) start(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	if err := s.openTransport(ctx, s.config.Endpoint); err != nil {
		return err
	}

	w, h, err := s.video.sizeFromFirstFrame(ctx)
	if err != nil {
		return &CaptureError{Device: s.config.Source.String(), Err: err}
	}
	enc, err := s.deps.Codecs.NewVideoEncoder(s.videoConfig(w, h))
	if err != nil {
		return err
	}
	s.video.encoder = enc
	s.video.output = s.sendVideo

	if s.audio != nil {
		stage, err := openAudioStage(s.deps.Codecs, s.audio.capture, s.config.AudioEncoder, s.config.AudioGraph)
		if err != nil {
			return err
		}
		stage.output = s.sendAudio
		s.audio = stage
	}

	s.run(ctx)
	return nil
}

// acquire opens the capture devices; a denied device releases the others.
func (s *Streamer) acquire(ctx context.Context) error {
	var (
		video VideoCapture
		audio AudioCapture
		err   error
	)
	switch s.config.Source {
	case SourceDisplay:
		video, err = s.deps.Capture.OpenDisplay(ctx, s.config.Display)
	default:
		video, err = s.deps.Capture.OpenCamera(ctx, s.config.Camera)
	}
	if err != nil {
		return asCaptureError(s.config.Source.String(), err)
	}
	s.video = &videoEncodeStage{
		capture:     video,
		fps:         s.config.FPS,
		keyInterval: s.config.KeyframeInterval,
		policy:      ResolutionPolicy{MaxWidth: s.config.MaxWidth, MaxHeight: s.config.MaxHeight},
	}

	if !s.config.Audio {
		return nil
	}
	device := "microphone"
	if s.config.Source == SourceDisplay {
		device = "display audio"
		audio, err = s.deps.Capture.OpenDisplayAudio(ctx)
	} else {
		audio, err = s.deps.Capture.OpenMicrophone(ctx, AudioConstraints{
			SampleRate:       s.config.AudioEncoder.SampleRate,
			ChannelCount:     s.config.AudioEncoder.Channels,
			EchoCancellation: true,
			NoiseSuppression: true,
		})
	}
	if err != nil {
		return asCaptureError(device, err)
	}
	s.audio = &audioEncodeStage{capture: audio}
	return nil
}

func (s *Streamer) sendVideo(ef *EncodedFrame) error {
	rec, err := MuxVideo(VideoHeader{
		Timestamp:   usToMs(ef.Timestamp),
		Keyframe:    ef.IsKeyframe(),
		Codec:       s.config.Codec,
		CodedHeight: uint16(ef.Height),
		CodedWidth:  uint16(ef.Width),
	}, ef.Data)
	if err != nil {
		return err
	}
	return s.send(rec)
}

func (s *Streamer) sendAudio(ea *EncodedAudio) error {
	return s.send(MuxAudio(usToMs(ea.Timestamp), ea.Data))
}

// asCaptureError wraps acquisition failures that are not already typed.
func asCaptureError(device string, err error) error {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return err
	}
	return &CaptureError{Device: device, Err: err}
}
