package callmedia

import (
	"fmt"
	"io"
	"time"
)

// VideoEncoderConfig configures a video encoder session.
type VideoEncoderConfig struct {
	Codec    VideoCodec // VP8, VP9 (profile 0) or AV1 (main)
	Provider Provider   // ProviderAuto = registry chooses

	Width      int // Coded width
	Height     int // Coded height
	FPS        int // Target framerate
	BitrateBps int // Target bitrate in bits per second
	Threads    int // Encoder threads (0 = auto)
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:      codec,
		Provider:   ProviderAuto,
		Width:      width,
		Height:     height,
		FPS:        30,
		BitrateBps: 1_500_000,
	}
}

func (c VideoEncoderConfig) String() string {
	return fmt.Sprintf("%s %dx%d@%d %dbps", c.Codec.CodecString(), c.Width, c.Height, c.FPS, c.BitrateBps)
}

// VideoEncoder owns one codec instance. Timestamps fed to Encode must be
// non-decreasing.
type VideoEncoder interface {
	io.Closer

	// Encode encodes a frame whose size matches the configured resolution.
	// It may return zero frames while the encoder buffers.
	Encode(frame *VideoFrame, keyframe bool) ([]*EncodedFrame, error)

	// Reconfigure changes the coded resolution in place.
	Reconfigure(width, height int) error

	// Flush drains buffered output.
	Flush() ([]*EncodedFrame, error)

	Config() VideoEncoderConfig
}

// VideoDecoderConfig configures a video decoder session.
type VideoDecoderConfig struct {
	Codec       VideoCodec
	Provider    Provider
	CodedWidth  int
	CodedHeight int
}

func (c VideoDecoderConfig) String() string {
	return fmt.Sprintf("%s %dx%d", c.Codec.CodecString(), c.CodedWidth, c.CodedHeight)
}

// VideoDecoder owns one codec instance.
type VideoDecoder interface {
	io.Closer
	Decode(frame *EncodedFrame) ([]*VideoFrame, error)
	Flush() ([]*VideoFrame, error)
}

// AudioEncoderConfig configures an audio encoder session.
type AudioEncoderConfig struct {
	Codec         AudioCodec
	Provider      Provider
	SampleRate    int
	Channels      int
	BitrateBps    int
	FrameDuration time.Duration // per encoded frame, e.g. 20ms
}

// DefaultAudioEncoderConfig returns a default audio encoder configuration.
func DefaultAudioEncoderConfig() AudioEncoderConfig {
	return AudioEncoderConfig{
		Codec:         AudioCodecOpus,
		Provider:      ProviderAuto,
		SampleRate:    48000,
		Channels:      1,
		BitrateBps:    32000,
		FrameDuration: 20 * time.Millisecond,
	}
}

// FrameSamples returns the interleaved sample count of one encoder frame:
// sampleRate × channels × frameDuration.
func (c AudioEncoderConfig) FrameSamples() int {
	return int(int64(c.SampleRate) * int64(c.Channels) * int64(c.FrameDuration) / int64(time.Second))
}

func (c AudioEncoderConfig) String() string {
	return fmt.Sprintf("%s %dHz/%dch %s", c.Codec, c.SampleRate, c.Channels, c.FrameDuration)
}

// AudioEncoder owns one codec instance. Every Encode call receives exactly
// one frame of FrameSamples interleaved samples.
type AudioEncoder interface {
	io.Closer
	Encode(samples *AudioSamples) ([]*EncodedAudio, error)
	Flush() ([]*EncodedAudio, error)
	Config() AudioEncoderConfig
}

// AudioDecoderConfig configures an audio decoder session.
type AudioDecoderConfig struct {
	Codec      AudioCodec
	Provider   Provider
	SampleRate int
	Channels   int
}

func (c AudioDecoderConfig) String() string {
	return fmt.Sprintf("%s %dHz/%dch", c.Codec, c.SampleRate, c.Channels)
}

// AudioDecoder owns one codec instance.
type AudioDecoder interface {
	io.Closer
	Decode(frame *EncodedAudio) (*AudioSamples, error)
	Flush() ([]*AudioSamples, error)
}

// CodecFactory answers capability checks and creates codec sessions. Check
// methods return a *ConfigUnsupportedError for configurations that cannot be
// served.
type CodecFactory interface {
	CheckVideoEncoder(cfg VideoEncoderConfig) error
	CheckVideoDecoder(cfg VideoDecoderConfig) error
	CheckAudioEncoder(cfg AudioEncoderConfig) error
	CheckAudioDecoder(cfg AudioDecoderConfig) error

	NewVideoEncoder(cfg VideoEncoderConfig) (VideoEncoder, error)
	NewVideoDecoder(cfg VideoDecoderConfig) (VideoDecoder, error)
	NewAudioEncoder(cfg AudioEncoderConfig) (AudioEncoder, error)
	NewAudioDecoder(cfg AudioDecoderConfig) (AudioDecoder, error)
}
