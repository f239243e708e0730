package callmedia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRegistry_CheckVideoEncoder(t *testing.T) {
	r := NewCodecRegistry()

	tests := []struct {
		name    string
		cfg     VideoEncoderConfig
		wantErr bool
	}{
		{"vp8 raw", DefaultVideoEncoderConfig(VideoCodecVP8, 640, 480), false},
		{"av1 raw", DefaultVideoEncoderConfig(VideoCodecAV1, 1920, 1080), false},
		{"unknown codec", DefaultVideoEncoderConfig(VideoCodecUnknown, 640, 480), true},
		{"zero width", DefaultVideoEncoderConfig(VideoCodecVP9, 0, 480), true},
		{"too tall", DefaultVideoEncoderConfig(VideoCodecVP9, 640, 70000), true},
		{"zero fps", VideoEncoderConfig{Codec: VideoCodecVP8, Width: 2, Height: 2}, true},
		{"unregistered provider", VideoEncoderConfig{Codec: VideoCodecVP8, Provider: Provider(99), Width: 2, Height: 2, FPS: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.CheckVideoEncoder(tt.cfg)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var cue *ConfigUnsupportedError
			require.ErrorAs(t, err, &cue)
			assert.Equal(t, "video encoder", cue.Kind)
		})
	}
}

func TestCodecRegistry_CheckAudio(t *testing.T) {
	r := NewCodecRegistry()

	require.NoError(t, r.CheckAudioEncoder(DefaultAudioEncoderConfig()))

	bad := DefaultAudioEncoderConfig()
	bad.SampleRate = 44100
	var cue *ConfigUnsupportedError
	require.ErrorAs(t, r.CheckAudioEncoder(bad), &cue)

	bad = DefaultAudioEncoderConfig()
	bad.FrameDuration = 15 * time.Millisecond
	require.ErrorAs(t, r.CheckAudioEncoder(bad), &cue)

	bad = DefaultAudioEncoderConfig()
	bad.Channels = 3
	require.ErrorAs(t, r.CheckAudioEncoder(bad), &cue)

	require.NoError(t, r.CheckAudioDecoder(AudioDecoderConfig{Codec: AudioCodecOpus, SampleRate: 48000, Channels: 2}))
	require.ErrorAs(t, r.CheckAudioDecoder(AudioDecoderConfig{Codec: AudioCodecUnknown, SampleRate: 48000, Channels: 2}), &cue)
}

func TestCodecRegistry_AutoPicksHighestPriority(t *testing.T) {
	r := NewCodecRegistry()

	enc, err := r.NewVideoEncoder(DefaultVideoEncoderConfig(VideoCodecVP9, 64, 48))
	require.NoError(t, err)
	defer enc.Close()
	// Native is not marked available in tests without the library unless it loaded.
	if !ProviderNative.Available() {
		assert.Equal(t, ProviderRaw, enc.Config().Provider)
	}
}

func TestCodecRegistry_CustomProviderCheck(t *testing.T) {
	r := NewCodecRegistry()
	r.RegisterVideoDecoder(VideoCodecAV1, ProviderRaw, func(cfg VideoDecoderConfig) error {
		if cfg.CodedWidth > 1280 {
			return assert.AnError
		}
		return nil
	}, func(cfg VideoDecoderConfig) (VideoDecoder, error) {
		return &rawVideoDecoder{}, nil
	})

	require.NoError(t, r.CheckVideoDecoder(VideoDecoderConfig{Codec: VideoCodecAV1, Provider: ProviderRaw, CodedWidth: 1280, CodedHeight: 720}))

	_, err := r.NewVideoDecoder(VideoDecoderConfig{Codec: VideoCodecAV1, Provider: ProviderRaw, CodedWidth: 1920, CodedHeight: 1080})
	var cue *ConfigUnsupportedError
	require.ErrorAs(t, err, &cue)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestAudioEncoderConfig_FrameSamples(t *testing.T) {
	cfg := AudioEncoderConfig{SampleRate: 48000, Channels: 2, FrameDuration: 20 * time.Millisecond}
	assert.Equal(t, 1920, cfg.FrameSamples())

	cfg = AudioEncoderConfig{SampleRate: 16000, Channels: 1, FrameDuration: 2500 * time.Microsecond}
	assert.Equal(t, 40, cfg.FrameSamples())
}

func TestProvider(t *testing.T) {
	assert.Equal(t, "raw", ProviderRaw.String())
	assert.Equal(t, ProviderNative, ParseProvider("native"))
	assert.Equal(t, ProviderAuto, ParseProvider("bogus"))
	assert.True(t, ProviderRaw.Available())
	assert.True(t, ProviderRaw.Features().Has(FeatureDynamicResolution))
	assert.False(t, Provider(200).Available())
}
