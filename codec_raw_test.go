package callmedia

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawVideo_RoundTrip(t *testing.T) {
	r := NewCodecRegistry()
	enc, err := r.NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecVP8, Provider: ProviderRaw, Width: 33, Height: 17, FPS: 30})
	require.NoError(t, err)
	defer enc.Close()
	dec, err := r.NewVideoDecoder(VideoDecoderConfig{Codec: VideoCodecVP8, Provider: ProviderRaw, CodedWidth: 33, CodedHeight: 17})
	require.NoError(t, err)
	defer dec.Close()

	src := NewTestPatternSource(TestPatternConfig{Width: 33, Height: 17, Pattern: PatternGradient})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	frame, err := src.ReadFrame(ctx)
	require.NoError(t, err)

	// First frame is always a keyframe.
	out, err := enc.Encode(frame, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsKeyframe())

	decoded, err := dec.Decode(out[0])
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, frame.Data[0], decoded[0].Data[0])
	assert.Equal(t, frame.Data[1], decoded[0].Data[1])

	out, err = enc.Encode(frame, false)
	require.NoError(t, err)
	assert.False(t, out[0].IsKeyframe())
}

func TestRawVideo_DeltaWithoutReference(t *testing.T) {
	enc := newRawVideoEncoder(VideoEncoderConfig{Width: 4, Height: 4})
	f := NewI420Frame(4, 4)
	_, err := enc.Encode(f, false)
	require.NoError(t, err)
	delta, err := enc.Encode(f, false)
	require.NoError(t, err)

	dec := &rawVideoDecoder{}
	_, err = dec.Decode(delta[0])
	assert.ErrorIs(t, err, errRawNoReference)
}

func TestRawVideo_Reconfigure(t *testing.T) {
	enc := newRawVideoEncoder(VideoEncoderConfig{Width: 4, Height: 4})
	_, err := enc.Encode(NewI420Frame(4, 4), false)
	require.NoError(t, err)

	_, err = enc.Encode(NewI420Frame(8, 6), false)
	require.Error(t, err)

	require.NoError(t, enc.Reconfigure(8, 6))
	out, err := enc.Encode(NewI420Frame(8, 6), false)
	require.NoError(t, err)
	assert.True(t, out[0].IsKeyframe())
	assert.Equal(t, 8, out[0].Width)
	assert.Equal(t, 6, enc.Config().Height)

	require.NoError(t, enc.Close())
	_, err = enc.Encode(NewI420Frame(8, 6), false)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRawAudio_RoundTrip(t *testing.T) {
	enc := &rawAudioEncoder{config: AudioEncoderConfig{SampleRate: 48000, Channels: 2, FrameDuration: 20 * time.Millisecond}}
	dec := &rawAudioDecoder{config: AudioDecoderConfig{SampleRate: 48000, Channels: 2}}

	in := &AudioSamples{Data: make([]float32, 1920), SampleRate: 48000, Channels: 2, Timestamp: 20_000}
	for i := range in.Data {
		in.Data[i] = float32(i%200-100) / 100
	}

	out, err := enc.Encode(in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(20_000), out[0].Duration)

	got, err := dec.Decode(out[0])
	require.NoError(t, err)
	require.Len(t, got.Data, len(in.Data))
	for i := range in.Data {
		assert.InDelta(t, in.Data[i], got.Data[i], 1.0/16384)
	}

	_, err = dec.Decode(&EncodedAudio{Data: []byte{1, 2, 3}})
	assert.Error(t, err)
}

func TestFloatToS16_Clamps(t *testing.T) {
	assert.Equal(t, int16(32767), floatToS16(2))
	assert.Equal(t, int16(-32768), floatToS16(-2))
	assert.Equal(t, int16(0), floatToS16(0))
}
