package callmedia

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVoiceConfig(ep Endpoint) VoiceEncoderConfig {
	enc := DefaultAudioEncoderConfig()
	enc.Provider = ProviderRaw
	return VoiceEncoderConfig{
		Endpoint: ep,
		Encoder:  enc,
		Graph:    DefaultAudioGraphConfig(),
	}
}

func TestVoiceEncoder_SendsFramedPackets(t *testing.T) {
	f := newPipeFactory()
	ep := testEndpoint("alice", DefaultVoiceSendStream)
	v := NewVoiceEncoder(testVoiceConfig(ep), testDeps(f, &SyntheticCapture{Realtime: true}))
	require.NoError(t, v.Start(context.Background()))
	defer v.Stop()
	peer := f.peer(t, ep)

	var timestamps []int64
	for i := 0; i < 3; i++ {
		var hdr FrameHeader
		payload, err := DecodePacket(receive(t, peer), &hdr)
		require.NoError(t, err)
		// 20ms of 48kHz mono as raw int16.
		assert.Len(t, payload, 960*2)
		assert.False(t, hdr.Keyframe)
		timestamps = append(timestamps, hdr.Timestamp)
	}
	assert.Equal(t, []int64{0, 20000, 40000}, timestamps)
	assert.True(t, v.Speaking())
}

func TestVoiceEncoder_SkipsGatedSilence(t *testing.T) {
	f := newPipeFactory()
	ep := testEndpoint("alice", DefaultVoiceSendStream)
	cfg := testVoiceConfig(ep)
	cfg.Graph.GateHold = 20 * time.Millisecond
	v := NewVoiceEncoder(cfg, testDeps(f, &SyntheticCapture{Realtime: true}))
	require.NoError(t, v.Start(context.Background()))
	defer v.Stop()
	peer := f.peer(t, ep)
	receive(t, peer)

	v.SetInputGain(0)
	require.Eventually(t, func() bool { return !v.Speaking() }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	for len(peer.Incoming()) > 0 {
		<-peer.Incoming()
	}

	select {
	case <-peer.Incoming():
		t.Fatal("silent frame sent while gate closed")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestVoiceEncoder_ControlsDuringStart(t *testing.T) {
	f := newPipeFactory()
	ep := testEndpoint("alice", DefaultVoiceSendStream)
	v := NewVoiceEncoder(testVoiceConfig(ep), testDeps(f, &SyntheticCapture{Realtime: true}))

	// Gain and speaking state are safe from another goroutine while the
	// graph is being published.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			v.SetInputGain(1)
			v.Speaking()
		}
	}()
	require.NoError(t, v.Start(context.Background()))
	<-done
	defer v.Stop()

	peer := f.peer(t, ep)
	receive(t, peer)
	require.Eventually(t, v.Speaking, time.Second, 5*time.Millisecond)
}

func TestVoiceEncoder_UnsupportedConfig(t *testing.T) {
	f := newPipeFactory()
	opened := 0
	capture := &SyntheticCapture{OnOpen: func(CaptureKind, io.Closer) { opened++ }}
	cfg := testVoiceConfig(testEndpoint("alice", DefaultVoiceSendStream))
	cfg.Encoder.SampleRate = 44100

	v := NewVoiceEncoder(cfg, testDeps(f, capture))
	err := v.Start(context.Background())
	var cue *ConfigUnsupportedError
	require.ErrorAs(t, err, &cue)
	assert.Equal(t, "audio encoder", cue.Kind)
	assert.Zero(t, opened)
	assert.Zero(t, f.opened())
}

func TestVoiceEncoder_MicrophoneDenied(t *testing.T) {
	f := newPipeFactory()
	capture := &SyntheticCapture{Denied: map[CaptureKind]bool{CaptureMicrophone: true}}
	v := NewVoiceEncoder(testVoiceConfig(testEndpoint("alice", DefaultVoiceSendStream)), testDeps(f, capture))

	err := v.Start(context.Background())
	var ce *CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "microphone", ce.Device)
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.Zero(t, f.opened())
	assert.Equal(t, StateClosed, v.State())
}

func TestVoiceEncoder_TransportOpenFails(t *testing.T) {
	f := newPipeFactory()
	f.err = &TransportError{Op: "dial", Err: assert.AnError}
	var mic *ToneSource
	capture := &SyntheticCapture{OnOpen: func(kind CaptureKind, c io.Closer) {
		mic = c.(*ToneSource)
	}}
	v := NewVoiceEncoder(testVoiceConfig(testEndpoint("alice", DefaultVoiceSendStream)), testDeps(f, capture))

	err := v.Start(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	require.NotNil(t, mic)
	_, err = mic.ReadSamples(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed, "microphone released")
}
