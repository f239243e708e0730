package callmedia

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// VoiceEncoderConfig configures the one-way voice sender of a call.
type VoiceEncoderConfig struct {
	Endpoint   Endpoint
	Microphone AudioConstraints
	Encoder    AudioEncoderConfig
	Graph      AudioGraphConfig
	// SendSilence keeps sending frames while the noise gate is closed.
	SendSilence bool

	OnStateChange func(State)
	// OnFailure is called once if the sender fails after Start returned.
	OnFailure func(error)
}

// VoiceEncoder sends microphone audio as simple framed packets: a JSON
// FrameHeader followed by one encoded frame.
type VoiceEncoder struct {
	*encodeSession
	config VoiceEncoderConfig
	// graph is published once the audio stage is built.
	graph atomic.Pointer[AudioGraph]
}

// NewVoiceEncoder creates a voice sender.
func NewVoiceEncoder(config VoiceEncoderConfig, deps Dependencies) *VoiceEncoder {
	log := deps.logger("voice").WithFields(logrus.Fields{
		"session":     uuid.NewString(),
		"participant": config.Endpoint.ParticipantID,
		"stream":      config.Endpoint.StreamName,
	})
	return &VoiceEncoder{
		encodeSession: newEncodeSession("voice", deps, log, config.OnStateChange, config.OnFailure),
		config:        config,
	}
}

// Start checks the codec, acquires the microphone, opens the transport and
// starts sending.
func (v *VoiceEncoder) Start(ctx context.Context) error {
	ctx, err := v.life.claim(ctx)
	if err != nil {
		return err
	}
	if err := v.deps.Codecs.CheckAudioEncoder(v.config.Encoder); err != nil {
		return v.life.abort(err, v.release)
	}
	v.life.connecting()

	if err := v.start(ctx); err != nil {
		v.log.WithError(err).Warn("voice start failed")
		return v.life.abort(err, v.release)
	}
	if err := v.life.open(); err != nil {
		return err
	}
	v.log.Info("voice open")
	return nil
}

func (v *VoiceEncoder) start(ctx context.Context) error {
	mic := v.config.Microphone
	if mic.SampleRate == 0 {
		mic.SampleRate = v.config.Encoder.SampleRate
	}
	if mic.ChannelCount == 0 {
		mic.ChannelCount = v.config.Encoder.Channels
	}
	capture, err := v.deps.Capture.OpenMicrophone(ctx, mic)
	if err != nil {
		return asCaptureError("microphone", err)
	}
	v.audio = &audioEncodeStage{capture: capture}

	if err := v.openTransport(ctx, v.config.Endpoint); err != nil {
		return err
	}

	stage, err := openAudioStage(v.deps.Codecs, capture, v.config.Encoder, v.config.Graph)
	if err != nil {
		return err
	}
	stage.skipSilence = !v.config.SendSilence
	stage.output = v.sendFrame
	v.audio = stage
	v.graph.Store(stage.graph)

	v.run(ctx)
	return nil
}

func (v *VoiceEncoder) sendFrame(ea *EncodedAudio) error {
	pkt, err := EncodePacket(FrameHeader{Timestamp: ea.Timestamp}, ea.Data)
	if err != nil {
		return err
	}
	return v.send(pkt)
}

// SetInputGain adjusts the microphone gain while running.
func (v *VoiceEncoder) SetInputGain(gain float32) {
	if g := v.graph.Load(); g != nil {
		g.Gain.SetGain(gain)
	}
}

// Speaking reports whether the noise gate is currently open.
func (v *VoiceEncoder) Speaking() bool {
	g := v.graph.Load()
	return g != nil && g.Gate.Open()
}
