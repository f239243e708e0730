package callmedia

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Default stream names of a voice call.
const (
	DefaultVoiceSendStream    = "voice"
	DefaultVoiceReceiveStream = "voice-mix"
)

// CallConfig configures a voice call: one sender and one listener sharing a
// master output gain.
type CallConfig struct {
	Send    Endpoint
	Receive Endpoint

	Microphone  AudioConstraints
	Encoder     AudioEncoderConfig
	Graph       AudioGraphConfig
	SendSilence bool

	Decoder    AudioDecoderConfig
	Output     AudioOutput
	OnSpeaking func(user string, speaking bool)

	OnStateChange func(State)
	// OnFailure is called once when the call fails after Join returned.
	OnFailure func(error)
	// OnListenerFailure is called when the listener fails on its own. The
	// call keeps sending.
	OnListenerFailure func(error)
}

// DefaultCallConfig returns a mono 48kHz call on the default stream names.
func DefaultCallConfig(baseURL, participantID, token string) CallConfig {
	return CallConfig{
		Send:    Endpoint{BaseURL: baseURL, ParticipantID: participantID, StreamName: DefaultVoiceSendStream, Token: token},
		Receive: Endpoint{BaseURL: baseURL, ParticipantID: participantID, StreamName: DefaultVoiceReceiveStream, Token: token},
		Microphone: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Encoder: DefaultAudioEncoderConfig(),
		Graph:   DefaultAudioGraphConfig(),
		Decoder: AudioDecoderConfig{Codec: AudioCodecOpus, SampleRate: 48000, Channels: 1},
	}
}

// Call runs a VoiceEncoder and a Listener as one unit. A sender failure ends
// the call; a listener failure ends only the listener.
type Call struct {
	life   *lifecycle
	deps   Dependencies
	log    *logrus.Entry
	config CallConfig

	mixer    *Mixer
	voice    *VoiceEncoder
	listener *Listener
}

// NewCall creates a call.
func NewCall(config CallConfig, deps Dependencies) *Call {
	if deps.Log == nil {
		deps.Log = discardLog()
	}
	deps.Log = deps.Log.WithFields(logrus.Fields{
		"call":        uuid.NewString(),
		"participant": config.Send.ParticipantID,
	})
	return &Call{
		life:   newLifecycle("call", deps.Metrics, config.OnStateChange, config.OnFailure),
		deps:   deps,
		log:    deps.logger("call"),
		config: config,
	}
}

// Join starts the sender and the listener concurrently. If either fails to
// start, or the sender fails before Join returns, both are stopped and the
// error is returned without reaching OnFailure.
func (c *Call) Join(ctx context.Context) error {
	ctx, err := c.life.claim(ctx)
	if err != nil {
		return err
	}
	if c.config.Output == nil {
		return c.life.abort(fmt.Errorf("call: output is required"), c.release)
	}
	c.life.connecting()

	c.mixer = NewMixer(c.config.Output)
	c.voice = NewVoiceEncoder(VoiceEncoderConfig{
		Endpoint:    c.config.Send,
		Microphone:  c.config.Microphone,
		Encoder:     c.config.Encoder,
		Graph:       c.config.Graph,
		SendSilence: c.config.SendSilence,
		OnFailure:   c.fail,
	}, c.deps)
	c.listener = NewListener(ListenerConfig{
		Endpoint:   c.config.Receive,
		Decoder:    c.config.Decoder,
		Mixer:      c.mixer,
		OnSpeaking: c.config.OnSpeaking,
		OnFailure:  c.listenerFailed,
	}, c.deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.voice.Start(gctx) })
	g.Go(func() error { return c.listener.Open(gctx) })
	if err := g.Wait(); err != nil {
		c.log.WithError(err).Warn("join failed")
		return c.life.abort(err, c.release)
	}

	// A sender failure between here and open is returned, not reported.
	if err := c.life.open(); err != nil {
		return err
	}
	c.log.Info("joined")
	return nil
}

func (c *Call) fail(err error) {
	if c.life.tornDown() {
		return
	}
	c.log.WithError(err).Error("call failed")
	go c.shutdown(err, true)
}

func (c *Call) listenerFailed(err error) {
	c.log.WithError(err).Warn("listener ended")
	if c.config.OnListenerFailure != nil {
		c.config.OnListenerFailure(err)
	}
}

func (c *Call) shutdown(err error, notify bool) {
	c.life.teardown(err, notify, c.release)
}

func (c *Call) release() {
	if c.voice != nil {
		c.voice.Stop()
	}
	if c.listener != nil {
		c.listener.Close()
	}
	if c.mixer != nil {
		c.mixer.Close()
	}
}

// Leave ends the call. Idempotent.
func (c *Call) Leave() error {
	c.shutdown(nil, false)
	c.life.wait()
	return nil
}

// Voice returns the sender.
func (c *Call) Voice() *VoiceEncoder { return c.voice }

// Listener returns the receiver.
func (c *Call) Listener() *Listener { return c.listener }

// Mixer returns the master output stage.
func (c *Call) Mixer() *Mixer { return c.mixer }

// State returns the lifecycle state.
func (c *Call) State() State { return c.life.State() }

// Done is closed once the call is torn down.
func (c *Call) Done() <-chan struct{} { return c.life.Done() }

// Err returns the error that ended the call.
func (c *Call) Err() error { return c.life.Err() }
