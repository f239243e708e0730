package callmedia

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL       string
	ParticipantID string
	Token         string

	// Call is the template for voice calls; endpoints are filled in from the
	// fields above. A zero value uses DefaultCallConfig.
	Call CallConfig

	// Output plays call and stream audio.
	Output AudioOutput

	// NewSurface returns the surface for a remote stream. Nil draws into a
	// NullSurface.
	NewSurface     func(participantID, streamName string) Surface
	ViewerProvider Provider
	Tap            RecordSink

	// OnError receives failures of sessions the client started on its own.
	OnError func(error)
}

type viewerKey struct {
	participant string
	stream      string
}

// Client owns the local participant's call, local streams and remote stream
// viewers, and applies control-plane events to them.
type Client struct {
	deps   Dependencies
	log    *logrus.Entry
	config ClientConfig

	streamMixer *Mixer

	mu      sync.Mutex
	call    *Call
	streams map[string]*Streamer
	viewers map[viewerKey]*Viewer
	closed  bool
}

// NewClient creates a client.
func NewClient(config ClientConfig, deps Dependencies) *Client {
	if deps.Log == nil {
		deps.Log = discardLog()
	}
	deps.Log = deps.Log.WithField("participant", config.ParticipantID)
	c := &Client{
		deps:    deps,
		log:     deps.logger("client"),
		config:  config,
		streams: make(map[string]*Streamer),
		viewers: make(map[viewerKey]*Viewer),
	}
	if config.Output != nil {
		c.streamMixer = NewMixer(config.Output)
	}
	return c
}

func (c *Client) endpoint(participant, stream string) Endpoint {
	return Endpoint{BaseURL: c.config.BaseURL, ParticipantID: participant, StreamName: stream, Token: c.config.Token}
}

func (c *Client) reportError(err error) {
	if c.config.OnError != nil {
		c.config.OnError(err)
	}
}

// HandleEvent applies one control-plane event.
func (c *Client) HandleEvent(ctx context.Context, ev Event) error {
	log := c.log.WithFields(logrus.Fields{"event": ev.Type, "from": ev.ParticipantID, "stream": ev.StreamName})
	local := ev.ParticipantID == c.config.ParticipantID
	switch ev.Type {
	case EventVoiceJoining:
		if local {
			log.Debug("joining call")
			return c.JoinCall(ctx)
		}
		// Remote sessions start with the first packet.
		return nil
	case EventVoiceLeaving:
		if local {
			log.Debug("leaving call")
			return c.LeaveCall()
		}
		if call := c.Call(); call != nil && call.Listener() != nil {
			call.Listener().RemoveUser(ev.ParticipantID)
		}
		return nil
	case EventStreamStart:
		if local {
			return nil
		}
		_, err := c.OpenViewer(ctx, ev.ParticipantID, ev.StreamName)
		return err
	case EventStreamStop:
		if local {
			return c.StopStream(ev.StreamName)
		}
		return c.CloseViewer(ev.ParticipantID, ev.StreamName)
	default:
		return fmt.Errorf("client: unknown event type %q", ev.Type)
	}
}

// JoinCall joins the voice call. Joining twice is a no-op.
func (c *Client) JoinCall(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client: %w", ErrSessionClosed)
	}
	if c.call != nil {
		c.mu.Unlock()
		return nil
	}
	cfg := c.config.Call
	if cfg.Encoder.Codec == AudioCodecUnknown {
		cfg = DefaultCallConfig(c.config.BaseURL, c.config.ParticipantID, c.config.Token)
	}
	cfg.Send = c.endpoint(c.config.ParticipantID, streamNameOr(cfg.Send.StreamName, DefaultVoiceSendStream))
	cfg.Receive = c.endpoint(c.config.ParticipantID, streamNameOr(cfg.Receive.StreamName, DefaultVoiceReceiveStream))
	if cfg.Output == nil {
		cfg.Output = c.config.Output
	}
	var call *Call
	onFailure := cfg.OnFailure
	cfg.OnFailure = func(err error) {
		c.forgetCall(call)
		c.reportError(err)
		if onFailure != nil {
			onFailure(err)
		}
	}
	call = NewCall(cfg, c.deps)
	c.call = call
	c.mu.Unlock()

	if err := call.Join(ctx); err != nil {
		c.forgetCall(call)
		return err
	}
	return nil
}

func (c *Client) forgetCall(call *Call) {
	c.mu.Lock()
	if c.call == call {
		c.call = nil
	}
	c.mu.Unlock()
}

// LeaveCall leaves the voice call, if any.
func (c *Client) LeaveCall() error {
	c.mu.Lock()
	call := c.call
	c.call = nil
	c.mu.Unlock()
	if call == nil {
		return nil
	}
	return call.Leave()
}

// Call returns the current call, or nil.
func (c *Client) Call() *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}

// StartStream starts a local stream under config.Endpoint.StreamName.
func (c *Client) StartStream(ctx context.Context, config StreamerConfig) (*Streamer, error) {
	name := config.Endpoint.StreamName
	config.Endpoint = c.endpoint(c.config.ParticipantID, name)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: %w", ErrSessionClosed)
	}
	if _, ok := c.streams[name]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: stream %q already running", name)
	}
	var s *Streamer
	onFailure := config.OnFailure
	config.OnFailure = func(err error) {
		c.forgetStream(name, s)
		c.reportError(err)
		if onFailure != nil {
			onFailure(err)
		}
	}
	s = NewStreamer(config, c.deps)
	c.streams[name] = s
	c.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		c.forgetStream(name, s)
		return nil, err
	}
	return s, nil
}

func (c *Client) forgetStream(name string, s *Streamer) {
	c.mu.Lock()
	if c.streams[name] == s {
		delete(c.streams, name)
	}
	c.mu.Unlock()
}

// StopStream stops a local stream. Unknown names are ignored.
func (c *Client) StopStream(name string) error {
	c.mu.Lock()
	s := c.streams[name]
	delete(c.streams, name)
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Stop()
}

// OpenViewer starts viewing a remote stream. An existing viewer is returned
// as is.
func (c *Client) OpenViewer(ctx context.Context, participant, stream string) (*Viewer, error) {
	key := viewerKey{participant, stream}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: %w", ErrSessionClosed)
	}
	if v, ok := c.viewers[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	var surface Surface
	if c.config.NewSurface != nil {
		surface = c.config.NewSurface(participant, stream)
	} else {
		surface = NewNullSurface(1280, 720)
	}
	var v *Viewer
	v = NewViewer(ViewerConfig{
		Endpoint: c.endpoint(participant, stream),
		Provider: c.config.ViewerProvider,
		Surface:  surface,
		Mixer:    c.streamMixer,
		Tap:      c.config.Tap,
		OnFailure: func(err error) {
			c.forgetViewer(key, v)
			c.reportError(err)
		},
	}, c.deps)
	c.viewers[key] = v
	c.mu.Unlock()

	if err := v.Open(ctx); err != nil {
		c.forgetViewer(key, v)
		return nil, err
	}
	return v, nil
}

func (c *Client) forgetViewer(key viewerKey, v *Viewer) {
	c.mu.Lock()
	if c.viewers[key] == v {
		delete(c.viewers, key)
	}
	c.mu.Unlock()
}

// CloseViewer stops viewing a remote stream. Unknown streams are ignored.
func (c *Client) CloseViewer(participant, stream string) error {
	key := viewerKey{participant, stream}
	c.mu.Lock()
	v := c.viewers[key]
	delete(c.viewers, key)
	c.mu.Unlock()
	if v == nil {
		return nil
	}
	return v.Close()
}

// Viewer returns the viewer of a remote stream, or nil.
func (c *Client) Viewer(participant, stream string) *Viewer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewers[viewerKey{participant, stream}]
}

// Viewers returns the number of open viewers.
func (c *Client) Viewers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.viewers)
}

// Run applies events from tr until ctx is done or the transport closes.
func (c *Client) Run(ctx context.Context, tr Transport) error {
	return WatchEvents(ctx, tr, c.log, func(ev Event) error {
		return c.HandleEvent(ctx, ev)
	})
}

// Close stops every session the client owns. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	call := c.call
	streams := c.streams
	viewers := c.viewers
	c.call = nil
	c.streams = make(map[string]*Streamer)
	c.viewers = make(map[viewerKey]*Viewer)
	c.mu.Unlock()

	var g errgroup.Group
	if call != nil {
		g.Go(call.Leave)
	}
	for _, s := range streams {
		g.Go(s.Stop)
	}
	for _, v := range viewers {
		g.Go(v.Close)
	}
	err := g.Wait()
	if c.streamMixer != nil {
		c.streamMixer.Close()
	}
	c.log.Info("client closed")
	return err
}

func streamNameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
