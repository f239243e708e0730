package callmedia

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeFactory opens in-memory transports and keeps the server-side end of
// each one, keyed by URL.
type pipeFactory struct {
	mu    sync.Mutex
	peers map[string]Transport
	err   error
	wrap  func(Transport) Transport
}

func newPipeFactory() *pipeFactory {
	return &pipeFactory{peers: make(map[string]Transport)}
}

func (f *pipeFactory) Open(ctx context.Context, ep Endpoint) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	local, remote := NewPipe(256)
	f.peers[ep.URL()] = remote
	if f.wrap != nil {
		local = f.wrap(local)
	}
	return local, nil
}

func (f *pipeFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// peer returns the server end for ep, waiting for it to be opened.
func (f *pipeFactory) peer(t *testing.T, ep Endpoint) Transport {
	t.Helper()
	var tr Transport
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		tr = f.peers[ep.URL()]
		return tr != nil
	}, 2*time.Second, 5*time.Millisecond, "transport %s never opened", ep.URL())
	return tr
}

func testEndpoint(participant, stream string) Endpoint {
	return Endpoint{BaseURL: "ws://media.test", ParticipantID: participant, StreamName: stream, Token: "secret"}
}

func testDeps(transports TransportFactory, capture CaptureFactory) Dependencies {
	return Dependencies{
		Transports: transports,
		Capture:    capture,
		Codecs:     NewCodecRegistry(),
		Metrics:    NewMetrics(nil),
	}
}

// receive waits for the next message on tr.
func receive(t *testing.T, tr Transport) []byte {
	t.Helper()
	select {
	case msg, ok := <-tr.Incoming():
		require.True(t, ok, "transport closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

// nextVideo skips audio records until a video record arrives.
func nextVideo(t *testing.T, tr Transport) *VideoRecord {
	t.Helper()
	for i := 0; i < 500; i++ {
		rec, err := Demux(receive(t, tr))
		require.NoError(t, err)
		if rec.Type == RecordVideo {
			return rec.Video
		}
	}
	t.Fatal("no video record")
	return nil
}

// stateRecorder collects lifecycle transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (r *stateRecorder) onState(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) onFailure(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() ([]State, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]error(nil), r.errs...)
}

func testStreamerConfig(ep Endpoint) StreamerConfig {
	cfg := DefaultStreamerConfig(ep)
	cfg.Provider = ProviderRaw
	cfg.AudioEncoder.Provider = ProviderRaw
	cfg.Camera = VideoConstraints{Width: 320, Height: 240, FrameRate: 30}
	cfg.MaxWidth, cfg.MaxHeight = 1280, 720
	return cfg
}

func TestStreamer_FirstRecordIsKeyframe(t *testing.T) {
	f := newPipeFactory()
	ep := testEndpoint("alice", "webcam")
	cfg := testStreamerConfig(ep)
	cfg.MaxWidth, cfg.MaxHeight = 160, 160

	s := NewStreamer(cfg, testDeps(f, &SyntheticCapture{Realtime: true}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Equal(t, StateOpen, s.State())

	rec := nextVideo(t, f.peer(t, ep))
	assert.True(t, rec.Header.Keyframe)
	assert.Equal(t, VideoCodecVP8, rec.Header.Codec)
	// 320x240 fitted into 160x160.
	assert.Equal(t, uint16(160), rec.Header.CodedWidth)
	assert.Equal(t, uint16(120), rec.Header.CodedHeight)
}

func TestStreamer_CarriesAudio(t *testing.T) {
	f := newPipeFactory()
	ep := testEndpoint("alice", "webcam")
	s := NewStreamer(testStreamerConfig(ep), testDeps(f, &SyntheticCapture{Realtime: true}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	peer := f.peer(t, ep)
	for i := 0; i < 500; i++ {
		rec, err := Demux(receive(t, peer))
		require.NoError(t, err)
		if rec.Type == RecordAudio {
			// 20ms of 48kHz stereo as raw int16.
			assert.Len(t, rec.Audio.Payload, 960*2*2)
			return
		}
	}
	t.Fatal("no audio record")
}

func TestStreamer_RenegotiatesOnResize(t *testing.T) {
	f := newPipeFactory()
	ep := testEndpoint("alice", "screen")
	cfg := testStreamerConfig(ep)
	cfg.Source = SourceDisplay
	cfg.Display = DisplayOptions{Width: 320, Height: 240, FrameRate: 30}
	cfg.Audio = false
	cfg.MaxWidth, cfg.MaxHeight = 400, 300

	var display *TestPatternSource
	capture := &SyntheticCapture{OnOpen: func(kind CaptureKind, c io.Closer) {
		if kind == CaptureDisplay {
			display = c.(*TestPatternSource)
		}
	}}
	s := NewStreamer(cfg, testDeps(f, capture))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	peer := f.peer(t, ep)

	rec := nextVideo(t, peer)
	assert.Equal(t, [2]uint16{320, 240}, [2]uint16{rec.Header.CodedWidth, rec.Header.CodedHeight})

	waitForSize := func(w, h uint16) *VideoRecord {
		for i := 0; i < 200; i++ {
			rec := nextVideo(t, peer)
			if rec.Header.CodedWidth == w && rec.Header.CodedHeight == h {
				return rec
			}
		}
		t.Fatalf("never saw %dx%d", w, h)
		return nil
	}

	display.Resize(360, 270)
	rec = waitForSize(360, 270)
	assert.True(t, rec.Header.Keyframe, "first frame after reconfigure must be a keyframe")

	display.Resize(800, 600)
	rec = waitForSize(400, 300)
	assert.True(t, rec.Header.Keyframe)

	assert.GreaterOrEqual(t, s.Stats().Reconfigures, uint64(2))
}

func TestStreamer_PeriodicKeyframes(t *testing.T) {
	f := newPipeFactory()
	ep := testEndpoint("alice", "webcam")
	cfg := testStreamerConfig(ep)
	cfg.Audio = false
	cfg.Camera = VideoConstraints{Width: 64, Height: 48}
	cfg.FPS = 60
	cfg.KeyframeInterval = 3

	s := NewStreamer(cfg, testDeps(f, &SyntheticCapture{}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	peer := f.peer(t, ep)

	var keys []bool
	for i := 0; i < 7; i++ {
		keys = append(keys, nextVideo(t, peer).Header.Keyframe)
	}
	assert.Equal(t, []bool{true, false, false, true, false, false, true}, keys)
}

func TestStreamer_UnsupportedConfigBeforeAcquisition(t *testing.T) {
	f := newPipeFactory()
	opened := 0
	capture := &SyntheticCapture{OnOpen: func(CaptureKind, io.Closer) { opened++ }}
	cfg := testStreamerConfig(testEndpoint("alice", "webcam"))
	cfg.MaxWidth = 70000

	s := NewStreamer(cfg, testDeps(f, capture))
	err := s.Start(context.Background())
	var cue *ConfigUnsupportedError
	require.ErrorAs(t, err, &cue)
	assert.Equal(t, "video encoder", cue.Kind)
	assert.Zero(t, opened)
	assert.Zero(t, f.opened())
	assert.Equal(t, StateClosed, s.State())

	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
}

func TestStreamer_CaptureDenied(t *testing.T) {
	t.Run("camera", func(t *testing.T) {
		f := newPipeFactory()
		capture := &SyntheticCapture{Denied: map[CaptureKind]bool{CaptureCamera: true}}
		s := NewStreamer(testStreamerConfig(testEndpoint("alice", "webcam")), testDeps(f, capture))

		err := s.Start(context.Background())
		var ce *CaptureError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "camera", ce.Device)
		assert.Zero(t, f.opened())
	})

	t.Run("microphone releases camera", func(t *testing.T) {
		f := newPipeFactory()
		var camera *TestPatternSource
		capture := &SyntheticCapture{
			Denied: map[CaptureKind]bool{CaptureMicrophone: true},
			OnOpen: func(kind CaptureKind, c io.Closer) {
				if kind == CaptureCamera {
					camera = c.(*TestPatternSource)
				}
			},
		}
		s := NewStreamer(testStreamerConfig(testEndpoint("alice", "webcam")), testDeps(f, capture))

		err := s.Start(context.Background())
		var ce *CaptureError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "microphone", ce.Device)
		require.NotNil(t, camera)
		_, err = camera.ReadFrame(context.Background())
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.Zero(t, f.opened())
	})
}

func TestStreamer_TransportCloseTearsDown(t *testing.T) {
	f := newPipeFactory()
	ep := testEndpoint("alice", "webcam")
	rec := &stateRecorder{}
	cfg := testStreamerConfig(ep)
	cfg.OnStateChange = rec.onState
	cfg.OnFailure = rec.onFailure

	s := NewStreamer(cfg, testDeps(f, &SyntheticCapture{Realtime: true}))
	require.NoError(t, s.Start(context.Background()))
	nextVideo(t, f.peer(t, ep))

	require.NoError(t, f.peer(t, ep).Close())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not tear down")
	}

	states, errs := rec.snapshot()
	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosed}, states)
	require.Len(t, errs, 1)
	var te *TransportError
	assert.ErrorAs(t, errs[0], &te)
	assert.Equal(t, errs[0], s.Err())

	// Stop after a failure neither blocks nor reports again.
	require.NoError(t, s.Stop())
	_, errs = rec.snapshot()
	assert.Len(t, errs, 1)
}

func TestStreamer_StopIsIdempotent(t *testing.T) {
	f := newPipeFactory()
	ep := testEndpoint("alice", "webcam")
	rec := &stateRecorder{}
	cfg := testStreamerConfig(ep)
	cfg.OnFailure = rec.onFailure

	s := NewStreamer(cfg, testDeps(f, &SyntheticCapture{Realtime: true}))
	require.NoError(t, s.Start(context.Background()))
	peer := f.peer(t, ep)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Err())
	<-peer.Done()

	_, errs := rec.snapshot()
	assert.Empty(t, errs)
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
}

// orderLog records release events across wrapped resources.
type orderLog struct {
	mu     sync.Mutex
	events []string
}

func (l *orderLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *orderLog) index(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

type loggedTransport struct {
	Transport
	log *orderLog
}

func (t *loggedTransport) Close() error {
	t.log.add("transport close")
	return t.Transport.Close()
}

type loggedCodecs struct {
	CodecFactory
	log *orderLog
}

func (c *loggedCodecs) NewVideoEncoder(cfg VideoEncoderConfig) (VideoEncoder, error) {
	enc, err := c.CodecFactory.NewVideoEncoder(cfg)
	if err != nil {
		return nil, err
	}
	return &loggedVideoEncoder{VideoEncoder: enc, log: c.log}, nil
}

type loggedVideoEncoder struct {
	VideoEncoder
	log *orderLog
}

func (e *loggedVideoEncoder) Flush() ([]*EncodedFrame, error) {
	e.log.add("encoder flush")
	return e.VideoEncoder.Flush()
}

func (e *loggedVideoEncoder) Close() error {
	e.log.add("encoder close")
	return e.VideoEncoder.Close()
}

type loggedCapture struct {
	CaptureFactory
	log *orderLog
}

func (c *loggedCapture) OpenCamera(ctx context.Context, vc VideoConstraints) (VideoCapture, error) {
	capture, err := c.CaptureFactory.OpenCamera(ctx, vc)
	if err != nil {
		return nil, err
	}
	return &loggedVideoCapture{VideoCapture: capture, log: c.log}, nil
}

type loggedVideoCapture struct {
	VideoCapture
	log *orderLog
}

func (c *loggedVideoCapture) Close() error {
	c.log.add("capture close")
	return c.VideoCapture.Close()
}

func TestStreamer_TeardownOrder(t *testing.T) {
	log := &orderLog{}
	f := newPipeFactory()
	f.wrap = func(tr Transport) Transport { return &loggedTransport{Transport: tr, log: log} }
	deps := testDeps(f, &loggedCapture{CaptureFactory: &SyntheticCapture{}, log: log})
	deps.Codecs = &loggedCodecs{CodecFactory: deps.Codecs, log: log}

	ep := testEndpoint("alice", "webcam")
	cfg := testStreamerConfig(ep)
	cfg.Audio = false
	s := NewStreamer(cfg, deps)
	require.NoError(t, s.Start(context.Background()))
	nextVideo(t, f.peer(t, ep))
	require.NoError(t, s.Stop())

	order := []string{"transport close", "encoder flush", "encoder close", "capture close"}
	for i, event := range order {
		require.NotEqual(t, -1, log.index(event), "%s missing", event)
		if i > 0 {
			assert.Less(t, log.index(order[i-1]), log.index(event), "%s before %s", order[i-1], event)
		}
	}
}

// gatedFactory holds Open for one stream name until release is closed. The
// held open then succeeds even if its context was canceled meanwhile.
type gatedFactory struct {
	*pipeFactory
	stream  string
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	held Transport
}

func newGatedFactory(stream string) *gatedFactory {
	return &gatedFactory{
		pipeFactory: newPipeFactory(),
		stream:      stream,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedFactory) Open(ctx context.Context, ep Endpoint) (Transport, error) {
	if ep.StreamName != g.stream {
		return g.pipeFactory.Open(ctx, ep)
	}
	close(g.entered)
	<-g.release
	tr, err := g.pipeFactory.Open(context.Background(), ep)
	g.mu.Lock()
	g.held = tr
	g.mu.Unlock()
	return tr, err
}

func (g *gatedFactory) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("transport open never started")
	}
}

// requireHeldClosed asserts the transport handed out by the held open was
// closed.
func (g *gatedFactory) requireHeldClosed(t *testing.T) {
	t.Helper()
	g.mu.Lock()
	tr := g.held
	g.mu.Unlock()
	require.NotNil(t, tr)
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport left open")
	}
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
		return nil
	}
}

func TestStreamer_StopDuringStart(t *testing.T) {
	f := newGatedFactory("webcam")
	var (
		mu       sync.Mutex
		acquired []io.Closer
	)
	capture := &SyntheticCapture{Realtime: true, OnOpen: func(_ CaptureKind, c io.Closer) {
		mu.Lock()
		acquired = append(acquired, c)
		mu.Unlock()
	}}
	rec := &stateRecorder{}
	cfg := testStreamerConfig(testEndpoint("alice", "webcam"))
	cfg.OnFailure = rec.onFailure
	s := NewStreamer(cfg, testDeps(f, capture))

	result := make(chan error, 1)
	go func() { result <- s.Start(context.Background()) }()
	f.waitEntered(t)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateClosed, s.State())
	close(f.release)

	assert.ErrorIs(t, waitResult(t, result), ErrSessionClosed)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream not torn down")
	}
	f.requireHeldClosed(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, acquired, 2)
	mic, ok := acquired[1].(*ToneSource)
	require.True(t, ok)
	_, err := mic.ReadSamples(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed, "microphone released")

	_, errs := rec.snapshot()
	assert.Empty(t, errs)
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
}
