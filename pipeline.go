package callmedia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// EncodeStats provides encode pipeline statistics.
type EncodeStats struct {
	FramesCaptured uint64
	FramesEncoded  uint64
	FramesDropped  uint64
	KeyframesSent  uint64
	Reconfigures   uint64
	BytesSent      uint64
	EncodeTimeUs   uint64
}

// DecodeStats provides decode pipeline statistics.
type DecodeStats struct {
	RecordsReceived  uint64
	BytesReceived    uint64
	RecordsDropped   uint64
	FramesDecoded    uint64
	KeyframesDecoded uint64
	FramingErrors    uint64
	DecodeTimeUs     uint64
}

const (
	videoQueueSize = 2
	audioQueueSize = 8
)

// encodeSession is the plumbing shared by the Streamer and the VoiceEncoder:
// capture pullers feed bounded queues, one encode worker per medium drains
// each queue into the transport.
type encodeSession struct {
	life    *lifecycle
	deps    Dependencies
	log     *logrus.Entry
	kind    string
	started time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	captureWG sync.WaitGroup
	workerWG  sync.WaitGroup

	transport Transport
	url       string
	video     *videoEncodeStage
	audio     *audioEncodeStage

	stats   EncodeStats
	statsMu sync.Mutex
}

func newEncodeSession(kind string, deps Dependencies, log *logrus.Entry, onState func(State), onFailure func(error)) *encodeSession {
	return &encodeSession{
		life: newLifecycle(kind, deps.Metrics, onState, onFailure),
		deps: deps,
		log:  log,
		kind: kind,
	}
}

// openTransport opens the session's transport and watches it: a transport
// that ends on its own tears the session down.
func (s *encodeSession) openTransport(ctx context.Context, ep Endpoint) error {
	tr, err := s.deps.Transports.Open(ctx, ep)
	if err != nil {
		return err
	}
	s.transport = tr
	s.url = ep.URL()
	go func() {
		<-tr.Done()
		if s.life.tornDown() {
			return
		}
		err := tr.Err()
		if err == nil {
			err = &TransportError{Op: "read", URL: ep.URL(), Err: ErrTransportClosed}
		}
		s.fail(err)
	}()
	return nil
}

// run starts the workers. Capture pullers stop with ctx.
func (s *encodeSession) run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = time.Now()

	if s.video != nil {
		frames := make(chan *VideoFrame, videoQueueSize)
		s.captureWG.Add(1)
		go func() {
			defer s.captureWG.Done()
			defer close(frames)
			s.video.pull(s.ctx, frames, s)
		}()
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.video.work(frames, s)
		}()
	}
	if s.audio != nil {
		blocks := make(chan *AudioSamples, audioQueueSize)
		s.captureWG.Add(1)
		go func() {
			defer s.captureWG.Done()
			defer close(blocks)
			s.audio.pull(s.ctx, blocks, s)
		}()
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.audio.work(blocks, s)
		}()
	}
}

// send writes one wire message unless the session is going away.
func (s *encodeSession) send(msg []byte) error {
	if s.life.tornDown() {
		return nil
	}
	if err := s.transport.Send(msg); err != nil {
		if s.life.tornDown() {
			return nil
		}
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		return &TransportError{Op: "send", URL: s.url, Err: err}
	}
	s.statsMu.Lock()
	s.stats.BytesSent += uint64(len(msg))
	s.statsMu.Unlock()
	return nil
}

// fail tears the session down from a worker or watcher goroutine and
// reports err once.
func (s *encodeSession) fail(err error) {
	if s.life.tornDown() {
		return
	}
	s.log.WithError(err).Error("session failed")
	go s.shutdown(err, true)
}

func (s *encodeSession) shutdown(err error, notify bool) {
	s.life.teardown(err, notify, s.release)
}

// release tears down in a fixed order: capture timers, transport, codec
// sessions (flushed first), audio graph, capture devices.
func (s *encodeSession) release() {
	if s.cancel != nil {
		s.cancel()
	}
	s.captureWG.Wait()

	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.log.WithError(err).Debug("transport close")
		}
	}
	s.workerWG.Wait()

	if s.video != nil {
		s.video.closeEncoder(s)
	}
	if s.audio != nil {
		s.audio.closeEncoder(s)
		if s.audio.graph != nil {
			s.audio.graph.Release()
		}
	}

	if s.video != nil && s.video.capture != nil {
		s.video.capture.Close()
	}
	if s.audio != nil && s.audio.capture != nil {
		s.audio.capture.Close()
	}
}

// Stop tears the session down. Idempotent; safe from any goroutine.
func (s *encodeSession) Stop() error {
	s.shutdown(nil, false)
	s.life.wait()
	return nil
}

// State returns the lifecycle state.
func (s *encodeSession) State() State { return s.life.State() }

// Done is closed once the session is torn down.
func (s *encodeSession) Done() <-chan struct{} { return s.life.Done() }

// Err returns the error that ended the session.
func (s *encodeSession) Err() error { return s.life.Err() }

// Stats returns encode statistics.
func (s *encodeSession) Stats() EncodeStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *encodeSession) count(fn func(*EncodeStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

// videoEncodeStage pulls frames on a fixed-rate ticker and encodes them with
// resolution renegotiation and periodic forced keyframes.
type videoEncodeStage struct {
	capture     VideoCapture
	encoder     VideoEncoder
	policy      ResolutionPolicy
	scaler      *VideoScaler
	fps         int
	keyInterval int
	output      func(*EncodedFrame) error

	frameCount int
	forceKey   bool
	lastTS     int64
	pending    *VideoFrame // first frame, read to size the encoder
}

// sizeFromFirstFrame reads one frame and returns the coded dimensions the
// encoder should start at.
func (v *videoEncodeStage) sizeFromFirstFrame(ctx context.Context) (int, int, error) {
	frame, err := v.capture.ReadFrame(ctx)
	if err != nil {
		return 0, 0, err
	}
	v.pending = frame.Clone()
	w, h, _ := v.policy.Update(frame.Width, frame.Height)
	return w, h, nil
}

func (v *videoEncodeStage) pull(ctx context.Context, out chan<- *VideoFrame, s *encodeSession) {
	if v.pending != nil {
		out <- v.pending
		v.pending = nil
	}
	ticker := time.NewTicker(time.Second / time.Duration(v.fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, err := v.capture.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(&CaptureError{Device: "video", Err: err})
			return
		}
		s.count(func(st *EncodeStats) { st.FramesCaptured++ })
		select {
		case out <- frame.Clone():
		default:
			s.deps.Metrics.dropped(s.kind, "queue_full")
			s.count(func(st *EncodeStats) { st.FramesDropped++ })
		}
	}
}

func (v *videoEncodeStage) work(in <-chan *VideoFrame, s *encodeSession) {
	for frame := range in {
		if s.life.tornDown() {
			continue
		}
		if err := v.encode(frame, s); err != nil {
			s.fail(err)
			// Drain so the puller never blocks on a dead worker.
			for range in {
			}
			return
		}
	}
}

func (v *videoEncodeStage) encode(frame *VideoFrame, s *encodeSession) error {
	w, h, changed := v.policy.Update(frame.Width, frame.Height)
	if changed {
		if err := v.encoder.Reconfigure(w, h); err != nil {
			return fmt.Errorf("reconfigure encoder to %dx%d: %w", w, h, err)
		}
		v.forceKey = true
		s.deps.Metrics.reconfigured()
		s.count(func(st *EncodeStats) { st.Reconfigures++ })
		s.log.WithFields(logrus.Fields{"width": w, "height": h}).Info("encoder reconfigured")
	}
	if frame.Width != w || frame.Height != h {
		if sw, sh := v.scalerSize(); v.scaler == nil || sw != w || sh != h {
			v.scaler = NewVideoScaler(w, h, ScaleModeFit)
		}
		frame = v.scaler.Scale(frame)
	}

	// Session clock timestamps, never decreasing.
	ts := max(time.Since(s.started).Microseconds(), v.lastTS)
	v.lastTS = ts
	frame.Timestamp = ts

	key := v.forceKey || v.frameCount%v.keyInterval == 0
	v.forceKey = false
	v.frameCount++

	start := time.Now()
	out, err := v.encoder.Encode(frame, key)
	if err != nil {
		return fmt.Errorf("encode video: %w", err)
	}
	elapsed := time.Since(start)
	for _, ef := range out {
		if err := v.output(ef); err != nil {
			return err
		}
		s.deps.Metrics.frameEncoded("video", ef.IsKeyframe(), len(ef.Data))
		s.count(func(st *EncodeStats) {
			st.FramesEncoded++
			st.EncodeTimeUs += uint64(elapsed.Microseconds())
			if ef.IsKeyframe() {
				st.KeyframesSent++
			}
		})
	}
	return nil
}

func (v *videoEncodeStage) scalerSize() (int, int) {
	if v.scaler == nil {
		return 0, 0
	}
	return v.scaler.Size()
}

func (v *videoEncodeStage) closeEncoder(s *encodeSession) {
	if v.encoder == nil {
		return
	}
	flushed, err := v.encoder.Flush()
	if err != nil {
		s.log.WithError(err).Debug("flush video encoder")
	}
	if n := len(flushed); n > 0 {
		s.log.WithField("frames", n).Debug("discarding flushed video after transport close")
		for range flushed {
			s.deps.Metrics.dropped("video", "teardown")
		}
	}
	if err := v.encoder.Close(); err != nil {
		s.log.WithError(err).Debug("close video encoder")
	}
	v.encoder = nil
}

// audioEncodeStage runs captured blocks through the processing graph and
// frame collector, then encodes each full frame.
type audioEncodeStage struct {
	capture   AudioCapture
	graph     *AudioGraph
	collector *FrameCollector
	encoder   AudioEncoder
	// skipSilence drops frames the gate fully closed.
	skipSilence bool
	output      func(*EncodedAudio) error
}

func (a *audioEncodeStage) pull(ctx context.Context, out chan<- *AudioSamples, s *encodeSession) {
	for {
		block, err := a.capture.ReadSamples(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(&CaptureError{Device: "audio", Err: err})
			return
		}
		select {
		case out <- block:
		case <-ctx.Done():
			return
		}
	}
}

func (a *audioEncodeStage) work(in <-chan *AudioSamples, s *encodeSession) {
	for block := range in {
		if s.life.tornDown() {
			continue
		}
		a.graph.Process(block)
		err := a.collector.Push(block, func(frame *AudioSamples) error {
			return a.encode(frame, s)
		})
		if err != nil {
			s.fail(err)
			for range in {
			}
			return
		}
	}
}

func (a *audioEncodeStage) encode(frame *AudioSamples, s *encodeSession) error {
	if a.skipSilence && isSilent(frame.Data) {
		s.deps.Metrics.dropped("audio", "silence")
		return nil
	}
	start := time.Now()
	out, err := a.encoder.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode audio: %w", err)
	}
	elapsed := time.Since(start)
	for _, ea := range out {
		if err := a.output(ea); err != nil {
			return err
		}
		s.deps.Metrics.frameEncoded("audio", false, len(ea.Data))
		s.count(func(st *EncodeStats) {
			st.FramesEncoded++
			st.EncodeTimeUs += uint64(elapsed.Microseconds())
		})
	}
	return nil
}

func (a *audioEncodeStage) closeEncoder(s *encodeSession) {
	if a.encoder == nil {
		return
	}
	flushed, err := a.encoder.Flush()
	if err != nil {
		s.log.WithError(err).Debug("flush audio encoder")
	}
	for range flushed {
		s.deps.Metrics.dropped("audio", "teardown")
	}
	if err := a.encoder.Close(); err != nil {
		s.log.WithError(err).Debug("close audio encoder")
	}
	a.encoder = nil
}

// openAudioStage acquires nothing; it builds the graph, collector and
// encoder for an already-acquired capture.
func openAudioStage(codecs CodecFactory, capture AudioCapture, enc AudioEncoderConfig, graph AudioGraphConfig) (*audioEncodeStage, error) {
	if capture.SampleRate() != enc.SampleRate {
		return nil, &ConfigUnsupportedError{
			Kind:   "audio encoder",
			Config: enc.String(),
			Err:    fmt.Errorf("capture delivers %d Hz", capture.SampleRate()),
		}
	}
	encoder, err := codecs.NewAudioEncoder(enc)
	if err != nil {
		return nil, err
	}
	return &audioEncodeStage{
		capture:   capture,
		graph:     NewAudioGraph(graph, capture.SampleRate()),
		collector: NewFrameCollector(enc),
		encoder:   encoder,
	}, nil
}

const (
	defaultFramingBurst = 10
	defaultFramingRate  = 1.0
)

// framingBudget tolerates isolated malformed records and reports when they
// recur faster than the configured rate.
type framingBudget struct {
	limiter *rate.Limiter
}

func newFramingBudget(perSecond float64, burst int) *framingBudget {
	if perSecond <= 0 {
		perSecond = defaultFramingRate
	}
	if burst <= 0 {
		burst = defaultFramingBurst
	}
	return &framingBudget{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// allow spends one error from the budget and reports whether the session
// may continue.
func (b *framingBudget) allow() bool { return b.limiter.Allow() }
