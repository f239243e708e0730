package callmedia

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Surface is the drawable area a viewer renders into.
type Surface interface {
	// Available returns the space the surface may occupy.
	Available() (width, height int)
	// Resize sets the drawing size.
	Resize(width, height int)
	Draw(frame *VideoFrame) error
}

// RecordSink observes every demultiplexed record a viewer receives.
type RecordSink interface {
	WriteRecord(rec Record) error
}

// ViewerConfig configures a remote stream viewer.
type ViewerConfig struct {
	Endpoint Endpoint
	Provider Provider
	Surface  Surface

	// Mixer plays stream audio; nil drops it.
	Mixer        *Mixer
	AudioDecoder AudioDecoderConfig

	// Tap, when set, receives every record before decoding.
	Tap RecordSink

	// FramingErrorRate and FramingErrorBurst bound tolerated malformed
	// records; exceeding them ends the viewer.
	FramingErrorRate  float64
	FramingErrorBurst int

	OnStateChange func(State)
	OnFailure     func(error)
}

// Viewer decodes a multiplexed remote stream. Video is gated on the first
// keyframe, which is also the only point the decoder is configured.
type Viewer struct {
	life   *lifecycle
	deps   Dependencies
	log    *logrus.Entry
	config ViewerConfig
	budget *framingBudget

	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
	wg        sync.WaitGroup

	// Owned by the demux loop, handed to the workers through the queues.
	videoDecoder VideoDecoder
	audioDecoder AudioDecoder
	audioGain    *UserGain
	hasKeyframe  atomic.Bool
	configured   atomic.Bool

	// Owned by the video worker.
	drawnAvailW, drawnAvailH int
	drawnCodedW, drawnCodedH int

	playhead Playhead

	stats   DecodeStats
	statsMu sync.Mutex
}

// NewViewer creates a viewer.
func NewViewer(config ViewerConfig, deps Dependencies) *Viewer {
	if config.AudioDecoder.Codec == AudioCodecUnknown {
		config.AudioDecoder = AudioDecoderConfig{Codec: AudioCodecOpus, SampleRate: 48000, Channels: 2}
	}
	log := deps.logger("viewer").WithFields(logrus.Fields{
		"session":     uuid.NewString(),
		"participant": config.Endpoint.ParticipantID,
		"stream":      config.Endpoint.StreamName,
	})
	return &Viewer{
		life:   newLifecycle("viewer", deps.Metrics, config.OnStateChange, config.OnFailure),
		deps:   deps,
		log:    log,
		config: config,
		budget: newFramingBudget(config.FramingErrorRate, config.FramingErrorBurst),
	}
}

// Open connects to the stream and starts decoding.
func (v *Viewer) Open(ctx context.Context) error {
	ctx, err := v.life.claim(ctx)
	if err != nil {
		return err
	}
	if v.config.Surface == nil {
		return v.life.abort(fmt.Errorf("viewer: surface is required"), v.release)
	}
	v.life.connecting()

	tr, err := v.deps.Transports.Open(ctx, v.config.Endpoint)
	if err != nil {
		return v.life.abort(err, v.release)
	}
	v.transport = tr
	v.ctx, v.cancel = context.WithCancel(context.WithoutCancel(ctx))

	videoQ := make(chan *VideoRecord, 8)
	audioQ := make(chan *AudioRecord, 16)
	v.wg.Add(3)
	go func() {
		defer v.wg.Done()
		defer close(videoQ)
		defer close(audioQ)
		v.demuxLoop(videoQ, audioQ)
	}()
	go func() {
		defer v.wg.Done()
		v.videoWorker(videoQ)
	}()
	go func() {
		defer v.wg.Done()
		v.audioWorker(audioQ)
	}()

	if err := v.life.open(); err != nil {
		return err
	}
	v.log.Info("viewer open")
	return nil
}

func (v *Viewer) demuxLoop(videoQ chan<- *VideoRecord, audioQ chan<- *AudioRecord) {
	for {
		var msg []byte
		var ok bool
		select {
		case <-v.ctx.Done():
			return
		case msg, ok = <-v.transport.Incoming():
		}
		if !ok {
			if !v.life.tornDown() {
				err := v.transport.Err()
				if err == nil {
					err = &TransportError{Op: "read", URL: v.config.Endpoint.URL(), Err: ErrTransportClosed}
				}
				v.fail(err)
			}
			return
		}
		v.deps.Metrics.received("viewer", len(msg))
		v.count(func(st *DecodeStats) {
			st.RecordsReceived++
			st.BytesReceived += uint64(len(msg))
		})

		rec, err := Demux(msg)
		if err != nil {
			v.deps.Metrics.framingError("viewer")
			v.count(func(st *DecodeStats) { st.FramingErrors++ })
			if !v.budget.allow() {
				v.fail(err)
				return
			}
			v.log.WithError(err).Debug("dropping malformed record")
			continue
		}
		if v.config.Tap != nil {
			if err := v.config.Tap.WriteRecord(rec); err != nil {
				v.log.WithError(err).Debug("record tap")
			}
		}

		switch rec.Type {
		case RecordVideo:
			if err := v.routeVideo(rec.Video, videoQ); err != nil {
				v.fail(err)
				return
			}
		case RecordAudio:
			if err := v.routeAudio(rec.Audio, audioQ); err != nil {
				v.fail(err)
				return
			}
		}
	}
}

// routeVideo applies the keyframe gate and configures the decoder from the
// first keyframe.
func (v *Viewer) routeVideo(rec *VideoRecord, q chan<- *VideoRecord) error {
	if !v.hasKeyframe.Load() {
		if !rec.Header.Keyframe {
			v.drop("video", "awaiting_keyframe")
			return nil
		}
		if v.videoDecoder == nil {
			cfg := VideoDecoderConfig{
				Codec:       rec.Header.Codec,
				Provider:    v.config.Provider,
				CodedWidth:  int(rec.Header.CodedWidth),
				CodedHeight: int(rec.Header.CodedHeight),
			}
			if err := v.deps.Codecs.CheckVideoDecoder(cfg); err != nil {
				return err
			}
			dec, err := v.deps.Codecs.NewVideoDecoder(cfg)
			if err != nil {
				return err
			}
			v.videoDecoder = dec
			v.configured.Store(true)
			v.log.WithField("config", cfg.String()).Info("video decoder configured")
		}
		v.hasKeyframe.Store(true)
	}
	select {
	case q <- rec:
	default:
		// A lost delta frame breaks the reference chain: resume at the next keyframe.
		v.hasKeyframe.Store(false)
		v.drop("video", "queue_full")
	}
	return nil
}

func (v *Viewer) routeAudio(rec *AudioRecord, q chan<- *AudioRecord) error {
	if v.config.Mixer == nil {
		return nil
	}
	if v.audioDecoder == nil {
		if err := v.deps.Codecs.CheckAudioDecoder(v.config.AudioDecoder); err != nil {
			return err
		}
		dec, err := v.deps.Codecs.NewAudioDecoder(v.config.AudioDecoder)
		if err != nil {
			return err
		}
		gain, err := v.config.Mixer.Connect(v.config.Endpoint.ParticipantID + "/" + v.config.Endpoint.StreamName)
		if err != nil {
			dec.Close()
			return err
		}
		v.audioDecoder, v.audioGain = dec, gain
	}
	select {
	case q <- rec:
	default:
		v.drop("audio", "queue_full")
	}
	return nil
}

func (v *Viewer) videoWorker(q <-chan *VideoRecord) {
	for rec := range q {
		if v.life.tornDown() {
			continue
		}
		ef := &EncodedFrame{
			Data:      rec.Payload,
			FrameType: FrameTypeDelta,
			Timestamp: msToUs(rec.Header.Timestamp),
			Width:     int(rec.Header.CodedWidth),
			Height:    int(rec.Header.CodedHeight),
		}
		if rec.Header.Keyframe {
			ef.FrameType = FrameTypeKey
		}
		start := time.Now()
		frames, err := v.videoDecoder.Decode(ef)
		if err != nil {
			v.log.WithError(err).Warn("video decode failed, waiting for keyframe")
			v.hasKeyframe.Store(false)
			v.drop("video", "decode_error")
			continue
		}
		elapsed := time.Since(start)
		for _, frame := range frames {
			v.draw(frame)
			v.deps.Metrics.frameDecoded("video", ef.IsKeyframe())
			v.count(func(st *DecodeStats) {
				st.FramesDecoded++
				st.DecodeTimeUs += uint64(elapsed.Microseconds())
				if ef.IsKeyframe() {
					st.KeyframesDecoded++
				}
			})
		}
	}
}

// draw fits the frame into the surface, resizing only when the available
// area or the coded dimensions changed.
func (v *Viewer) draw(frame *VideoFrame) {
	surface := v.config.Surface
	aw, ah := surface.Available()
	if aw != v.drawnAvailW || ah != v.drawnAvailH || frame.Width != v.drawnCodedW || frame.Height != v.drawnCodedH {
		w, h := FitRect(frame.Width, frame.Height, aw, ah)
		surface.Resize(w, h)
		v.drawnAvailW, v.drawnAvailH = aw, ah
		v.drawnCodedW, v.drawnCodedH = frame.Width, frame.Height
	}
	if err := surface.Draw(frame); err != nil {
		v.log.WithError(err).Debug("draw")
	}
}

func (v *Viewer) audioWorker(q <-chan *AudioRecord) {
	for rec := range q {
		if v.life.tornDown() {
			continue
		}
		samples, err := v.audioDecoder.Decode(&EncodedAudio{Data: rec.Payload, Timestamp: msToUs(rec.Timestamp)})
		if err != nil {
			v.log.WithError(err).Debug("audio decode failed")
			v.drop("audio", "decode_error")
			continue
		}
		v.deps.Metrics.frameDecoded("audio", false)
		at := v.playhead.Schedule(v.config.Mixer.Now(), samples.Duration())
		if err := v.audioGain.Play(at, Deinterleave(samples.Data, samples.Channels), samples.SampleRate); err != nil {
			v.log.WithError(err).Debug("audio play")
		}
	}
}

func (v *Viewer) drop(kind, reason string) {
	v.deps.Metrics.dropped(kind, reason)
	v.count(func(st *DecodeStats) { st.RecordsDropped++ })
}

func (v *Viewer) count(fn func(*DecodeStats)) {
	v.statsMu.Lock()
	fn(&v.stats)
	v.statsMu.Unlock()
}

func (v *Viewer) fail(err error) {
	if v.life.tornDown() {
		return
	}
	v.log.WithError(err).Error("viewer failed")
	go v.shutdown(err, true)
}

func (v *Viewer) shutdown(err error, notify bool) {
	v.life.teardown(err, notify, v.release)
}

// release closes the transport, waits for the loops, then flushes and
// closes the decoders and disconnects from the mixer.
func (v *Viewer) release() {
	if v.cancel != nil {
		v.cancel()
	}
	if v.transport != nil {
		if err := v.transport.Close(); err != nil {
			v.log.WithError(err).Debug("transport close")
		}
	}
	v.wg.Wait()

	if v.videoDecoder != nil {
		if flushed, _ := v.videoDecoder.Flush(); len(flushed) > 0 {
			v.log.WithField("frames", len(flushed)).Debug("discarding flushed video")
		}
		v.videoDecoder.Close()
	}
	if v.audioDecoder != nil {
		v.audioDecoder.Flush()
		v.audioDecoder.Close()
	}
	if v.audioGain != nil {
		v.audioGain.Disconnect()
	}
}

// Close stops the viewer. Idempotent.
func (v *Viewer) Close() error {
	v.shutdown(nil, false)
	v.life.wait()
	return nil
}

// State returns the lifecycle state.
func (v *Viewer) State() State { return v.life.State() }

// Done is closed once the viewer is torn down.
func (v *Viewer) Done() <-chan struct{} { return v.life.Done() }

// Err returns the error that ended the viewer.
func (v *Viewer) Err() error { return v.life.Err() }

// Configured reports whether the video decoder has been configured.
func (v *Viewer) Configured() bool { return v.configured.Load() }

// Stats returns decode statistics.
func (v *Viewer) Stats() DecodeStats {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	return v.stats
}

// NullSurface is a fixed-size surface that counts draws. It stands in where
// frames are decoded but not displayed.
type NullSurface struct {
	width, height int

	mu      sync.Mutex
	resizes int
	drawW   int
	drawH   int
	frames  uint64
	last    *VideoFrame
}

// NewNullSurface creates a surface with the given available area.
func NewNullSurface(width, height int) *NullSurface {
	return &NullSurface{width: width, height: height}
}

func (s *NullSurface) Available() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// SetAvailable changes the available area, as a window resize would.
func (s *NullSurface) SetAvailable(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

func (s *NullSurface) Resize(width, height int) {
	s.mu.Lock()
	s.resizes++
	s.drawW, s.drawH = width, height
	s.mu.Unlock()
}

func (s *NullSurface) Draw(frame *VideoFrame) error {
	s.mu.Lock()
	s.frames++
	s.last = frame
	s.mu.Unlock()
	return nil
}

// Resizes returns how many times the drawing size was set.
func (s *NullSurface) Resizes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resizes
}

// Size returns the current drawing size.
func (s *NullSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drawW, s.drawH
}

// Frames returns the number of frames drawn.
func (s *NullSurface) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// LastFrame returns the most recently drawn frame.
func (s *NullSurface) LastFrame() *VideoFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
