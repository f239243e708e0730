package callmedia

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultSpeakingHold = 300 * time.Millisecond
	userQueueSize       = 16
)

// ListenerConfig configures the receiving side of a voice call.
type ListenerConfig struct {
	Endpoint Endpoint
	Decoder  AudioDecoderConfig

	// Mixer is shared with the rest of the call. When nil the listener
	// creates and owns one over Output.
	Mixer  *Mixer
	Output AudioOutput

	// SpeakingHold is how long a user counts as speaking after their last
	// packet. Senders skip gated silence, so arriving packets mean an open gate.
	SpeakingHold time.Duration
	OnSpeaking   func(user string, speaking bool)

	FramingErrorRate  float64
	FramingErrorBurst int

	OnStateChange func(State)
	OnFailure     func(error)
}

// Listener plays every remote participant's voice. Each sender gets its own
// decoder, gain stage and playhead, created on their first packet.
type Listener struct {
	life   *lifecycle
	deps   Dependencies
	log    *logrus.Entry
	config ListenerConfig
	budget *framingBudget

	mixer      *Mixer
	ownsMixer  bool
	ctx        context.Context
	cancel     context.CancelFunc
	transport  Transport
	wg         sync.WaitGroup
	deafened   atomic.Bool
	sessionsWG sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*userSession
	muted    map[string]bool
	gains    map[string]float32
	heard    map[string]time.Time
	speaking map[string]bool

	stats   DecodeStats
	statsMu sync.Mutex
}

type userSession struct {
	id       string
	decoder  AudioDecoder
	gain     *UserGain
	playhead Playhead
	queue    chan *EncodedAudio
	done     chan struct{}
}

// NewListener creates a listener.
func NewListener(config ListenerConfig, deps Dependencies) *Listener {
	if config.Decoder.Codec == AudioCodecUnknown {
		config.Decoder = AudioDecoderConfig{Codec: AudioCodecOpus, SampleRate: 48000, Channels: 1}
	}
	if config.SpeakingHold <= 0 {
		config.SpeakingHold = defaultSpeakingHold
	}
	log := deps.logger("listener").WithFields(logrus.Fields{
		"session":     uuid.NewString(),
		"participant": config.Endpoint.ParticipantID,
		"stream":      config.Endpoint.StreamName,
	})
	return &Listener{
		life:     newLifecycle("listener", deps.Metrics, config.OnStateChange, config.OnFailure),
		deps:     deps,
		log:      log,
		config:   config,
		budget:   newFramingBudget(config.FramingErrorRate, config.FramingErrorBurst),
		sessions: make(map[string]*userSession),
		muted:    make(map[string]bool),
		gains:    make(map[string]float32),
		heard:    make(map[string]time.Time),
		speaking: make(map[string]bool),
	}
}

// Open checks the decoder configuration, connects and starts playing.
func (l *Listener) Open(ctx context.Context) error {
	ctx, err := l.life.claim(ctx)
	if err != nil {
		return err
	}
	if err := l.deps.Codecs.CheckAudioDecoder(l.config.Decoder); err != nil {
		return l.life.abort(err, l.release)
	}
	switch {
	case l.config.Mixer != nil:
		l.mixer = l.config.Mixer
	case l.config.Output != nil:
		l.mixer, l.ownsMixer = NewMixer(l.config.Output), true
	default:
		return l.life.abort(fmt.Errorf("listener: mixer or output is required"), l.release)
	}
	l.life.connecting()

	tr, err := l.deps.Transports.Open(ctx, l.config.Endpoint)
	if err != nil {
		return l.life.abort(err, l.release)
	}
	l.transport = tr
	l.ctx, l.cancel = context.WithCancel(context.WithoutCancel(ctx))

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.readLoop()
	}()
	go func() {
		defer l.wg.Done()
		l.speakingLoop()
	}()

	if err := l.life.open(); err != nil {
		return err
	}
	l.log.Info("listener open")
	return nil
}

func (l *Listener) readLoop() {
	for {
		var msg []byte
		var ok bool
		select {
		case <-l.ctx.Done():
			return
		case msg, ok = <-l.transport.Incoming():
		}
		if !ok {
			if !l.life.tornDown() {
				err := l.transport.Err()
				if err == nil {
					err = &TransportError{Op: "read", URL: l.config.Endpoint.URL(), Err: ErrTransportClosed}
				}
				l.fail(err)
			}
			return
		}
		l.deps.Metrics.received("voice", len(msg))
		l.count(func(st *DecodeStats) {
			st.RecordsReceived++
			st.BytesReceived += uint64(len(msg))
		})

		var hdr FrameHeader
		payload, err := DecodePacket(msg, &hdr)
		if err != nil {
			l.deps.Metrics.framingError("voice")
			l.count(func(st *DecodeStats) { st.FramingErrors++ })
			if !l.budget.allow() {
				l.fail(err)
				return
			}
			l.log.WithError(err).Debug("dropping malformed packet")
			continue
		}
		if err := l.route(hdr, payload); err != nil {
			l.fail(err)
			return
		}
	}
}

// route updates the speaking signal, applies mute and deafen, and hands the
// packet to the sender's session.
func (l *Listener) route(hdr FrameHeader, payload []byte) error {
	user := hdr.Sender
	l.markHeard(user)

	if l.deafened.Load() {
		l.drop("deafened")
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.muted[user] {
		l.drop("muted")
		return nil
	}
	s, ok := l.sessions[user]
	if !ok {
		var err error
		if s, err = l.newSession(user); err != nil {
			return err
		}
		l.sessions[user] = s
	}
	select {
	case s.queue <- &EncodedAudio{Data: payload, Timestamp: hdr.Timestamp}:
	default:
		l.drop("queue_full")
	}
	return nil
}

// newSession must be called with l.mu held.
func (l *Listener) newSession(user string) (*userSession, error) {
	dec, err := l.deps.Codecs.NewAudioDecoder(l.config.Decoder)
	if err != nil {
		return nil, err
	}
	gain, err := l.mixer.Connect(user)
	if err != nil {
		dec.Close()
		return nil, err
	}
	if g, ok := l.gains[user]; ok {
		gain.SetGain(g)
	}
	s := &userSession{
		id:      user,
		decoder: dec,
		gain:    gain,
		queue:   make(chan *EncodedAudio, userQueueSize),
		done:    make(chan struct{}),
	}
	l.sessionsWG.Add(1)
	go func() {
		defer l.sessionsWG.Done()
		defer close(s.done)
		l.play(s)
	}()
	l.log.WithField("user", user).Debug("user session created")
	return s, nil
}

func (l *Listener) play(s *userSession) {
	for ea := range s.queue {
		samples, err := s.decoder.Decode(ea)
		if err != nil {
			l.log.WithError(err).WithField("user", s.id).Debug("audio decode failed")
			l.drop("decode_error")
			continue
		}
		l.deps.Metrics.frameDecoded("voice", false)
		l.count(func(st *DecodeStats) { st.FramesDecoded++ })
		at := s.playhead.Schedule(l.mixer.Now(), samples.Duration())
		if err := s.gain.Play(at, Deinterleave(samples.Data, samples.Channels), samples.SampleRate); err != nil {
			l.log.WithError(err).WithField("user", s.id).Debug("audio play")
		}
	}
}

// close stops the worker and releases the decoder and gain stage.
func (s *userSession) close() {
	close(s.queue)
	<-s.done
	s.decoder.Flush()
	s.decoder.Close()
	s.gain.Disconnect()
}

func (l *Listener) markHeard(user string) {
	l.mu.Lock()
	l.heard[user] = time.Now()
	started := !l.speaking[user]
	l.speaking[user] = true
	l.mu.Unlock()
	if started && l.config.OnSpeaking != nil {
		l.config.OnSpeaking(user, true)
	}
}

func (l *Listener) speakingLoop() {
	ticker := time.NewTicker(l.config.SpeakingHold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case now := <-ticker.C:
			for _, user := range l.expireSpeaking(now) {
				if l.config.OnSpeaking != nil {
					l.config.OnSpeaking(user, false)
				}
			}
		}
	}
}

func (l *Listener) expireSpeaking(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var stopped []string
	for user, at := range l.heard {
		if l.speaking[user] && now.Sub(at) >= l.config.SpeakingHold {
			l.speaking[user] = false
			stopped = append(stopped, user)
		}
	}
	return stopped
}

// Speaking reports whether user's gate was recently open.
func (l *Listener) Speaking(user string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.speaking[user]
}

// SetMuted stops playing user without affecting anyone else.
func (l *Listener) SetMuted(user string, muted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if muted {
		l.muted[user] = true
	} else {
		delete(l.muted, user)
	}
}

// Muted reports whether user is muted.
func (l *Listener) Muted(user string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted[user]
}

// SetDeafened stops playing every user.
func (l *Listener) SetDeafened(deafened bool) { l.deafened.Store(deafened) }

// Deafened reports whether the listener is deafened.
func (l *Listener) Deafened() bool { return l.deafened.Load() }

// SetUserGain sets one user's volume. It applies to a session created later.
func (l *Listener) SetUserGain(user string, gain float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gains[user] = gain
	if s, ok := l.sessions[user]; ok {
		s.gain.SetGain(gain)
	}
}

// Users returns the users with a live session, sorted.
func (l *Listener) Users() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	users := make([]string, 0, len(l.sessions))
	for u := range l.sessions {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}

// RemoveUser destroys user's session when they leave. The listener keeps
// running; a later packet from the same user starts a new session.
func (l *Listener) RemoveUser(user string) {
	l.mu.Lock()
	s, ok := l.sessions[user]
	delete(l.sessions, user)
	delete(l.heard, user)
	wasSpeaking := l.speaking[user]
	delete(l.speaking, user)
	l.mu.Unlock()

	if ok {
		s.close()
		l.log.WithField("user", user).Debug("user session removed")
	}
	if wasSpeaking && l.config.OnSpeaking != nil {
		l.config.OnSpeaking(user, false)
	}
}

func (l *Listener) drop(reason string) {
	l.deps.Metrics.dropped("voice", reason)
	l.count(func(st *DecodeStats) { st.RecordsDropped++ })
}

func (l *Listener) count(fn func(*DecodeStats)) {
	l.statsMu.Lock()
	fn(&l.stats)
	l.statsMu.Unlock()
}

func (l *Listener) fail(err error) {
	if l.life.tornDown() {
		return
	}
	l.log.WithError(err).Error("listener failed")
	go l.shutdown(err, true)
}

func (l *Listener) shutdown(err error, notify bool) {
	l.life.teardown(err, notify, l.release)
}

func (l *Listener) release() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.transport != nil {
		if err := l.transport.Close(); err != nil {
			l.log.WithError(err).Debug("transport close")
		}
	}
	l.wg.Wait()

	l.mu.Lock()
	sessions := l.sessions
	l.sessions = make(map[string]*userSession)
	l.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	l.sessionsWG.Wait()

	if l.ownsMixer {
		l.mixer.Close()
	}
}

// Close stops the listener. Idempotent.
func (l *Listener) Close() error {
	l.shutdown(nil, false)
	l.life.wait()
	return nil
}

// Mixer returns the mixer the listener plays into.
func (l *Listener) Mixer() *Mixer { return l.mixer }

// State returns the lifecycle state.
func (l *Listener) State() State { return l.life.State() }

// Done is closed once the listener is torn down.
func (l *Listener) Done() <-chan struct{} { return l.life.Done() }

// Err returns the error that ended the listener.
func (l *Listener) Err() error { return l.life.Err() }

// Stats returns decode statistics.
func (l *Listener) Stats() DecodeStats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}
