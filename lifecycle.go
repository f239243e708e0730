package callmedia

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a call, stream or viewer instance.
type State int32

const (
	StateClosed     State = iota // Initial and terminal
	StateConnecting              // Acquiring capture and opening the transport
	StateOpen                    // Media flowing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Dependencies are the external services a session is built against.
type Dependencies struct {
	Transports TransportFactory
	Capture    CaptureFactory
	Codecs     CodecFactory
	Log        *logrus.Entry
	Metrics    *Metrics
}

func (d Dependencies) logger(component string) *logrus.Entry {
	log := d.Log
	if log == nil {
		log = discardLog()
	}
	return log.WithField("component", component)
}

// lifecycle drives CLOSED → CONNECTING → OPEN → CLOSED for one instance.
// An instance runs once; teardown happens exactly once and reports at most
// one failure.
//
// The start phase runs from claim until open or abort. A teardown requested
// during it cancels the start context and is handed to the starting
// goroutine, which releases what it acquired and returns the error instead
// of reporting it.
type lifecycle struct {
	kind      string
	metrics   *Metrics
	onState   func(State)
	onFailure func(error)

	state  atomic.Int32
	torn   atomic.Bool
	opened atomic.Bool
	done   chan struct{}

	startMu     sync.Mutex
	claimed     bool
	starting    bool
	cancelStart context.CancelFunc
	deferred    *deferredTeardown

	mu  sync.Mutex
	err error
}

type deferredTeardown struct {
	err     error
	release func()
}

func newLifecycle(kind string, m *Metrics, onState func(State), onFailure func(error)) *lifecycle {
	return &lifecycle{
		kind:      kind,
		metrics:   m,
		onState:   onState,
		onFailure: onFailure,
		done:      make(chan struct{}),
	}
}

// claim reserves the instance for its single run and begins the start
// phase. Acquisitions use the returned context; teardown cancels it.
func (l *lifecycle) claim(ctx context.Context) (context.Context, error) {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	if l.torn.Load() || l.claimed {
		return nil, l.closedErr(nil)
	}
	l.claimed = true
	l.starting = true
	ctx, l.cancelStart = context.WithCancel(ctx)
	return ctx, nil
}

// endStart closes the start phase. It returns the teardown requested during
// it, if any; otherwise, when toOpen is set, it moves CONNECTING → OPEN.
func (l *lifecycle) endStart(toOpen bool) (d *deferredTeardown, opened bool) {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	l.starting = false
	if l.cancelStart != nil {
		l.cancelStart()
	}
	if d = l.deferred; d != nil {
		l.deferred = nil
		return d, false
	}
	if toOpen && l.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		l.opened.Store(true)
		return nil, true
	}
	return nil, false
}

func (l *lifecycle) closedErr(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", l.kind, ErrSessionClosed)
}

func (l *lifecycle) connecting() {
	if !l.torn.Load() {
		l.setState(StateConnecting)
	}
}

// open ends the start phase and moves CONNECTING → OPEN. A teardown
// requested meanwhile runs here instead, and its error is returned.
func (l *lifecycle) open() error {
	d, opened := l.endStart(true)
	if d != nil {
		l.finish(d.err, false, d.release)
		return l.closedErr(d.err)
	}
	if !opened {
		return l.closedErr(l.Err())
	}
	l.metrics.sessionOpened(l.kind)
	l.notifyState(StateOpen)
	return nil
}

// abort ends a failed start phase: it tears down with err, which the caller
// returns. A teardown requested meanwhile wins.
func (l *lifecycle) abort(err error, release func()) error {
	if d, _ := l.endStart(false); d != nil {
		l.finish(d.err, false, d.release)
		return l.closedErr(d.err)
	}
	l.teardown(err, false, release)
	return err
}

func (l *lifecycle) setState(s State) {
	if State(l.state.Swap(int32(s))) != s {
		l.notifyState(s)
	}
}

func (l *lifecycle) notifyState(s State) {
	if l.onState != nil {
		l.onState(s)
	}
}

// tornDown reports whether teardown has started. Late callbacks check it
// and discard their output.
func (l *lifecycle) tornDown() bool { return l.torn.Load() }

// teardown runs release once, moves to CLOSED and, when notify is set and
// err is non-nil, reports err to onFailure. Only the first call acts.
func (l *lifecycle) teardown(err error, notify bool, release func()) bool {
	if !l.torn.CompareAndSwap(false, true) {
		return false
	}
	l.startMu.Lock()
	if l.starting {
		l.deferred = &deferredTeardown{err: err, release: release}
		cancel := l.cancelStart
		l.startMu.Unlock()
		l.setErr(err)
		l.setState(StateClosed)
		cancel()
		return true
	}
	l.startMu.Unlock()
	l.finish(err, notify, release)
	return true
}

func (l *lifecycle) finish(err error, notify bool, release func()) {
	if release != nil {
		release()
	}
	l.setErr(err)
	l.setState(StateClosed)
	if l.opened.Load() {
		l.metrics.sessionClosed(l.kind, err != nil)
	}
	close(l.done)
	if notify && err != nil && l.onFailure != nil {
		l.onFailure(err)
	}
}

func (l *lifecycle) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *lifecycle) State() State { return State(l.state.Load()) }

// Done is closed once teardown completes.
func (l *lifecycle) Done() <-chan struct{} { return l.done }

// Err returns the error that ended the instance, nil for an explicit stop.
func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// wait blocks until teardown completes, unless teardown never started or
// is still waiting on the starting goroutine.
func (l *lifecycle) wait() {
	if !l.torn.Load() {
		return
	}
	l.startMu.Lock()
	pending := l.deferred != nil
	l.startMu.Unlock()
	if !pending {
		<-l.done
	}
}
