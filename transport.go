package callmedia

import (
	"context"
	"net/url"
	"strings"
	"sync"
)

// Transport is a persistent, ordered, binary duplex channel. Messages passed
// to Send arrive whole and in order on the peer's Incoming channel.
type Transport interface {
	// Send queues one message. It returns ErrTransportClosed once the
	// transport is done.
	Send(msg []byte) error
	// Incoming delivers received messages and is closed when the transport
	// stops reading.
	Incoming() <-chan []byte
	// Done is closed when the transport terminates for any reason.
	Done() <-chan struct{}
	// Err returns the terminal error, or nil after a local Close.
	Err() error
	// Close is idempotent.
	Close() error
}

// Endpoint addresses one transport channel.
type Endpoint struct {
	BaseURL       string
	ParticipantID string
	StreamName    string
	Token         string
}

// URL returns {BaseURL}/{ParticipantID}/{StreamName}.
func (e Endpoint) URL() string {
	return strings.TrimRight(e.BaseURL, "/") + "/" +
		url.PathEscape(e.ParticipantID) + "/" + url.PathEscape(e.StreamName)
}

// TransportFactory opens transport channels.
type TransportFactory interface {
	Open(ctx context.Context, ep Endpoint) (Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(ctx context.Context, ep Endpoint) (Transport, error)

// Open calls f.
func (f TransportFactoryFunc) Open(ctx context.Context, ep Endpoint) (Transport, error) {
	return f(ctx, ep)
}

// transportState carries the termination bookkeeping shared by transport
// implementations: one done channel, one terminal error.
type transportState struct {
	done     chan struct{}
	doneOnce sync.Once
	mu       sync.Mutex
	err      error
}

func newTransportState() transportState {
	return transportState{done: make(chan struct{})}
}

// shutdown records err (nil for a local close) and closes done. Only the
// first call has any effect; it reports whether it was that call.
func (s *transportState) shutdown(err error) bool {
	first := false
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		first = true
	})
	return first
}

func (s *transportState) Done() <-chan struct{} { return s.done }

func (s *transportState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *transportState) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// pipeTransport is one end of an in-memory transport pair.
type pipeTransport struct {
	transportState
	in     chan []byte
	inMu   sync.RWMutex // held for reading by senders into in
	closed bool
	peer   *pipeTransport
}

// NewPipe returns two connected in-memory transports. Closing either end
// terminates both. Used for loopback sessions and tests.
func NewPipe(buffer int) (Transport, Transport) {
	a := &pipeTransport{transportState: newTransportState(), in: make(chan []byte, buffer)}
	b := &pipeTransport{transportState: newTransportState(), in: make(chan []byte, buffer)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) Send(msg []byte) error {
	if p.isDone() {
		return ErrTransportClosed
	}
	buf := append([]byte(nil), msg...)
	p.peer.inMu.RLock()
	defer p.peer.inMu.RUnlock()
	if p.peer.closed {
		return ErrTransportClosed
	}
	select {
	case p.peer.in <- buf:
		return nil
	case <-p.done:
		return ErrTransportClosed
	case <-p.peer.done:
		return ErrTransportClosed
	}
}

func (p *pipeTransport) Incoming() <-chan []byte { return p.in }

func (p *pipeTransport) Close() error {
	p.terminate(nil)
	p.peer.terminate(&TransportError{Op: "read", Err: ErrTransportClosed})
	return nil
}

func (p *pipeTransport) terminate(err error) {
	if !p.shutdown(err) {
		return
	}
	// done is closed, so blocked senders release inMu.
	p.inMu.Lock()
	p.closed = true
	close(p.in)
	p.inMu.Unlock()
}
