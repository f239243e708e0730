package callmedia

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	// DataChannelMaxMessageSize is the largest message written to a data
	// channel; larger records are chunked.
	DataChannelMaxMessageSize = 16 * 1024

	dataChannelHighWaterMark = 1024 * 1024
	dataChannelLowWaterMark  = 256 * 1024
)

// DataChannelConnector establishes an ordered data channel for an endpoint
// using the application's own signaling.
type DataChannelConnector func(ctx context.Context, ep Endpoint) (*webrtc.DataChannel, error)

// DataChannelFactory opens transports over WebRTC data channels.
type DataChannelFactory struct {
	Connect DataChannelConnector
	Log     *logrus.Entry
}

// Open connects a data channel for ep and waits for it to open.
func (f *DataChannelFactory) Open(ctx context.Context, ep Endpoint) (Transport, error) {
	if f.Connect == nil {
		return nil, &TransportError{Op: "dial", URL: ep.URL(), Err: errors.New("no data channel connector")}
	}
	dc, err := f.Connect(ctx, ep)
	if err != nil {
		return nil, &TransportError{Op: "dial", URL: ep.URL(), Err: err}
	}
	t := NewDataChannelTransport(dc, f.Log)
	if err := t.WaitOpen(ctx); err != nil {
		t.Close()
		return nil, &TransportError{Op: "dial", URL: ep.URL(), Err: err}
	}
	return t, nil
}

// DataChannelTransport adapts an ordered *webrtc.DataChannel to Transport.
type DataChannelTransport struct {
	transportState
	dc       *webrtc.DataChannel
	chunker  *Chunker
	incoming chan []byte
	opened   chan struct{}
	openOnce sync.Once
	drained  chan struct{}
	sendMu   sync.Mutex
	inMu     sync.RWMutex
	inClosed bool
	log      *logrus.Entry
}

// NewDataChannelTransport wires the data channel callbacks. The channel must
// be ordered.
func NewDataChannelTransport(dc *webrtc.DataChannel, log *logrus.Entry) *DataChannelTransport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &DataChannelTransport{
		transportState: newTransportState(),
		dc:             dc,
		chunker:        NewChunker(DataChannelMaxMessageSize),
		incoming:       make(chan []byte, defaultQueueSize),
		opened:         make(chan struct{}),
		drained:        make(chan struct{}, 1),
		log:            log.WithField("label", dc.Label()),
	}

	var r Reassembler
	dc.SetBufferedAmountLowThreshold(dataChannelLowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case t.drained <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() { t.openOnce.Do(func() { close(t.opened) }) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		out, err := r.Push(msg.Data)
		if err != nil {
			t.log.WithError(err).Warn("Dropping malformed chunk")
		}
		if out != nil {
			t.deliver(out)
		}
	})
	dc.OnClose(func() {
		t.terminate(&TransportError{Op: "read", Err: ErrTransportClosed})
	})
	dc.OnError(func(err error) {
		t.terminate(&TransportError{Op: "read", Err: err})
	})

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		t.openOnce.Do(func() { close(t.opened) })
	}
	return t
}

// WaitOpen blocks until the data channel is open.
func (t *DataChannelTransport) WaitOpen(ctx context.Context) error {
	select {
	case <-t.opened:
		return nil
	case <-t.done:
		if err := t.Err(); err != nil {
			return err
		}
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *DataChannelTransport) deliver(msg []byte) {
	t.inMu.RLock()
	defer t.inMu.RUnlock()
	if t.inClosed {
		return
	}
	select {
	case t.incoming <- msg:
	case <-t.done:
	}
}

func (t *DataChannelTransport) Send(msg []byte) error {
	if t.isDone() {
		return ErrTransportClosed
	}
	chunks, err := t.chunker.Split(msg)
	if err != nil {
		return err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	for _, chunk := range chunks {
		if err := t.waitBuffer(); err != nil {
			return err
		}
		if err := t.dc.Send(chunk); err != nil {
			t.terminate(&TransportError{Op: "write", Err: err})
			return ErrTransportClosed
		}
	}
	return nil
}

// waitBuffer applies backpressure while the SCTP send buffer is above the
// high water mark.
func (t *DataChannelTransport) waitBuffer() error {
	for t.dc.BufferedAmount() >= dataChannelHighWaterMark {
		select {
		case <-t.drained:
		case <-time.After(writeWait):
			t.terminate(&TransportError{Op: "write", Err: errors.New("send buffer not draining")})
			return ErrTransportClosed
		case <-t.done:
			return ErrTransportClosed
		}
	}
	return nil
}

func (t *DataChannelTransport) Incoming() <-chan []byte { return t.incoming }

// Close closes the data channel. The peer connection stays with its owner.
func (t *DataChannelTransport) Close() error {
	if !t.terminate(nil) {
		return nil
	}
	return t.dc.Close()
}

func (t *DataChannelTransport) terminate(err error) bool {
	if !t.shutdown(err) {
		return false
	}
	t.inMu.Lock()
	t.inClosed = true
	close(t.incoming)
	t.inMu.Unlock()
	return true
}
