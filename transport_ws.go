package callmedia

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize is the largest single websocket message sent;
	// larger records are chunked.
	DefaultMaxMessageSize = 64 * 1024

	defaultQueueSize = 64
)

// WebSocketDialer opens websocket transports. The endpoint token is sent as
// an Authorization bearer header during the handshake.
type WebSocketDialer struct {
	// MaxMessageSize bounds a single websocket message including the chunk
	// header. Zero means DefaultMaxMessageSize.
	MaxMessageSize int
	// MaxMessageBytes bounds a reassembled incoming message. Zero means
	// DefaultMaxMessageBytes.
	MaxMessageBytes int
	// QueueSize is the depth of the outgoing and incoming queues.
	QueueSize int
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Log    *logrus.Entry
}

// Open dials ep and starts the read and write pumps.
func (d *WebSocketDialer) Open(ctx context.Context, ep Endpoint) (Transport, error) {
	target, err := websocketURL(ep.URL())
	if err != nil {
		return nil, &TransportError{Op: "dial", URL: ep.URL(), Err: err}
	}

	header := http.Header{}
	if ep.Token != "" {
		header.Set("Authorization", "Bearer "+ep.Token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &TransportError{Op: "dial", URL: target, Err: err}
	}

	maxSize := d.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	queue := d.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	log := d.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	t := newWSTransport(conn, maxSize, queue, log.WithField("url", target))
	t.maxMessageBytes = d.MaxMessageBytes
	t.start()
	return t, nil
}

// websocketURL maps http(s) base URLs onto ws(s).
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

type wsTransport struct {
	transportState
	conn     *websocket.Conn
	chunker  *Chunker
	// maxMessageBytes is read by the read pump once it starts.
	maxMessageBytes int
	incoming        chan []byte
	outgoing chan []byte
	sendMu   sync.Mutex // keeps a message's chunks contiguous
	writerWg sync.WaitGroup
	log      *logrus.Entry
}

// NewWebSocketTransport wraps an established connection, client or server
// side, and starts its pumps.
func NewWebSocketTransport(conn *websocket.Conn, maxMessageSize int, log *logrus.Entry) Transport {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := newWSTransport(conn, maxMessageSize, defaultQueueSize, log)
	t.start()
	return t
}

func newWSTransport(conn *websocket.Conn, maxSize, queue int, log *logrus.Entry) *wsTransport {
	t := &wsTransport{
		transportState: newTransportState(),
		conn:           conn,
		chunker:        NewChunker(maxSize),
		incoming:       make(chan []byte, queue),
		outgoing:       make(chan []byte, queue),
		log:            log,
	}

	conn.SetReadLimit(int64(maxSize))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return t
}

func (t *wsTransport) start() {
	t.writerWg.Add(1)
	go t.readPump()
	go t.writePump()
}

// readPump reads chunks from the connection and delivers whole messages.
func (t *wsTransport) readPump() {
	defer func() {
		t.conn.Close()
		close(t.incoming)
	}()

	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))

	r := Reassembler{MaxMessageBytes: t.maxMessageBytes}
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.shutdown(&TransportError{Op: "read", Err: ErrTransportClosed})
			} else {
				t.shutdown(&TransportError{Op: "read", Err: err})
			}
			return
		}
		if kind != websocket.BinaryMessage {
			t.log.WithField("type", kind).Debug("Ignoring non-binary message")
			continue
		}

		msg, err := r.Push(data)
		if err != nil {
			t.log.WithError(err).Warn("Dropping malformed chunk")
		}
		if msg == nil {
			continue
		}

		select {
		case t.incoming <- msg:
		case <-t.done:
			return
		}
	}
}

// writePump writes queued chunks and sends periodic pings.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
		t.writerWg.Done()
	}()

	for {
		select {
		case chunk := <-t.outgoing:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				t.shutdown(&TransportError{Op: "write", Err: err})
				return
			}

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.shutdown(&TransportError{Op: "ping", Err: err})
				return
			}

		case <-t.done:
			t.drain()
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain writes chunks queued before a local close.
func (t *wsTransport) drain() {
	if t.Err() != nil {
		return
	}
	for {
		select {
		case chunk := <-t.outgoing:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *wsTransport) Send(msg []byte) error {
	chunks, err := t.chunker.Split(msg)
	if err != nil {
		return err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	for _, chunk := range chunks {
		if t.isDone() {
			return ErrTransportClosed
		}
		select {
		case t.outgoing <- chunk:
		case <-t.done:
			return ErrTransportClosed
		}
	}
	return nil
}

func (t *wsTransport) Incoming() <-chan []byte { return t.incoming }

// Close sends a close frame and waits for the write pump to exit.
func (t *wsTransport) Close() error {
	t.shutdown(nil)
	t.writerWg.Wait()
	return nil
}
