package callmedia

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// EventType names a control-plane event.
type EventType string

const (
	EventVoiceJoining EventType = "VOICE_JOINING"
	EventVoiceLeaving EventType = "VOICE_LEAVING"
	EventStreamStart  EventType = "STREAM_START"
	EventStreamStop   EventType = "STREAM_STOP"
)

func (t EventType) valid() bool {
	switch t {
	case EventVoiceJoining, EventVoiceLeaving, EventStreamStart, EventStreamStop:
		return true
	}
	return false
}

// Event is a presence notification that drives joins and leaves.
type Event struct {
	Type          EventType `msgpack:"type"`
	ParticipantID string    `msgpack:"participantId"`
	StreamName    string    `msgpack:"streamName,omitempty"`
}

// EncodeEvent serializes ev as msgpack.
func EncodeEvent(ev Event) ([]byte, error) {
	b, err := msgpack.Marshal(ev)
	if err != nil {
		return nil, &FramingError{Op: "encode event", Err: err}
	}
	return b, nil
}

// DecodeEvent parses one msgpack event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return Event{}, &FramingError{Op: "decode event", Err: err}
	}
	if !ev.Type.valid() {
		return Event{}, framingErrorf("decode event", "unknown event type %q", ev.Type)
	}
	if ev.ParticipantID == "" {
		return Event{}, framingErrorf("decode event", "%s without participant", ev.Type)
	}
	return ev, nil
}

// WatchEvents decodes events from tr and hands them to handle until ctx is
// done or the transport closes. Malformed events are skipped.
func WatchEvents(ctx context.Context, tr Transport, log *logrus.Entry, handle func(Event) error) error {
	if log == nil {
		log = discardLog()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-tr.Incoming():
			if !ok {
				if err := tr.Err(); err != nil {
					return err
				}
				return fmt.Errorf("events: %w", ErrTransportClosed)
			}
			ev, err := DecodeEvent(msg)
			if err != nil {
				log.WithError(err).Warn("skipping event")
				continue
			}
			if err := handle(ev); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"event":       ev.Type,
					"participant": ev.ParticipantID,
					"stream":      ev.StreamName,
				}).Warn("event handler failed")
			}
		}
	}
}
