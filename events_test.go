package callmedia

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEvent_RoundTrip(t *testing.T) {
	ev := Event{Type: EventStreamStart, ParticipantID: "bob", StreamName: "screen"}
	b, err := EncodeEvent(ev)
	require.NoError(t, err)

	got, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecodeEvent_WireKeys(t *testing.T) {
	b, err := msgpack.Marshal(map[string]string{
		"type":          "VOICE_LEAVING",
		"participantId": "carol",
	})
	require.NoError(t, err)

	ev, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, Event{Type: EventVoiceLeaving, ParticipantID: "carol"}, ev)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	unknown, err := msgpack.Marshal(map[string]string{"type": "KICK", "participantId": "bob"})
	require.NoError(t, err)
	anonymous, err := msgpack.Marshal(map[string]string{"type": "STREAM_STOP"})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte{0xc1}},
		{"empty", nil},
		{"unknown type", unknown},
		{"no participant", anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent(tt.data)
			assert.True(t, IsFramingError(err), "got %v", err)
		})
	}
}

func TestWatchEvents_SkipsMalformed(t *testing.T) {
	server, local := NewPipe(8)
	var mu sync.Mutex
	var got []Event
	done := make(chan error, 1)
	go func() {
		done <- WatchEvents(context.Background(), local, nil, func(ev Event) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return assert.AnError
		})
	}()

	require.NoError(t, server.Send([]byte("not msgpack")))
	for _, ev := range []Event{
		{Type: EventVoiceJoining, ParticipantID: "bob"},
		{Type: EventStreamStop, ParticipantID: "bob", StreamName: "webcam"},
	} {
		b, err := EncodeEvent(ev)
		require.NoError(t, err)
		require.NoError(t, server.Send(b))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, server.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchEvents did not return")
	}
}

func TestWatchEvents_StopsOnContext(t *testing.T) {
	_, local := NewPipe(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WatchEvents(ctx, local, nil, func(Event) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
