package callmedia

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.frameEncoded("video", true, 10)
		m.frameDecoded("video", true)
		m.received("viewer", 10)
		m.dropped("video", "queue_full")
		m.reconfigured()
		m.framingError("viewer")
		m.sessionOpened("viewer")
		m.sessionClosed("viewer", true)
	})
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.frameEncoded("video", true, 100)
	m.frameEncoded("video", false, 50)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesEncoded.WithLabelValues("video")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.BytesSent.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Keyframes.WithLabelValues("sent")))

	n, err := testutil.GatherAndCount(reg, "callmedia_frames_encoded_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_ViewerSession(t *testing.T) {
	f := newPipeFactory()
	deps := testDeps(f, nil)
	m := NewMetrics(prometheus.NewRegistry())
	deps.Metrics = m

	ep := testEndpoint("bob", "webcam")
	v := NewViewer(ViewerConfig{Endpoint: ep, Provider: ProviderRaw, Surface: NewNullSurface(320, 180)}, deps)
	require.NoError(t, v.Open(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("viewer")))

	peer := f.peer(t, ep)
	require.NoError(t, peer.Send([]byte{7}))
	require.NoError(t, peer.Send(videoMsg(t, VideoCodecVP8, 16, 16, false, 0)))
	require.Eventually(t, func() bool { return v.Stats().RecordsReceived == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramingErrors.WithLabelValues("viewer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("video", "awaiting_keyframe")))

	require.NoError(t, peer.Close())
	<-v.Done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("viewer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionFailures.WithLabelValues("viewer")))
}
