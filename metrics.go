package callmedia

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the media counters. A nil *Metrics records nothing.
type Metrics struct {
	FramesEncoded       *prometheus.CounterVec
	FramesDecoded       *prometheus.CounterVec
	FramesDropped       *prometheus.CounterVec
	Keyframes           *prometheus.CounterVec
	BytesSent           *prometheus.CounterVec
	BytesReceived       *prometheus.CounterVec
	EncoderReconfigures prometheus.Counter
	FramingErrors       *prometheus.CounterVec
	ActiveSessions      *prometheus.GaugeVec
	SessionFailures     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesEncoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmedia_frames_encoded_total",
			Help: "Total number of frames produced by encoders",
		}, []string{"kind"}),
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmedia_frames_decoded_total",
			Help: "Total number of frames produced by decoders",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmedia_frames_dropped_total",
			Help: "Total number of frames or records dropped",
		}, []string{"kind", "reason"}),
		Keyframes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmedia_keyframes_total",
			Help: "Total number of keyframes sent or received",
		}, []string{"direction"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmedia_bytes_sent_total",
			Help: "Total bytes handed to transports",
		}, []string{"kind"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmedia_bytes_received_total",
			Help: "Total bytes read from transports",
		}, []string{"kind"}),
		EncoderReconfigures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callmedia_encoder_reconfigures_total",
			Help: "Total number of in-place encoder resolution changes",
		}),
		FramingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmedia_framing_errors_total",
			Help: "Total number of malformed records",
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmedia_active_sessions",
			Help: "Number of open sessions by kind",
		}, []string{"kind"}),
		SessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callmedia_session_failures_total",
			Help: "Total number of sessions torn down by a failure",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesEncoded, m.FramesDecoded, m.FramesDropped, m.Keyframes,
			m.BytesSent, m.BytesReceived, m.EncoderReconfigures,
			m.FramingErrors, m.ActiveSessions, m.SessionFailures,
		)
	}
	return m
}

func (m *Metrics) frameEncoded(kind string, key bool, bytes int) {
	if m == nil {
		return
	}
	m.FramesEncoded.WithLabelValues(kind).Inc()
	m.BytesSent.WithLabelValues(kind).Add(float64(bytes))
	if key {
		m.Keyframes.WithLabelValues("sent").Inc()
	}
}

func (m *Metrics) frameDecoded(kind string, key bool) {
	if m == nil {
		return
	}
	m.FramesDecoded.WithLabelValues(kind).Inc()
	if key {
		m.Keyframes.WithLabelValues("received").Inc()
	}
}

func (m *Metrics) received(kind string, bytes int) {
	if m == nil {
		return
	}
	m.BytesReceived.WithLabelValues(kind).Add(float64(bytes))
}

func (m *Metrics) dropped(kind, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) reconfigured() {
	if m == nil {
		return
	}
	m.EncoderReconfigures.Inc()
}

func (m *Metrics) framingError(kind string) {
	if m == nil {
		return
	}
	m.FramingErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) sessionOpened(kind string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(kind).Inc()
}

func (m *Metrics) sessionClosed(kind string, failed bool) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(kind).Dec()
	if failed {
		m.SessionFailures.WithLabelValues(kind).Inc()
	}
}
