// Package metrics provides Prometheus instrumentation for the relay broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the live stream relay.
//
// A nil *Metrics is valid and records nothing, so instrumentation call
// sites never need nil checks.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsErrored prometheus.Counter
	SessionDuration prometheus.Histogram

	// Listener metrics
	ActiveListeners prometheus.Gauge
	ListenerJoins   prometheus.Counter
	ListenerLeaves  prometheus.Counter

	// Relay metrics
	FramesRelayed prometheus.Counter
	FramesDropped prometheus.Counter
	BytesRelayed  prometheus.Counter
}

// NewMetrics creates and registers all relay metrics with the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livemic_active_sessions",
			Help: "Current number of non-terminal stream sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "livemic_sessions_created_total",
			Help: "Total number of stream sessions created",
		}),
		SessionsErrored: factory.NewCounter(prometheus.CounterOpts{
			Name: "livemic_sessions_errored_total",
			Help: "Total number of stream sessions that ended in error",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livemic_session_duration_seconds",
			Help:    "Duration of stream sessions from request to termination",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		ActiveListeners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livemic_active_listeners",
			Help: "Current number of joined listeners across all sessions",
		}),
		ListenerJoins: factory.NewCounter(prometheus.CounterOpts{
			Name: "livemic_listener_joins_total",
			Help: "Total number of listener joins",
		}),
		ListenerLeaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "livemic_listener_leaves_total",
			Help: "Total number of listener leaves",
		}),
		FramesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "livemic_frames_relayed_total",
			Help: "Total number of audio frames copied to listener queues",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "livemic_frames_dropped_total",
			Help: "Total number of frames dropped by listener queue backpressure",
		}),
		BytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "livemic_bytes_relayed_total",
			Help: "Total audio payload bytes accepted from device producers",
		}),
	}
}

// RecordSessionCreated increments the session counters.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnded records a terminated session and its duration.
func (m *Metrics) RecordSessionEnded(durationSeconds float64, errored bool) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
	if errored {
		m.SessionsErrored.Inc()
	}
}

// RecordListenerJoined increments the listener counters.
func (m *Metrics) RecordListenerJoined() {
	if m == nil {
		return
	}
	m.ListenerJoins.Inc()
	m.ActiveListeners.Inc()
}

// RecordListenerLeft decrements the active listener gauge.
func (m *Metrics) RecordListenerLeft() {
	if m == nil {
		return
	}
	m.ListenerLeaves.Inc()
	m.ActiveListeners.Dec()
}

// RecordFrameRelayed records one frame accepted from a producer.
func (m *Metrics) RecordFrameRelayed(payloadBytes int) {
	if m == nil {
		return
	}
	m.FramesRelayed.Inc()
	m.BytesRelayed.Add(float64(payloadBytes))
}

// RecordFrameDropped records one frame dropped by backpressure.
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}
