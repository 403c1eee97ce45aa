// Package metrics holds the Prometheus collectors exported on /metrics.
// All methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors around one registry.
type Metrics struct {
	registry *prometheus.Registry

	streamConnections  prometheus.Gauge
	framesSent         *prometheus.CounterVec
	writeFailures      prometheus.Counter
	replayRejected     prometheus.Counter
	messagesAccepted   prometheus.Counter
	rotations          *prometheus.CounterVec
	idempotentReplays  prometheus.Counter
	rateLimited        prometheus.Counter
	agentRunsCompleted *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		streamConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threadstream_stream_connections",
			Help: "Open event stream connections",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadstream_stream_frames_sent_total",
			Help: "Event frames written to stream connections",
		}, []string{"event"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadstream_stream_write_failures_total",
			Help: "Stream writes that failed and dropped their connection",
		}),
		replayRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadstream_stream_replay_rejected_total",
			Help: "Resume attempts outside the replay window",
		}),
		messagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadstream_messages_accepted_total",
			Help: "User messages accepted",
		}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadstream_thread_rotations_total",
			Help: "Threads archived and replaced by a successor",
		}, []string{"trigger"}),
		idempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadstream_idempotent_replays_total",
			Help: "Mutating requests answered from the idempotency cache",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadstream_rate_limited_total",
			Help: "Requests rejected by the per-thread rate limit",
		}),
		agentRunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadstream_agent_runs_total",
			Help: "Agent runs finished by outcome",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.streamConnections,
		m.framesSent,
		m.writeFailures,
		m.replayRejected,
		m.messagesAccepted,
		m.rotations,
		m.idempotentReplays,
		m.rateLimited,
		m.agentRunsCompleted,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.streamConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.streamConnections.Dec()
	}
}

func (m *Metrics) FrameSent(event string) {
	if m != nil {
		m.framesSent.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) WriteFailed() {
	if m != nil {
		m.writeFailures.Inc()
	}
}

func (m *Metrics) ReplayRejected() {
	if m != nil {
		m.replayRejected.Inc()
	}
}

func (m *Metrics) MessageAccepted() {
	if m != nil {
		m.messagesAccepted.Inc()
	}
}

// ThreadRotated counts a rotation; trigger is "request" or "sweep".
func (m *Metrics) ThreadRotated(trigger string, n int) {
	if m != nil && n > 0 {
		m.rotations.WithLabelValues(trigger).Add(float64(n))
	}
}

func (m *Metrics) IdempotentReplay() {
	if m != nil {
		m.idempotentReplays.Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) AgentRunFinished(status string) {
	if m != nil {
		m.agentRunsCompleted.WithLabelValues(status).Inc()
	}
}
