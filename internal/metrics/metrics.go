package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the live-stream service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	streamsStarted     prometheus.Counter
	streamsScheduled   prometheus.Counter
	streamsEnded       *prometheus.CounterVec
	streamsArchived    prometheus.Counter
	recordingsStarted  prometheus.Counter
	recordingsStopped  prometheus.Counter
	recordingsFinished *prometheus.CounterVec
	providerRequests   *prometheus.CounterVec
	partialFailures    prometheus.Counter
	breakerState       *prometheus.GaugeVec
	httpRequests       *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		streamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_streams_started_total",
			Help: "Streams that went live",
		}),
		streamsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_streams_scheduled_total",
			Help: "Streams created in scheduled state",
		}),
		streamsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livestream_streams_ended_total",
			Help: "Streams that ended, by reason",
		}, []string{"reason"}),
		streamsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_streams_archived_total",
			Help: "Ended streams archived after their recordings finished",
		}),
		recordingsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_recordings_started_total",
			Help: "Recordings started",
		}),
		recordingsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_recordings_stopped_total",
			Help: "Recordings moved to processing",
		}),
		recordingsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livestream_recordings_finished_total",
			Help: "Recordings that reached a terminal status",
		}, []string{"status"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livestream_provider_requests_total",
			Help: "Streaming provider calls by operation and result",
		}, []string{"op", "result"}),
		partialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_partial_failures_total",
			Help: "Failed compensations leaving provider and local state out of sync",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livestream_provider_circuit_state",
			Help: "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livestream_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.streamsStarted,
		m.streamsScheduled,
		m.streamsEnded,
		m.streamsArchived,
		m.recordingsStarted,
		m.recordingsStopped,
		m.recordingsFinished,
		m.providerRequests,
		m.partialFailures,
		m.breakerState,
		m.httpRequests,
	)
	return m
}

func (m *Metrics) IncStreamsStarted() {
	if m != nil {
		m.streamsStarted.Inc()
	}
}

func (m *Metrics) IncStreamsScheduled() {
	if m != nil {
		m.streamsScheduled.Inc()
	}
}

func (m *Metrics) IncStreamsEnded(reason string) {
	if m != nil {
		m.streamsEnded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncStreamsArchived() {
	if m != nil {
		m.streamsArchived.Inc()
	}
}

func (m *Metrics) IncRecordingsStarted() {
	if m != nil {
		m.recordingsStarted.Inc()
	}
}

func (m *Metrics) IncRecordingsStopped() {
	if m != nil {
		m.recordingsStopped.Inc()
	}
}

func (m *Metrics) IncRecordingsFinished(status string) {
	if m != nil {
		m.recordingsFinished.WithLabelValues(status).Inc()
	}
}

// ObserveProvider counts one provider call; result is success, failure or rejected.
func (m *Metrics) ObserveProvider(op, result string) {
	if m != nil {
		m.providerRequests.WithLabelValues(op, result).Inc()
	}
}

func (m *Metrics) IncPartialFailures() {
	if m != nil {
		m.partialFailures.Inc()
	}
}

func (m *Metrics) SetBreakerState(name string, v float64) {
	if m != nil {
		m.breakerState.WithLabelValues(name).Set(v)
	}
}

func (m *Metrics) ObserveHTTP(method, route string, status int) {
	if m != nil {
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	}
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
