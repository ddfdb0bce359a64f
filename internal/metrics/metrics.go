// Package metrics exposes the pipeline counters consumed by external monitoring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hubstream/internal/model"
)

const namespace = "hubstream"

// Metrics holds every collector of one process on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	// Connection manager
	ConnectionAttempts  prometheus.Counter
	ConnectionSuccesses prometheus.Counter
	ConnectionFailures  *prometheus.CounterVec
	ConnectionState     *prometheus.GaugeVec
	BackoffSeconds      prometheus.Gauge

	// Event processor
	EventsReceived    prometheus.Counter
	EventsProcessed   prometheus.Counter
	EventsDropped     *prometheus.CounterVec
	EnrichmentLookups *prometheus.CounterVec

	// Batching and forwarding
	BatchesFormed   *prometheus.CounterVec
	BatchSize       prometheus.Histogram
	BreakerState    *prometheus.GaugeVec
	ForwardRequests *prometheus.CounterVec
	ForwardLatency  prometheus.Histogram
	BatchesRequeued prometheus.Counter
	EventsLost      prometheus.Counter

	// Normalizer and store writer
	EventsAccepted prometheus.Counter
	PointsWritten  prometheus.Counter
	PointsDropped  *prometheus.CounterVec
	FieldErrors    *prometheus.CounterVec
	WriteLatency   prometheus.Histogram
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Total number of hub connection attempts",
		}),
		ConnectionSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_successes_total",
			Help:      "Total number of hub connections that reached the subscribed state",
		}),
		ConnectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Total number of hub connection failures by error kind",
		}, []string{"reason"}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current hub connection state (1 for the active state)",
		}, []string{"state"}),
		BackoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_backoff_seconds",
			Help:      "Current reconnect backoff delay in seconds",
		}),

		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of raw hub events received",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of events converted to canonical form",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped by reason",
		}, []string{"reason"}),
		EnrichmentLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_lookups_total",
			Help:      "Enrichment cache lookups by source and result",
		}, []string{"source", "result"}),

		BatchesFormed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_formed_total",
			Help:      "Total number of batches released by trigger",
		}, []string{"stage", "trigger"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_events",
			Help:      "Number of events per forwarded batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state per target (1 for the active state)",
		}, []string{"target", "state"}),
		ForwardRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_requests_total",
			Help:      "Forward attempts by result",
		}, []string{"result"}),
		ForwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_latency_seconds",
			Help:      "Downstream delivery latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		BatchesRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_requeued_total",
			Help:      "Total number of batches re-queued after a failed delivery",
		}),
		EventsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_lost_total",
			Help:      "Total number of events in batches that could not be delivered",
		}),

		EventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_events_accepted_total",
			Help:      "Total number of events accepted by the store writer",
		}),
		PointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_written_total",
			Help:      "Total number of points persisted",
		}),
		PointsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_dropped_total",
			Help:      "Total number of points dropped by reason",
		}, []string{"reason"}),
		FieldErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalization_field_errors_total",
			Help:      "Fields dropped during normalization by declared type",
		}, []string{"declared_type"}),
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_write_latency_seconds",
			Help:      "Store write latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionAttempts,
		m.ConnectionSuccesses,
		m.ConnectionFailures,
		m.ConnectionState,
		m.BackoffSeconds,
		m.EventsReceived,
		m.EventsProcessed,
		m.EventsDropped,
		m.EnrichmentLookups,
		m.BatchesFormed,
		m.BatchSize,
		m.BreakerState,
		m.ForwardRequests,
		m.ForwardLatency,
		m.BatchesRequeued,
		m.EventsLost,
		m.EventsAccepted,
		m.PointsWritten,
		m.PointsDropped,
		m.FieldErrors,
		m.WriteLatency,
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var connectionStates = []model.ConnectionState{
	model.ConnectionDisconnected,
	model.ConnectionConnecting,
	model.ConnectionAuthenticating,
	model.ConnectionSubscribed,
	model.ConnectionClosing,
}

// SetConnectionState marks state as the active connection state
func (m *Metrics) SetConnectionState(state model.ConnectionState) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(value)
	}
}

var circuitStates = []model.CircuitState{
	model.CircuitClosed,
	model.CircuitOpen,
	model.CircuitHalfOpen,
}

// SetBreakerState marks state as the active breaker state for target
func (m *Metrics) SetBreakerState(target string, state model.CircuitState) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.BreakerState.WithLabelValues(target, string(s)).Set(value)
	}
}
