// Package metrics collects Prometheus metrics for the coordination
// substrate: HTTP request volume/latency, circuit breaker state and outcome
// counts, saga execution/compensation counts, and event bus publish/consume
// counts. InitMetrics registers and assigns these vars once at startup;
// until it runs they are nil, and the helpers below treat a nil metric as a
// no-op.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	initialized bool

	// HTTPRequestsTotal counts every request the coordinator's HTTP surface
	// handles, labeled by method/path/status.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration observes request handling latency in seconds.
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestsInProgress tracks requests currently being handled.
	HTTPRequestsInProgress prometheus.Gauge

	// CircuitBreakerState reports each registered breaker's current state
	// (0=closed, 1=open, 2=half_open), labeled by breaker name.
	CircuitBreakerState *prometheus.GaugeVec

	// CircuitBreakerRequests counts calls through a breaker, labeled by
	// name and result (success/failure/rejected).
	CircuitBreakerRequests *prometheus.CounterVec

	// SagaExecutionsTotal counts saga outcomes, labeled by result: success
	// for a Completed saga, failure for one that went through compensation.
	SagaExecutionsTotal *prometheus.CounterVec

	// SagaExecutionDuration observes wall-clock saga duration in seconds.
	SagaExecutionDuration prometheus.Histogram

	// SagaCompensationsTotal counts individual compensation executions.
	SagaCompensationsTotal prometheus.Counter

	// SagaInvariantViolationsTotal counts detected saga state machine
	// invariant violations (spec §3 invariants).
	SagaInvariantViolationsTotal prometheus.Counter

	// MessagesPublishedTotal counts events published to the bus, labeled
	// by event type and source.
	MessagesPublishedTotal *prometheus.CounterVec

	// MessagesConsumedTotal counts events delivered to a subscription,
	// labeled by subscription name and result (success/failure).
	MessagesConsumedTotal *prometheus.CounterVec

	// MessageProcessingDuration observes handler execution time in seconds.
	MessageProcessingDuration prometheus.Histogram
)

// InitMetrics registers every metric with the default Prometheus registry.
// It is idempotent: a second call is a no-op, so it's safe to call from
// both cmd/coordinator and test setup.
func InitMetrics() {
	if initialized {
		return
	}
	initialized = true

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request handling latency.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_progress",
			Help: "HTTP requests currently being handled.",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half_open.",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Calls made through a circuit breaker.",
		},
		[]string{"name", "result"},
	)

	SagaExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Sagas reaching a terminal state, by result.",
		},
		[]string{"result"},
	)

	SagaExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saga_execution_duration_seconds",
			Help:    "Wall-clock time from saga creation to terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	SagaCompensationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Compensation executions performed.",
		},
	)

	SagaInvariantViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_invariant_violations_total",
			Help: "Saga state machine invariant violations detected.",
		},
	)

	MessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_published_total",
			Help: "Events published to the event bus.",
		},
		[]string{"event_type", "source"},
	)

	MessagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_consumed_total",
			Help: "Events delivered to a subscription.",
		},
		[]string{"subscription", "result"},
	)

	MessageProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "message_processing_duration_seconds",
			Help:    "Subscription handler execution time.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
	)
}

// IncCounter increments counter. A nil counter (InitMetrics not called —
// as in most package unit tests, which exercise business logic without
// standing up the whole process) is a silent no-op rather than a panic.
func IncCounter(counter prometheus.Counter) {
	if counter == nil {
		return
	}
	counter.Inc()
}

// IncCounterVec increments the counter labeled by labels.
func IncCounterVec(counter *prometheus.CounterVec, labels map[string]string) {
	if counter == nil {
		return
	}
	counter.With(labels).Inc()
}

// IncGauge increments gauge.
func IncGauge(gauge prometheus.Gauge) {
	if gauge == nil {
		return
	}
	gauge.Inc()
}

// DecGauge decrements gauge.
func DecGauge(gauge prometheus.Gauge) {
	if gauge == nil {
		return
	}
	gauge.Dec()
}

// SetGauge sets gauge to value.
func SetGauge(gauge prometheus.Gauge, value float64) {
	if gauge == nil {
		return
	}
	gauge.Set(value)
}

// SetGaugeVec sets the gauge labeled by labels to value.
func SetGaugeVec(gauge *prometheus.GaugeVec, labels map[string]string, value float64) {
	if gauge == nil {
		return
	}
	gauge.With(labels).Set(value)
}

// ObserveHistogram records value on histogram.
func ObserveHistogram(histogram prometheus.Histogram, value float64) {
	if histogram == nil {
		return
	}
	histogram.Observe(value)
}

// ObserveHistogramVec records value on the histogram labeled by labels.
func ObserveHistogramVec(histogram *prometheus.HistogramVec, labels map[string]string, value float64) {
	if histogram == nil {
		return
	}
	histogram.With(labels).Observe(value)
}
