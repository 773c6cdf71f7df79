package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for intercepted calls.
type Metrics struct {
	tokensTotal          *prometheus.CounterVec
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	policyEvaluations    *prometheus.CounterVec
	telemetryWriteErrors *prometheus.CounterVec
	activeTransactions   prometheus.Gauge
	activeStreams        prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "observicia_tokens_total",
				Help: "Total tokens committed by provider and type (prompt, completion)",
			},
			[]string{"provider", "type"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "observicia_llm_requests_total",
				Help: "Total intercepted provider calls by operation and status",
			},
			[]string{"provider", "operation", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "observicia_llm_request_duration_seconds",
				Help:    "Intercepted provider call latency in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "operation"},
		),

		policyEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "observicia_policy_evaluations_total",
				Help: "Policy evaluations by policy and outcome (passed, failed, error)",
			},
			[]string{"policy", "outcome"},
		),

		telemetryWriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "observicia_telemetry_write_errors_total",
				Help: "Telemetry records dropped because a backend write failed",
			},
			[]string{"backend"},
		),

		activeTransactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "observicia_active_transactions",
				Help: "Number of currently open transactions",
			},
		),

		activeStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "observicia_active_streams",
				Help: "Number of streaming calls not yet finalized",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.tokensTotal,
		m.requestsTotal,
		m.requestDuration,
		m.policyEvaluations,
		m.telemetryWriteErrors,
		m.activeTransactions,
		m.activeStreams,
	)

	return m
}

// RecordTokens adds committed token counts.
func (m *Metrics) RecordTokens(provider string, prompt, completion int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	m.tokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
}

// RecordRequest records one intercepted call.
func (m *Metrics) RecordRequest(provider, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(provider, operation, status).Inc()
	m.requestDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordPolicy records one policy evaluation outcome.
func (m *Metrics) RecordPolicy(policy, outcome string) {
	if m == nil {
		return
	}
	m.policyEvaluations.WithLabelValues(policy, outcome).Inc()
}

// RecordWriteError records a dropped telemetry record.
func (m *Metrics) RecordWriteError(backend string) {
	if m == nil {
		return
	}
	m.telemetryWriteErrors.WithLabelValues(backend).Inc()
}

// SetActiveTransactions updates the open transaction gauge.
func (m *Metrics) SetActiveTransactions(n int) {
	if m == nil {
		return
	}
	m.activeTransactions.Set(float64(n))
}

// StreamStarted and StreamFinished track in-flight streams.
func (m *Metrics) StreamStarted() {
	if m != nil {
		m.activeStreams.Inc()
	}
}

func (m *Metrics) StreamFinished() {
	if m != nil {
		m.activeStreams.Dec()
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
