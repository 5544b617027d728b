// Package metrics registers the Prometheus instruments for the claim
// processing pipeline. Exposed on GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Normalizer metrics
	NormalizeRequests *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	AICalls           prometheus.Counter
	AIFailures        prometheus.Counter
	AILatency         prometheus.Histogram

	// Pipeline metrics
	ClaimsTerminal  *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	ClaimsInflight  prometheus.Gauge
	ClaimsThrottled prometheus.Counter

	// Gateway metrics
	GatewayAttempts *prometheus.CounterVec
	GatewayDuration prometheus.Histogram

	// API metrics
	RateLimited *prometheus.CounterVec
}

// New creates and registers all pipeline metrics.
func New() *Metrics {
	return &Metrics{
		NormalizeRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "normalizer_requests_total",
				Help: "Total code normalization requests",
			},
			[]string{"source"}, // source: db, ai, cache
		),
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "normalizer_cache_hits_total",
				Help: "Normalization cache hits",
			},
			[]string{"namespace"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "normalizer_cache_misses_total",
				Help: "Normalization cache misses",
			},
			[]string{"namespace"},
		),
		AICalls: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "normalizer_ai_calls_total",
				Help: "Total AI suggestion calls attempted",
			},
		),
		AIFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "normalizer_ai_failures_total",
				Help: "AI suggestion calls that failed or were short-circuited",
			},
		),
		AILatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "normalizer_ai_latency_ms",
				Help:    "AI suggestion call latency in milliseconds",
				Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
		),
		ClaimsTerminal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_claims_terminal_total",
				Help: "Claims reaching a terminal state",
			},
			[]string{"status"}, // submitted, failed:normalizing, ...
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Per-stage execution duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage", "status"},
		),
		ClaimsInflight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_claims_inflight",
				Help: "Claims currently being processed",
			},
		),
		ClaimsThrottled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_claims_throttled_total",
				Help: "Claims rejected because the in-flight budget was saturated",
			},
		),
		GatewayAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nphies_gateway_attempts_total",
				Help: "NPHIES submission attempts by outcome",
			},
			[]string{"kind", "outcome"}, // outcome: ok, rejected, unavailable, timeout
		),
		GatewayDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nphies_gateway_duration_seconds",
				Help:    "NPHIES round-trip duration per attempt",
				Buckets: prometheus.DefBuckets,
			},
		),
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route_class"},
		),
	}
}

// RecordNormalize records a normalization outcome by source.
func (m *Metrics) RecordNormalize(source string) {
	m.NormalizeRequests.WithLabelValues(source).Inc()
}

// RecordCache records a cache lookup outcome for a namespace.
func (m *Metrics) RecordCache(namespace string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(namespace).Inc()
	} else {
		m.CacheMisses.WithLabelValues(namespace).Inc()
	}
}

// RecordAICall records an AI suggestion attempt and its latency.
func (m *Metrics) RecordAICall(latencyMs float64, failed bool) {
	m.AICalls.Inc()
	m.AILatency.Observe(latencyMs)
	if failed {
		m.AIFailures.Inc()
	}
}

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(stage, status string, seconds float64) {
	m.StageDuration.WithLabelValues(stage, status).Observe(seconds)
}

// RecordTerminal records a claim reaching a terminal state.
func (m *Metrics) RecordTerminal(status string) {
	m.ClaimsTerminal.WithLabelValues(status).Inc()
}

// RecordGatewayAttempt records one NPHIES attempt.
func (m *Metrics) RecordGatewayAttempt(kind, outcome string, seconds float64) {
	m.GatewayAttempts.WithLabelValues(kind, outcome).Inc()
	m.GatewayDuration.Observe(seconds)
}
