// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for the gateway.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for fast-path
// access in the decision pipeline.
type Metrics struct {
	// Atomic counters for the hot path (no mutex, no allocation).
	allowed      int64
	blockedRBAC  int64
	blockedRisk  int64
	limited      int64
	honeypotHits int64
	mlErrors     int64
	backendErrs  int64
	redisErrors  int64
	fallbackUsed int64

	// Prometheus counters for scraping.
	promAllowed      prometheus.Counter
	promBlockedRBAC  prometheus.Counter
	promBlockedRisk  prometheus.Counter
	promLimited      prometheus.Counter
	promHoneypot     prometheus.Counter
	promMLErrors     prometheus.Counter
	promBackendErrs  prometheus.Counter
	promRedisErrors  prometheus.Counter
	promFallbackUsed prometheus.Counter

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec
	PromStageDuration   *prometheus.HistogramVec

	// Final risk score distribution. A histogram rather than per-client
	// gauges avoids unbounded label cardinality from IPs.
	PromFinalRisk prometheus.Histogram

	// Gauges updated by the audit log and Redis recovery loop.
	PromChainLength prometheus.Gauge
	PromRedisUp     prometheus.Gauge

	// Per-label decision counters. Risk labels are a small fixed set, so a
	// label dimension is safe.
	promDecisions *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests forwarded to the protected service.",
		}),
		promBlockedRBAC: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "requests_blocked_rbac_total",
			Help:      "Total number of requests denied by the RBAC engine.",
		}),
		promBlockedRisk: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "requests_blocked_risk_total",
			Help:      "Total number of requests denied by the risk threshold.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promHoneypot: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "honeypot_hits_total",
			Help:      "Total number of requests that touched a honeypot path.",
		}),
		promMLErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "ml_errors_total",
			Help:      "Total number of ML scoring failures (failed open).",
		}),
		promBackendErrs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "backend_errors_total",
			Help:      "Total number of backend forwarding failures.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "redis_errors_total",
			Help:      "Total number of Redis errors encountered.",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "fallback_used_total",
			Help:      "Total number of rate-limit checks served by the in-memory fallback.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngfw",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngfw",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage decision pipeline duration in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"stage"}),
		PromFinalRisk: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ngfw",
			Name:      "final_risk_score",
			Help:      "Distribution of final risk scores across decisions.",
			Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		PromChainLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngfw",
			Name:      "audit_chain_length",
			Help:      "Current number of entries in the audit hash chain.",
		}),
		PromRedisUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngfw",
			Name:      "redis_up",
			Help:      "Whether the Redis backend is currently reachable (1) or not (0).",
		}),
		promDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngfw",
			Name:      "decisions_total",
			Help:      "Total decisions per risk label.",
		}, []string{"label"}),
	}

	return m
}

// IncAllowed increments the forwarded requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncBlockedRBAC increments the RBAC denial counter.
func (m *Metrics) IncBlockedRBAC() {
	atomic.AddInt64(&m.blockedRBAC, 1)
	m.promBlockedRBAC.Inc()
}

// IncBlockedRisk increments the risk-threshold denial counter.
func (m *Metrics) IncBlockedRisk() {
	atomic.AddInt64(&m.blockedRisk, 1)
	m.promBlockedRisk.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncHoneypotHits increments the honeypot hit counter.
func (m *Metrics) IncHoneypotHits() {
	atomic.AddInt64(&m.honeypotHits, 1)
	m.promHoneypot.Inc()
}

// IncMLErrors increments the ML scoring failure counter.
func (m *Metrics) IncMLErrors() {
	atomic.AddInt64(&m.mlErrors, 1)
	m.promMLErrors.Inc()
}

// IncBackendErrors increments the backend forwarding failure counter.
func (m *Metrics) IncBackendErrors() {
	atomic.AddInt64(&m.backendErrs, 1)
	m.promBackendErrs.Inc()
}

// IncRedisErrors increments the Redis error counter.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncFallbackUsed increments the fallback usage counter.
func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

// IncDecision increments the per-label decision counter.
func (m *Metrics) IncDecision(label string) {
	m.promDecisions.WithLabelValues(label).Inc()
}

// ObserveFinalRisk records a final risk score observation.
func (m *Metrics) ObserveFinalRisk(score float64) {
	m.PromFinalRisk.Observe(score)
}

// SetChainLength updates the audit chain length gauge.
func (m *Metrics) SetChainLength(n int) {
	m.PromChainLength.Set(float64(n))
}

// SetRedisUp updates the Redis reachability gauge.
func (m *Metrics) SetRedisUp(up bool) {
	if up {
		m.PromRedisUp.Set(1)
	} else {
		m.PromRedisUp.Set(0)
	}
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed      int64
	BlockedRBAC  int64
	BlockedRisk  int64
	Limited      int64
	HoneypotHits int64
	MLErrors     int64
	BackendErrs  int64
	RedisErrors  int64
	FallbackUsed int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:      atomic.LoadInt64(&m.allowed),
		BlockedRBAC:  atomic.LoadInt64(&m.blockedRBAC),
		BlockedRisk:  atomic.LoadInt64(&m.blockedRisk),
		Limited:      atomic.LoadInt64(&m.limited),
		HoneypotHits: atomic.LoadInt64(&m.honeypotHits),
		MLErrors:     atomic.LoadInt64(&m.mlErrors),
		BackendErrs:  atomic.LoadInt64(&m.backendErrs),
		RedisErrors:  atomic.LoadInt64(&m.redisErrors),
		FallbackUsed: atomic.LoadInt64(&m.fallbackUsed),
	}
}
