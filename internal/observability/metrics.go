// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for tokenpool.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for cheap
// reads from the status page and tests.
type Metrics struct {
	forwarded     int64
	rejected      int64
	failed        int64
	clientGone    int64
	clientLimited int64
	redisErrors   int64
	invalidTokens int64
	eventsDropped int64

	promForwarded     prometheus.Counter
	promRejected      prometheus.Counter
	promFailed        prometheus.Counter
	promClientGone    prometheus.Counter
	promClientLimited prometheus.Counter
	promRedisErrors   prometheus.Counter
	promInvalidTokens prometheus.Counter
	promEventsDropped prometheus.Counter

	// PromRequestDuration covers the whole inbound request, queueing included.
	PromRequestDuration *prometheus.HistogramVec

	// PromUpstreamDuration covers a single forwarding attempt.
	PromUpstreamDuration prometheus.Histogram

	// Per-token gauges. Labels are token suffixes; the pool is small and
	// operator-controlled, so cardinality stays bounded.
	promTokenRemaining *prometheus.GaugeVec
	promTokenLimit     *prometheus.GaugeVec
	promTokenPending   *prometheus.GaugeVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: "tokenpool", Name: name, Help: help})
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{Namespace: "tokenpool", Name: name, Help: help}, []string{"token"})
	}

	return &Metrics{
		promForwarded:     counter("requests_forwarded_total", "Requests that received an upstream response."),
		promRejected:      counter("requests_rejected_total", "Requests refused because no token had budget."),
		promFailed:        counter("requests_failed_total", "Requests that failed upstream (timeout, connection error)."),
		promClientGone:    counter("requests_client_gone_total", "Requests abandoned by the client before completion."),
		promClientLimited: counter("requests_client_limited_total", "Requests refused by the per-client inbound limiter."),
		promRedisErrors:   counter("redis_errors_total", "Redis errors encountered by the clustered pacing gate."),
		promInvalidTokens: counter("invalid_tokens_total", "Tokens the upstream no longer recognizes."),
		promEventsDropped: counter("events_dropped_total", "Pool events dropped because the buffer was full."),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tokenpool",
			Name:      "request_duration_seconds",
			Help:      "Inbound request duration in seconds, including queueing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromUpstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tokenpool",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream forwarding attempt duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		promTokenRemaining: gauge("token_remaining", "Remaining upstream budget per token."),
		promTokenLimit:     gauge("token_limit", "Upstream budget per window per token."),
		promTokenPending:   gauge("token_pending", "Queued plus in-flight requests per token."),
	}
}

// IncForwarded counts a request that got an upstream response.
func (m *Metrics) IncForwarded() {
	atomic.AddInt64(&m.forwarded, 1)
	m.promForwarded.Inc()
}

// IncRejected counts a capacity refusal.
func (m *Metrics) IncRejected() {
	atomic.AddInt64(&m.rejected, 1)
	m.promRejected.Inc()
}

// IncFailed counts an upstream failure.
func (m *Metrics) IncFailed() {
	atomic.AddInt64(&m.failed, 1)
	m.promFailed.Inc()
}

// IncClientGone counts a request whose client disconnected.
func (m *Metrics) IncClientGone() {
	atomic.AddInt64(&m.clientGone, 1)
	m.promClientGone.Inc()
}

// IncClientLimited counts a request refused by the inbound limiter.
func (m *Metrics) IncClientLimited() {
	atomic.AddInt64(&m.clientLimited, 1)
	m.promClientLimited.Inc()
}

// IncRedisErrors increments the Redis error counter.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncInvalidTokens counts a token detected as invalid.
func (m *Metrics) IncInvalidTokens() {
	atomic.AddInt64(&m.invalidTokens, 1)
	m.promInvalidTokens.Inc()
}

// IncEventsDropped counts an event lost to buffer overflow.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// ObserveUpstream records one forwarding attempt's duration.
func (m *Metrics) ObserveUpstream(d time.Duration) {
	m.PromUpstreamDuration.Observe(d.Seconds())
}

// SetTokenState publishes the latest known state of one token.
func (m *Metrics) SetTokenState(token string, limit, remaining, pending int) {
	m.promTokenLimit.WithLabelValues(token).Set(float64(limit))
	m.promTokenRemaining.WithLabelValues(token).Set(float64(remaining))
	m.promTokenPending.WithLabelValues(token).Set(float64(pending))
}

// DeleteToken drops the gauges of a token that left the pool.
func (m *Metrics) DeleteToken(token string) {
	m.promTokenLimit.DeleteLabelValues(token)
	m.promTokenRemaining.DeleteLabelValues(token)
	m.promTokenPending.DeleteLabelValues(token)
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Forwarded     int64 `json:"forwarded"`
	Rejected      int64 `json:"rejected"`
	Failed        int64 `json:"failed"`
	ClientGone    int64 `json:"client_gone"`
	ClientLimited int64 `json:"client_limited"`
	RedisErrors   int64 `json:"redis_errors"`
	InvalidTokens int64 `json:"invalid_tokens"`
	EventsDropped int64 `json:"events_dropped"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Forwarded:     atomic.LoadInt64(&m.forwarded),
		Rejected:      atomic.LoadInt64(&m.rejected),
		Failed:        atomic.LoadInt64(&m.failed),
		ClientGone:    atomic.LoadInt64(&m.clientGone),
		ClientLimited: atomic.LoadInt64(&m.clientLimited),
		RedisErrors:   atomic.LoadInt64(&m.redisErrors),
		InvalidTokens: atomic.LoadInt64(&m.invalidTokens),
		EventsDropped: atomic.LoadInt64(&m.eventsDropped),
	}
}
