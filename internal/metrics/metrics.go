// Package metrics exposes Prometheus collectors for the gateway's control
// plane: HTTP traffic, cache effectiveness, limiter budgets and breaker state.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	cacheEvictionsTotal        prometheus.Counter
	rateLimitCurrent           *prometheus.GaugeVec
	rateLimitDeniedTotal       *prometheus.CounterVec
	breakerState               *prometheus.GaugeVec
	breakerTransitionsTotal    *prometheus.CounterVec
	upstreamDurationSeconds    *prometheus.HistogramVec
	normalizationDroppedTotal  *prometheus.CounterVec
	pacerWaitSeconds           *prometheus.HistogramVec
	eventsDroppedTotal         prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"method", "route"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Cache lookups, labeled by site and result (hit or miss).",
			},
			[]string{"site", "result"},
		)

		cacheEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_cache_evictions_total",
				Help: "Live entries evicted because the in-memory cache was full.",
			},
		)

		rateLimitCurrent = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_rate_limit_current",
				Help: "Admissions per window currently allowed, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_denied_total",
				Help: "Searches refused for lack of outbound budget, labeled by site.",
			},
			[]string{"site"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_breaker_state",
				Help: "Circuit breaker state per site: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"site"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_breaker_transitions_total",
				Help: "Circuit breaker state changes, labeled by site and target state.",
			},
			[]string{"site", "to"},
		)

		upstreamDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Site adapter call latency, labeled by site and result.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
			},
			[]string{"site", "result"},
		)

		normalizationDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_normalization_dropped_total",
				Help: "Raw listings that could not be normalized, labeled by site.",
			},
			[]string{"site"},
		)

		pacerWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_pacer_wait_seconds",
				Help:    "Time adapters spent waiting for their request pacer.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		eventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_events_dropped_total",
				Help: "Search events dropped because the event hub was saturated.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheLookup counts a cache hit or miss.
func ObserveCacheLookup(site string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(site, result).Inc()
}

// ObserveCacheEviction counts a capacity eviction.
func ObserveCacheEviction() {
	cacheEvictionsTotal.Inc()
}

// SetRateLimit records the limit currently in force for site.
func SetRateLimit(site string, limit int) {
	rateLimitCurrent.WithLabelValues(site).Set(float64(limit))
}

// ObserveRateLimitDenied counts a refused admission.
func ObserveRateLimitDenied(site string) {
	rateLimitDeniedTotal.WithLabelValues(site).Inc()
}

// SetBreakerState records a breaker state as its ordinal.
func SetBreakerState(site string, state int) {
	breakerState.WithLabelValues(site).Set(float64(state))
}

// ObserveBreakerTransition counts a state change.
func ObserveBreakerTransition(site, to string) {
	breakerTransitionsTotal.WithLabelValues(site, to).Inc()
}

// ObserveUpstream records one adapter call.
func ObserveUpstream(site, result string, duration time.Duration) {
	upstreamDurationSeconds.WithLabelValues(site, result).Observe(duration.Seconds())
}

// ObserveNormalizationDropped counts listings discarded by normalization.
func ObserveNormalizationDropped(site string, n int) {
	if n > 0 {
		normalizationDroppedTotal.WithLabelValues(site).Add(float64(n))
	}
}

// ObservePacerWait records how long an adapter waited for its pacer.
func ObservePacerWait(site string, waited time.Duration) {
	pacerWaitSeconds.WithLabelValues(site).Observe(waited.Seconds())
}

// ObserveEventDropped counts a search event lost to backpressure.
func ObserveEventDropped() {
	eventsDroppedTotal.Inc()
}
