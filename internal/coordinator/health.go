package coordinator

import (
	"context"

	"github.com/JakeFAU/resale-search-gateway/internal/breaker"
	"github.com/JakeFAU/resale-search-gateway/internal/cache"
	"github.com/JakeFAU/resale-search-gateway/internal/events"
	"github.com/JakeFAU/resale-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// RateLimiterHealth summarizes outbound budgets.
type RateLimiterHealth struct {
	// CurrentLimit is the tightest limit across sites.
	CurrentLimit int                                   `json:"current_limit"`
	Sites        map[search.Site]ratelimit.WindowState `json:"sites"`
}

// BreakerHealth summarizes circuit breakers.
type BreakerHealth struct {
	// State is the most degraded state across sites.
	State breaker.State                 `json:"state"`
	Sites map[search.Site]breaker.Stats `json:"sites"`
}

// HealthSnapshot is the read-only status document served on /health.
type HealthSnapshot struct {
	Cache          cache.Stats          `json:"cache"`
	RateLimiter    RateLimiterHealth    `json:"rate_limiter"`
	CircuitBreaker BreakerHealth        `json:"circuit_breaker"`
	Endpoints      map[search.Site]bool `json:"endpoints"`
	// Events is set when the emitter reports throughput.
	Events *events.Stats `json:"events,omitempty"`
}

type statsReporter interface {
	Stats() events.Stats
}

// Health assembles a snapshot. It never changes counters, limits, or breaker
// state. Only sites with an adapter are reported.
func (c *Coordinator) Health(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{
		Cache: c.cache.Stats(ctx),
		RateLimiter: RateLimiterHealth{
			Sites: make(map[search.Site]ratelimit.WindowState, len(c.adapters)),
		},
		CircuitBreaker: BreakerHealth{
			State: breaker.StateClosed,
			Sites: make(map[search.Site]breaker.Stats, len(c.adapters)),
		},
		Endpoints: make(map[search.Site]bool, len(c.adapters)),
	}

	for site, w := range c.limiter.Snapshot() {
		if _, ok := c.adapters[site]; !ok {
			continue
		}
		snap.RateLimiter.Sites[site] = w
		if snap.RateLimiter.CurrentLimit == 0 || w.Limit < snap.RateLimiter.CurrentLimit {
			snap.RateLimiter.CurrentLimit = w.Limit
		}
	}

	for site, stats := range c.breakers.Snapshot() {
		if _, ok := c.adapters[site]; !ok {
			continue
		}
		snap.CircuitBreaker.Sites[site] = stats
		if stats.State.Worse(snap.CircuitBreaker.State) {
			snap.CircuitBreaker.State = stats.State
		}
		snap.Endpoints[site] = stats.State != breaker.StateOpen
	}

	if r, ok := c.emitter.(statsReporter); ok {
		stats := r.Stats()
		snap.Events = &stats
	}
	return snap
}

// Endpoints reports whether each enabled site's breaker admits traffic. It
// reads breaker state only, so readiness probes can call it freely.
func (c *Coordinator) Endpoints() map[search.Site]bool {
	out := make(map[search.Site]bool, len(c.adapters))
	for site := range c.adapters {
		out[site] = c.breakers.For(site).State() != breaker.StateOpen
	}
	return out
}
