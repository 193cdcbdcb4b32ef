package breaker

import (
	"sync"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// Registry holds one Breaker per site for the process lifetime.
type Registry struct {
	defaults Config
	sites    map[search.Site]Config
	clock    search.Clock
	notify   StateChangeFunc

	mu       sync.Mutex
	breakers map[search.Site]*Breaker
}

// NewRegistry creates a Registry. Per-site configs override defaults.
func NewRegistry(defaults Config, sites map[search.Site]Config, clock search.Clock, notify StateChangeFunc) *Registry {
	return &Registry{
		defaults: defaults,
		sites:    sites,
		clock:    clock,
		notify:   notify,
		breakers: make(map[search.Site]*Breaker),
	}
}

// For returns the breaker for site, creating it on first use.
func (r *Registry) For(site search.Site) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[site]
	if !ok {
		cfg, override := r.sites[site]
		if !override {
			cfg = r.defaults
		} else {
			cfg = merge(cfg, r.defaults)
		}
		b = New(site, cfg, r.clock, r.notify)
		r.breakers[site] = b
	}
	return b
}

func merge(cfg, defaults Config) Config {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.ObservationWindow <= 0 {
		cfg.ObservationWindow = defaults.ObservationWindow
	}
	return cfg
}

// Snapshot returns stats for every breaker created so far.
func (r *Registry) Snapshot() map[search.Site]Stats {
	r.mu.Lock()
	breakers := make(map[search.Site]*Breaker, len(r.breakers))
	for site, b := range r.breakers {
		breakers[site] = b
	}
	r.mu.Unlock()

	out := make(map[search.Site]Stats, len(breakers))
	for site, b := range breakers {
		out[site] = b.Stats()
	}
	return out
}
