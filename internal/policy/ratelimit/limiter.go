// Package ratelimit bounds how often the gateway calls each upstream site.
//
// Limiter is a fixed-window admission counter consulted on cache misses.
// Pacer spaces out the individual HTTP requests an adapter makes.
package ratelimit

import (
	"sync"
	"time"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// Defaults mirror the budget of the upstream scraping API.
const (
	DefaultLimit    = 20
	DefaultWindow   = time.Minute
	DefaultMinLimit = 5
)

// SiteConfig overrides the default budget for one site.
type SiteConfig struct {
	Limit    int
	Window   time.Duration
	MinLimit int
}

// Config holds limiter configuration.
type Config struct {
	Default SiteConfig
	Sites   map[search.Site]SiteConfig
}

// Decision is the outcome of TryAcquire.
type Decision struct {
	Granted bool
	ResetIn time.Duration
	Limit   int
}

// WindowState is a read-only view of one site's window.
type WindowState struct {
	Limit     int           `json:"limit"`
	BaseLimit int           `json:"base_limit"`
	Count     int           `json:"count"`
	Window    time.Duration `json:"-"`
	WindowSec float64       `json:"window_seconds"`
	ResetsIn  float64       `json:"resets_in_seconds"`
}

type window struct {
	mu       sync.Mutex
	start    time.Time
	count    int
	limit    int
	base     int
	minLimit int
	length   time.Duration
}

// Limiter grants at most limit admissions per window for each site.
type Limiter struct {
	clock search.Clock
	cfg   Config

	mu      sync.Mutex
	windows map[search.Site]*window
}

// New creates a new Limiter.
func New(cfg Config, clock search.Clock) *Limiter {
	cfg.Default = normalize(cfg.Default, SiteConfig{Limit: DefaultLimit, Window: DefaultWindow, MinLimit: DefaultMinLimit})
	return &Limiter{
		clock:   clock,
		cfg:     cfg,
		windows: make(map[search.Site]*window),
	}
}

func normalize(sc, fallback SiteConfig) SiteConfig {
	if sc.Limit <= 0 {
		sc.Limit = fallback.Limit
	}
	if sc.Window <= 0 {
		sc.Window = fallback.Window
	}
	if sc.MinLimit <= 0 {
		sc.MinLimit = fallback.MinLimit
	}
	if sc.MinLimit > sc.Limit {
		sc.MinLimit = sc.Limit
	}
	return sc
}

func (l *Limiter) window(site search.Site) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[site]
	if !ok {
		sc := normalize(l.cfg.Sites[site], l.cfg.Default)
		w = &window{
			start:    l.clock.Now(),
			limit:    sc.Limit,
			base:     sc.Limit,
			minLimit: sc.MinLimit,
			length:   sc.Window,
		}
		l.windows[site] = w
	}
	return w
}

// roll starts a new window when the current one has elapsed. Caller holds w.mu.
func (w *window) roll(now time.Time) {
	if now.Sub(w.start) >= w.length {
		w.start = now
		w.count = 0
	}
}

func (w *window) resetIn(now time.Time) time.Duration {
	d := w.start.Add(w.length).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TryAcquire consumes one admission for site if the window has room.
func (l *Limiter) TryAcquire(site search.Site) Decision {
	w := l.window(site)
	now := l.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)
	if w.count >= w.limit {
		return Decision{Granted: false, ResetIn: w.resetIn(now), Limit: w.limit}
	}
	w.count++
	return Decision{Granted: true, ResetIn: w.resetIn(now), Limit: w.limit}
}

// Release refunds one admission in the current window. It is used when a
// granted call never reached the upstream.
func (l *Limiter) Release(site search.Site) {
	w := l.window(site)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count > 0 {
		w.count--
	}
}

// Adjust replaces the site's current limit with fn(current), clamped to
// [minLimit, baseLimit]. Admissions already counted above a lowered limit are
// folded into it so the window never reports count > limit. It returns the
// limit now in force.
func (l *Limiter) Adjust(site search.Site, fn func(current int) int) int {
	w := l.window(site)
	w.mu.Lock()
	defer w.mu.Unlock()
	next := fn(w.limit)
	if next < w.minLimit {
		next = w.minLimit
	}
	if next > w.base {
		next = w.base
	}
	if next < 1 {
		next = 1
	}
	w.limit = next
	if w.count > next {
		w.count = next
	}
	return next
}

// Bounds returns the floor and ceiling Adjust clamps site's limit to.
func (l *Limiter) Bounds(site search.Site) (minLimit, base int) {
	w := l.window(site)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.minLimit, w.base
}

// Reset restores full budgets and base limits for every site.
func (l *Limiter) Reset() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.windows {
		w.mu.Lock()
		w.start = now
		w.count = 0
		w.limit = w.base
		w.mu.Unlock()
	}
}

// CurrentLimit returns the limit in force for site.
func (l *Limiter) CurrentLimit(site search.Site) int {
	w := l.window(site)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

// Snapshot reports every known site's window.
func (l *Limiter) Snapshot() map[search.Site]WindowState {
	l.mu.Lock()
	sites := make([]search.Site, 0, len(l.windows))
	for site := range l.windows {
		sites = append(sites, site)
	}
	l.mu.Unlock()

	out := make(map[search.Site]WindowState, len(sites))
	for _, site := range sites {
		out[site] = l.State(site)
	}
	return out
}

// State reports site's window without consuming an admission.
func (l *Limiter) State(site search.Site) WindowState {
	now := l.clock.Now()
	w := l.window(site)
	w.mu.Lock()
	defer w.mu.Unlock()
	count := w.count
	resetIn := w.resetIn(now)
	if now.Sub(w.start) >= w.length {
		count = 0
		resetIn = w.length
	}
	return WindowState{
		Limit:     w.limit,
		BaseLimit: w.base,
		Count:     count,
		Window:    w.length,
		WindowSec: w.length.Seconds(),
		ResetsIn:  resetIn.Seconds(),
	}
}
