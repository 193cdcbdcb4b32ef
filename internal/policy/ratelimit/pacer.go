package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PacerConfig holds per-key pacing configuration.
type PacerConfig struct {
	RPS   float64
	Burst int
}

// Pacer spaces out outbound requests per key (usually a site) with a token
// bucket. A zero RPS disables pacing.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	observe  func(key string, waited time.Duration)
}

// NewPacer creates a Pacer. observe, when non-nil, is told how long each
// non-trivial wait took.
func NewPacer(cfg PacerConfig, observe func(key string, waited time.Duration)) *Pacer {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		observe:  observe,
	}
}

// Wait blocks until a token is available for key, respecting the context.
func (p *Pacer) Wait(ctx context.Context, key string) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	limiter, exists := p.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(p.rate, p.burst)
		p.limiters[key] = limiter
	}
	p.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && p.observe != nil {
		p.observe(key, waited)
	}
	return nil
}
