// Package coordinator decides, for every search, whether to answer from the
// cache, scrape the upstream site, or refuse with a backpressure or
// breaker-open result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/resale-search-gateway/internal/breaker"
	"github.com/JakeFAU/resale-search-gateway/internal/cache"
	"github.com/JakeFAU/resale-search-gateway/internal/events"
	"github.com/JakeFAU/resale-search-gateway/internal/id/uuid"
	"github.com/JakeFAU/resale-search-gateway/internal/metrics"
	"github.com/JakeFAU/resale-search-gateway/internal/policy/adaptive"
	"github.com/JakeFAU/resale-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultTTL            = 5 * time.Minute
	DefaultAdapterTimeout = 15 * time.Second
)

// Config tunes the coordinator.
type Config struct {
	Rules search.Rules
	// TTL is how long scraped pages stay in the cache.
	TTL time.Duration
	// AdapterTimeout bounds every upstream call.
	AdapterTimeout time.Duration
	// MaxConcurrent caps in-flight upstream calls per site. Zero disables the cap.
	MaxConcurrent int
	// DedupeInflight lets concurrent misses for one fingerprint share a scrape.
	DedupeInflight bool
}

// Coordinator orchestrates cache, limiter, breaker, and site adapters.
type Coordinator struct {
	cfg      Config
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	adapters map[search.Site]search.SiteAdapter
	gates    map[search.Site]*semaphore.Weighted
	policy   adaptive.Policy
	emitter  events.Emitter
	ids      search.IDGenerator
	clock    search.Clock
	logger   *zap.Logger
	flight   singleflight.Group
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the adaptive limit policy. The default is adaptive.Default.
func WithPolicy(p adaptive.Policy) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithEmitter publishes one event per search.
func WithEmitter(e events.Emitter) Option {
	return func(c *Coordinator) {
		c.emitter = e
	}
}

// WithIDGenerator sets the generator used for event IDs. The default
// produces UUIDv7 strings.
func WithIDGenerator(ids search.IDGenerator) Option {
	return func(c *Coordinator) {
		if ids != nil {
			c.ids = ids
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New wires a Coordinator. Every adapter key must be a known site.
func New(
	cfg Config,
	resultCache *cache.Cache,
	limiter *ratelimit.Limiter,
	breakers *breaker.Registry,
	adapters map[search.Site]search.SiteAdapter,
	clock search.Clock,
	opts ...Option,
) (*Coordinator, error) {
	switch {
	case resultCache == nil:
		return nil, errors.New("coordinator: cache is required")
	case limiter == nil:
		return nil, errors.New("coordinator: rate limiter is required")
	case breakers == nil:
		return nil, errors.New("coordinator: breaker registry is required")
	case clock == nil:
		return nil, errors.New("coordinator: clock is required")
	case len(adapters) == 0:
		return nil, errors.New("coordinator: at least one site adapter is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = DefaultAdapterTimeout
	}
	if cfg.Rules.Countries == nil {
		cfg.Rules = search.DefaultRules()
	}

	c := &Coordinator{
		cfg:      cfg,
		cache:    resultCache,
		limiter:  limiter,
		breakers: breakers,
		adapters: make(map[search.Site]search.SiteAdapter, len(adapters)),
		gates:    make(map[search.Site]*semaphore.Weighted, len(adapters)),
		policy:   adaptive.Default,
		ids:      uuid.New(),
		clock:    clock,
		logger:   zap.NewNop(),
	}
	for site, adapter := range adapters {
		if _, ok := search.ParseSite(string(site)); !ok {
			return nil, fmt.Errorf("coordinator: unknown site %q", site)
		}
		if adapter == nil {
			return nil, fmt.Errorf("coordinator: nil adapter for %s", site)
		}
		c.adapters[site] = adapter
		if cfg.MaxConcurrent > 0 {
			c.gates[site] = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	metrics.Init()
	for site := range c.adapters {
		metrics.SetRateLimit(site.String(), limiter.CurrentLimit(site))
		metrics.SetBreakerState(site.String(), int(breakers.For(site).State()))
	}
	return c, nil
}

// Sites returns the sites that have an adapter, in stable order.
func (c *Coordinator) Sites() []search.Site {
	out := make([]search.Site, 0, len(c.adapters))
	for _, site := range search.Sites() {
		if _, ok := c.adapters[site]; ok {
			out = append(out, site)
		}
	}
	return out
}

// outcome is what one scrape produced.
type outcome struct {
	page    search.ResultPage
	dropped int
}

// Search answers q from the cache or a live scrape. Errors are always one of
// the boundary kinds in package search, or ctx's error when the caller went
// away before the upstream answered.
func (c *Coordinator) Search(ctx context.Context, q search.Query) (search.ResultPage, error) {
	start := c.clock.Now()

	req, err := search.NewRequest(q, c.cfg.Rules)
	if err == nil {
		if _, ok := c.adapters[req.Site]; !ok {
			err = &search.ValidationError{Field: "site", Reason: fmt.Sprintf("%s is not enabled", req.Site)}
		}
	}
	if err != nil {
		c.emit(events.Event{Site: string(q.Site), Outcome: events.OutcomeInvalid, Note: err.Error()}, start)
		return search.ResultPage{}, err
	}

	site := req.Site
	fp := search.Fingerprint(req)
	if page, ok := c.cache.Lookup(ctx, fp); ok {
		metrics.ObserveCacheLookup(site.String(), true)
		c.emit(events.Event{Site: site.String(), Fingerprint: fp, Outcome: events.OutcomeHit, Items: len(page.Items)}, start)
		return page, nil
	}
	metrics.ObserveCacheLookup(site.String(), false)

	var res outcome
	if c.cfg.DedupeInflight {
		res, err = c.sharedScrape(ctx, req, fp)
	} else {
		res, err = c.scrape(ctx, req, fp)
	}

	evt := events.Event{Site: site.String(), Fingerprint: fp, Dropped: res.dropped}
	if err != nil {
		evt.Outcome = outcomeFor(err)
		evt.Note = err.Error()
		c.emit(evt, start)
		return search.ResultPage{}, err
	}
	evt.Outcome = events.OutcomeScraped
	evt.Items = len(res.page.Items)
	c.emit(evt, start)
	return res.page, nil
}

// sharedScrape lets concurrent misses for fp share one scrape. The scrape is
// detached from any single caller's cancellation and stays bounded by the
// adapter timeout; each caller stops waiting when its own ctx is done.
func (c *Coordinator) sharedScrape(ctx context.Context, req search.Request, fp string) (outcome, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(fp, func() (any, error) {
		return c.scrape(detached, req, fp)
	})
	select {
	case <-ctx.Done():
		return outcome{}, fmt.Errorf("search %s: %w", req.Site, ctx.Err())
	case r := <-ch:
		var res outcome
		if r.Val != nil {
			res = r.Val.(outcome)
			if r.Shared {
				res.page = res.page.Clone()
			}
		}
		return res, r.Err
	}
}

// scrape runs the admission, breaker, and adapter stages for a cache miss.
func (c *Coordinator) scrape(ctx context.Context, req search.Request, fp string) (outcome, error) {
	site := req.Site
	logger := c.logger.With(zap.String("site", site.String()), zap.String("fingerprint", fp))

	decision := c.limiter.TryAcquire(site)
	if !decision.Granted {
		metrics.ObserveRateLimitDenied(site.String())
		logger.Debug("admission denied", zap.Int("limit", decision.Limit), zap.Duration("reset_in", decision.ResetIn))
		return outcome{}, &search.RateLimitedError{Site: site, ResetIn: decision.ResetIn}
	}

	ticket, retryIn, err := c.breakers.For(site).Allow()
	if err != nil {
		c.limiter.Release(site)
		logger.Debug("upstream short-circuited", zap.Duration("retry_in", retryIn))
		return outcome{}, &search.BreakerOpenError{Site: site, RetryIn: retryIn}
	}
	if ticket.Probe() {
		logger.Info("half-open probe admitted")
	}

	if gate := c.gates[site]; gate != nil {
		if !gate.TryAcquire(1) {
			c.limiter.Release(site)
			ticket.Cancel()
			metrics.ObserveRateLimitDenied(site.String())
			return outcome{}, &search.RateLimitedError{
				Site:    site,
				ResetIn: time.Second,
				Reason:  "too many concurrent upstream requests",
			}
		}
		defer gate.Release(1)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout)
	defer cancel()

	began := c.clock.Now()
	raw, err := c.adapters[site].FetchListings(callCtx, req)
	took := c.clock.Now().Sub(began)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			ticket.Cancel()
			metrics.ObserveUpstream(site.String(), "canceled", took)
			return outcome{}, fmt.Errorf("search %s: %w", site, ctx.Err())
		}
		ticket.Failure()
		c.adapt(site, adaptive.Failure)
		metrics.ObserveUpstream(site.String(), "failure", took)
		logger.Warn("upstream request failed", zap.Duration("took", took), zap.Error(err))
		return outcome{}, &search.UpstreamError{Site: site, Err: err}
	}

	items, problems := normalizePage(raw, req)
	for _, p := range problems {
		logger.Debug("listing dropped", zap.Error(p))
	}
	metrics.ObserveNormalizationDropped(site.String(), len(problems))
	if len(raw.Items) > 0 && len(items) == 0 {
		ticket.Failure()
		c.adapt(site, adaptive.Failure)
		metrics.ObserveUpstream(site.String(), "failure", took)
		logger.Warn("every listing failed normalization", zap.Int("raw_items", len(raw.Items)))
		return outcome{dropped: len(problems)}, &search.UpstreamError{
			Site: site,
			Err:  fmt.Errorf("all %d listings failed normalization: %w", len(raw.Items), problems[0]),
		}
	}

	page := search.ResultPage{
		Items:      items,
		Pagination: paginate(req, raw, len(items)),
	}
	c.cache.Store(ctx, fp, page, c.cfg.TTL)
	ticket.Success()
	c.adapt(site, adaptive.Success)
	metrics.ObserveUpstream(site.String(), "success", took)
	logger.Debug("scraped",
		zap.Int("items", len(items)),
		zap.Int("dropped", len(problems)),
		zap.Duration("took", took),
	)
	return outcome{page: page, dropped: len(problems)}, nil
}

func (c *Coordinator) adapt(site search.Site, o adaptive.Outcome) {
	c.limiter.Adjust(site, AdjustFunc(c.limiter, c.policy, site, o))
	metrics.SetRateLimit(site.String(), c.limiter.CurrentLimit(site))
}

// AdjustFunc binds policy to site's limiter bounds for use with Limiter.Adjust.
func AdjustFunc(limiter *ratelimit.Limiter, policy adaptive.Policy, site search.Site, o adaptive.Outcome) func(int) int {
	floor, ceiling := limiter.Bounds(site)
	return func(current int) int {
		return policy(adaptive.Input{Outcome: o, Current: current, Base: ceiling, Min: floor})
	}
}

// BreakerListener returns a breaker.StateChangeFunc that halves (per policy)
// a site's outbound limit when its breaker opens and records the transition.
func BreakerListener(limiter *ratelimit.Limiter, policy adaptive.Policy, logger *zap.Logger) breaker.StateChangeFunc {
	if policy == nil {
		policy = adaptive.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return func(site search.Site, from, to breaker.State) {
		metrics.SetBreakerState(site.String(), int(to))
		metrics.ObserveBreakerTransition(site.String(), to.String())
		fields := []zap.Field{
			zap.String("site", site.String()),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		}
		if to == breaker.StateOpen {
			limit := limiter.Adjust(site, AdjustFunc(limiter, policy, site, adaptive.BreakerOpened))
			metrics.SetRateLimit(site.String(), limit)
			logger.Warn("circuit opened", append(fields, zap.Int("rate_limit", limit))...)
			return
		}
		logger.Info("circuit state changed", fields...)
	}
}

// Reset clears cached pages and restores full outbound budgets. Breaker
// state is left alone so an unhealthy upstream stays protected.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.limiter.Reset()
	for site := range c.adapters {
		metrics.SetRateLimit(site.String(), c.limiter.CurrentLimit(site))
	}
	if err := c.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	c.logger.Info("cache cleared and rate limits reset")
	return nil
}

func (c *Coordinator) emit(evt events.Event, start time.Time) {
	if c.emitter == nil {
		return
	}
	now := c.clock.Now()
	evt.TS = now.UTC()
	evt.Dur = max(now.Sub(start), 0)
	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Warn("event id generation failed", zap.Error(err))
		return
	}
	evt.ID = id
	c.emitter.Emit(evt)
}

func outcomeFor(err error) events.Outcome {
	switch search.Kind(err) {
	case search.KindRateLimited:
		return events.OutcomeRateLimited
	case search.KindBreakerOpen:
		return events.OutcomeBreakerOpen
	default:
		return events.OutcomeUpstreamFailure
	}
}
