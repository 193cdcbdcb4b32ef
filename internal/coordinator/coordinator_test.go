package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resale-search-gateway/internal/adapter/sample"
	"github.com/JakeFAU/resale-search-gateway/internal/breaker"
	"github.com/JakeFAU/resale-search-gateway/internal/cache"
	"github.com/JakeFAU/resale-search-gateway/internal/clock/manual"
	"github.com/JakeFAU/resale-search-gateway/internal/events"
	"github.com/JakeFAU/resale-search-gateway/internal/policy/adaptive"
	"github.com/JakeFAU/resale-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// countingAdapter wraps a fetch function and counts calls.
type countingAdapter struct {
	calls atomic.Int64
	mu    sync.Mutex
	fetch func(ctx context.Context, req search.Request) (search.RawPage, error)
}

func (a *countingAdapter) FetchListings(ctx context.Context, req search.Request) (search.RawPage, error) {
	a.calls.Add(1)
	a.mu.Lock()
	fetch := a.fetch
	a.mu.Unlock()
	return fetch(ctx, req)
}

func (a *countingAdapter) set(fetch func(ctx context.Context, req search.Request) (search.RawPage, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetch = fetch
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) outcomes() []events.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Outcome, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Outcome)
	}
	return out
}

type harness struct {
	clock    *manual.Clock
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	primary  *countingAdapter
	events   *recorder
	coord    *Coordinator
}

type harnessConfig struct {
	coord   Config
	limits  ratelimit.Config
	breaker breaker.Config
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	clk := manual.New(epoch)
	store, err := cache.NewMemoryStore(100, clk)
	require.NoError(t, err)
	h := &harness{
		clock:   clk,
		cache:   cache.New(store, clk, nil),
		limiter: ratelimit.New(hc.limits, clk),
		events:  &recorder{},
	}
	h.breakers = breaker.NewRegistry(hc.breaker, nil, clk, BreakerListener(h.limiter, adaptive.Default, nil))

	samplePrimary := sample.New(sample.Config{Site: search.PrimarySite})
	h.primary = &countingAdapter{fetch: samplePrimary.FetchListings}
	adapters := map[search.Site]search.SiteAdapter{
		search.PrimarySite:   h.primary,
		search.SecondarySite: sample.New(sample.Config{Site: search.SecondarySite}),
	}
	h.coord, err = New(hc.coord, h.cache, h.limiter, h.breakers, adapters, clk, WithEmitter(h.events))
	require.NoError(t, err)
	return h
}

func intPtr(v int) *int { return &v }

func nikeQuery() search.Query {
	return search.Query{Site: search.PrimarySite, Search: "nike", ItemsPerPage: intPtr(5)}
}

func failing(err error) func(context.Context, search.Request) (search.RawPage, error) {
	return func(context.Context, search.Request) (search.RawPage, error) {
		return search.RawPage{}, err
	}
}

func TestSearchScrapesThenServesFromCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	first, err := h.coord.Search(ctx, nikeQuery())
	require.NoError(t, err)
	require.Len(t, first.Items, 5)
	require.Equal(t, search.Pagination{
		CurrentPage:  1,
		TotalPages:   5,
		ItemsPerPage: 5,
		TotalItems:   sample.DefaultTotal,
		HasMore:      true,
	}, first.Pagination)
	for _, item := range first.Items {
		require.NotEmpty(t, item.Title)
		require.True(t, strings.HasPrefix(item.Price, "£"), item.Price)
		require.True(t, strings.HasPrefix(item.DetailURL, "https://primary.example/items/"), item.DetailURL)
	}

	limiterBefore := h.limiter.State(search.PrimarySite)
	breakerBefore := h.breakers.For(search.PrimarySite).Stats()

	again := nikeQuery()
	again.Search = "  NIKE "
	second, err := h.coord.Search(ctx, again)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, h.primary.calls.Load())
	require.Equal(t, limiterBefore, h.limiter.State(search.PrimarySite))
	require.Equal(t, breakerBefore, h.breakers.For(search.PrimarySite).Stats())
	require.Equal(t, []events.Outcome{events.OutcomeScraped, events.OutcomeHit}, h.events.outcomes())

	second.Items[0].Title = "mutated"
	third, err := h.coord.Search(ctx, nikeQuery())
	require.NoError(t, err)
	require.Equal(t, first.Items[0].Title, third.Items[0].Title)

	stats := h.cache.Stats(ctx)
	require.EqualValues(t, 2, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
}

func TestSearchCacheExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{coord: Config{TTL: time.Minute}})
	ctx := context.Background()

	_, err := h.coord.Search(ctx, nikeQuery())
	require.NoError(t, err)
	h.clock.Advance(59 * time.Second)
	_, err = h.coord.Search(ctx, nikeQuery())
	require.NoError(t, err)
	require.EqualValues(t, 1, h.primary.calls.Load())

	h.clock.Advance(time.Second)
	_, err = h.coord.Search(ctx, nikeQuery())
	require.NoError(t, err)
	require.EqualValues(t, 2, h.primary.calls.Load())
}

func TestSearchRejectsInvalidInputWithoutSideEffects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	bad := []search.Query{
		{Site: search.PrimarySite, Search: "   "},
		{Site: search.PrimarySite, Search: "nike", ItemsPerPage: intPtr(51)},
		{Site: search.SecondarySite, Search: "nike", Country: "pl"},
	}
	for _, q := range bad {
		_, err := h.coord.Search(ctx, q)
		var verr *search.ValidationError
		require.ErrorAs(t, err, &verr)
	}

	require.Zero(t, h.primary.calls.Load())
	require.Zero(t, h.limiter.State(search.PrimarySite).Count)
	require.Zero(t, h.limiter.State(search.SecondarySite).Count)
	stats := h.cache.Stats(ctx)
	require.Zero(t, stats.Hits+stats.Misses)
	require.Equal(t, breaker.StateClosed, h.breakers.For(search.PrimarySite).State())
	require.Equal(t, []events.Outcome{events.OutcomeInvalid, events.OutcomeInvalid, events.OutcomeInvalid}, h.events.outcomes())
}

func TestSearchRateLimitedAfterBudgetSpent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{limits: ratelimit.Config{
		Default: ratelimit.SiteConfig{Limit: 2, MinLimit: 1, Window: time.Minute},
	}})
	ctx := context.Background()

	for i := range 2 {
		q := nikeQuery()
		q.Search = fmt.Sprintf("nike %d", i)
		_, err := h.coord.Search(ctx, q)
		require.NoError(t, err)
	}

	h.clock.Advance(15 * time.Second)
	q := nikeQuery()
	q.Search = "adidas"
	_, err := h.coord.Search(ctx, q)
	var limited *search.RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.Equal(t, search.PrimarySite, limited.Site)
	require.Equal(t, 45*time.Second, limited.ResetIn)
	require.EqualValues(t, 2, h.primary.calls.Load())

	// Cached pages are still served while the budget is spent.
	cached := nikeQuery()
	cached.Search = "nike 0"
	_, err = h.coord.Search(ctx, cached)
	require.NoError(t, err)

	h.clock.Advance(45 * time.Second)
	_, err = h.coord.Search(ctx, q)
	require.NoError(t, err)
}

func TestSearchBreakerOpensAndRefundsAdmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{
		limits:  ratelimit.Config{Default: ratelimit.SiteConfig{Limit: 10, MinLimit: 1}},
		breaker: breaker.Config{FailureThreshold: 2, Cooldown: 30 * time.Second},
	})
	ctx := context.Background()
	boom := errors.New("status 500")
	h.primary.set(failing(boom))

	for range 2 {
		_, err := h.coord.Search(ctx, nikeQuery())
		var upstream *search.UpstreamError
		require.ErrorAs(t, err, &upstream)
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, breaker.StateOpen, h.breakers.For(search.PrimarySite).State())
	// 10 shrinks to 8, halves to 4 when the breaker opens, then shrinks to 3.
	require.Equal(t, 3, h.limiter.CurrentLimit(search.PrimarySite))

	h.clock.Advance(10 * time.Second)
	_, err := h.coord.Search(ctx, nikeQuery())
	var open *search.BreakerOpenError
	require.ErrorAs(t, err, &open)
	require.Equal(t, 20*time.Second, open.RetryIn)
	require.EqualValues(t, 2, h.primary.calls.Load())
	require.Equal(t, 2, h.limiter.State(search.PrimarySite).Count)

	// Secondary is unaffected.
	_, err = h.coord.Search(ctx, search.Query{Site: search.SecondarySite, Search: "nike"})
	require.NoError(t, err)

	h.clock.Advance(20 * time.Second)
	samplePrimary := sample.New(sample.Config{Site: search.PrimarySite})
	h.primary.set(samplePrimary.FetchListings)
	_, err = h.coord.Search(ctx, nikeQuery())
	require.NoError(t, err)
	stats := h.breakers.For(search.PrimarySite).Stats()
	require.Equal(t, breaker.StateClosed, stats.State)
	require.Zero(t, stats.FailureCount)

	require.Equal(t, []events.Outcome{
		events.OutcomeUpstreamFailure,
		events.OutcomeUpstreamFailure,
		events.OutcomeBreakerOpen,
		events.OutcomeScraped,
		events.OutcomeScraped,
	}, h.events.outcomes())
}

func TestSearchFailedTrialReopensBreaker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{breaker: breaker.Config{FailureThreshold: 1, Cooldown: time.Minute}})
	ctx := context.Background()
	h.primary.set(failing(errors.New("down")))

	_, err := h.coord.Search(ctx, nikeQuery())
	require.Equal(t, search.KindUpstream, search.Kind(err))

	h.clock.Advance(time.Minute)
	_, err = h.coord.Search(ctx, nikeQuery())
	require.Equal(t, search.KindUpstream, search.Kind(err))
	stats := h.breakers.For(search.PrimarySite).Stats()
	require.Equal(t, breaker.StateOpen, stats.State)
	require.Equal(t, h.clock.Now(), stats.OpenedAt)

	_, err = h.coord.Search(ctx, nikeQuery())
	require.Equal(t, search.KindBreakerOpen, search.Kind(err))
	require.EqualValues(t, 2, h.primary.calls.Load())
}

func TestSearchTimeoutCountsAsUpstreamFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{coord: Config{AdapterTimeout: 20 * time.Millisecond}})
	h.primary.set(func(ctx context.Context, _ search.Request) (search.RawPage, error) {
		<-ctx.Done()
		return search.RawPage{}, fmt.Errorf("fetch: %w", ctx.Err())
	})

	_, err := h.coord.Search(context.Background(), nikeQuery())
	var upstream *search.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, h.breakers.For(search.PrimarySite).Stats().FailureCount)
}

func TestSearchCallerCancellationIsNotABreakerFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	h.primary.set(func(ctx context.Context, _ search.Request) (search.RawPage, error) {
		cancel()
		<-ctx.Done()
		return search.RawPage{}, ctx.Err()
	})

	_, err := h.coord.Search(ctx, nikeQuery())
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, h.breakers.For(search.PrimarySite).Stats().FailureCount)
}

func TestSearchDropsUnmappableListings(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{})
	h.primary.set(func(context.Context, search.Request) (search.RawPage, error) {
		return search.RawPage{
			BaseURL: "https://primary.example",
			Items: []search.RawListing{
				{Title: "Nike Air Max", Price: "£1,180", DetailURL: "/items/1"},
				{Brand: "orphan"},
				{DetailURL: "https://primary.example/items/3", Size: " "},
			},
		}, nil
	})

	page, err := h.coord.Search(context.Background(), nikeQuery())
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, "£1180.00", page.Items[0].Price)
	require.Equal(t, "https://primary.example/items/1", page.Items[0].DetailURL)
	require.Nil(t, page.Items[1].Size)
	require.Equal(t, 2, page.Pagination.TotalItems)
	require.False(t, page.Pagination.HasMore)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.Equal(t, 1, h.events.events[0].Dropped)
}

func TestSearchAllListingsUnmappableIsUpstreamFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{})
	h.primary.set(func(context.Context, search.Request) (search.RawPage, error) {
		return search.RawPage{Items: []search.RawListing{{Brand: "a"}, {Seller: "b"}}}, nil
	})

	_, err := h.coord.Search(context.Background(), nikeQuery())
	var upstream *search.UpstreamError
	require.ErrorAs(t, err, &upstream)
	var norm *search.NormalizationError
	require.ErrorAs(t, err, &norm)
	require.Equal(t, 1, h.breakers.For(search.PrimarySite).Stats().FailureCount)

	_, err = h.coord.Search(context.Background(), nikeQuery())
	require.Error(t, err)
	require.EqualValues(t, 2, h.primary.calls.Load())
}

func TestSearchEmptyPageIsSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{})
	h.primary.set(func(context.Context, search.Request) (search.RawPage, error) {
		return search.RawPage{}, nil
	})

	page, err := h.coord.Search(context.Background(), nikeQuery())
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.Equal(t, 1, page.Pagination.TotalPages)
	require.False(t, page.Pagination.HasMore)
}

func TestSearchConcurrencyGateRefundsAdmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{coord: Config{MaxConcurrent: 1}})
	entered := make(chan struct{})
	release := make(chan struct{})
	samplePrimary := sample.New(sample.Config{Site: search.PrimarySite})
	h.primary.set(func(ctx context.Context, req search.Request) (search.RawPage, error) {
		close(entered)
		<-release
		return samplePrimary.FetchListings(ctx, req)
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Search(context.Background(), nikeQuery())
		done <- err
	}()
	<-entered

	q := nikeQuery()
	q.Search = "adidas"
	_, err := h.coord.Search(context.Background(), q)
	var limited *search.RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.Contains(t, limited.Error(), "concurrent")
	require.Equal(t, 1, h.limiter.State(search.PrimarySite).Count)

	close(release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, h.primary.calls.Load())
}

func TestSearchDedupeSharesInflightScrape(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{coord: Config{DedupeInflight: true}})
	release := make(chan struct{})
	samplePrimary := sample.New(sample.Config{Site: search.PrimarySite})
	h.primary.set(func(ctx context.Context, req search.Request) (search.RawPage, error) {
		<-release
		return samplePrimary.FetchListings(ctx, req)
	})

	const callers = 4
	var wg sync.WaitGroup
	pages := make([]search.ResultPage, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pages[i], errs[i] = h.coord.Search(context.Background(), nikeQuery())
		}()
	}
	require.Eventually(t, func() bool { return h.primary.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, pages[0], pages[i])
	}
	require.EqualValues(t, 1, h.primary.calls.Load())
}

func TestSearchDedupeSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{coord: Config{DedupeInflight: true}})
	release := make(chan struct{})
	samplePrimary := sample.New(sample.Config{Site: search.PrimarySite})
	h.primary.set(func(ctx context.Context, req search.Request) (search.RawPage, error) {
		<-release
		return samplePrimary.FetchListings(ctx, req)
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.coord.Search(firstCtx, nikeQuery())
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return h.primary.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		page search.ResultPage
		err  error
	}
	second := make(chan result, 1)
	go func() {
		page, err := h.coord.Search(context.Background(), nikeQuery())
		second <- result{page: page, err: err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared scrape")
	}

	close(release)
	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.page.Items, 5)
	require.EqualValues(t, 1, h.primary.calls.Load())

	_, err := h.coord.Search(context.Background(), nikeQuery())
	require.NoError(t, err)
	require.EqualValues(t, 1, h.primary.calls.Load())
	require.Equal(t, breaker.StateClosed, h.coord.Health(context.Background()).CircuitBreaker.State)
}

func TestHealthReflectsControlPlane(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{
		limits:  ratelimit.Config{Default: ratelimit.SiteConfig{Limit: 10, MinLimit: 1}},
		breaker: breaker.Config{FailureThreshold: 1},
	})
	ctx := context.Background()

	snap := h.coord.Health(ctx)
	require.Equal(t, breaker.StateClosed, snap.CircuitBreaker.State)
	require.Equal(t, 10, snap.RateLimiter.CurrentLimit)
	require.Equal(t, map[search.Site]bool{search.PrimarySite: true, search.SecondarySite: true}, snap.Endpoints)

	_, err := h.coord.Search(ctx, search.Query{Site: search.SecondarySite, Search: "chanel"})
	require.NoError(t, err)
	_, err = h.coord.Search(ctx, search.Query{Site: search.SecondarySite, Search: "chanel"})
	require.NoError(t, err)
	h.primary.set(failing(errors.New("down")))
	_, err = h.coord.Search(ctx, nikeQuery())
	require.Error(t, err)

	snap = h.coord.Health(ctx)
	require.Equal(t, breaker.StateOpen, snap.CircuitBreaker.State)
	require.False(t, snap.Endpoints[search.PrimarySite])
	require.True(t, snap.Endpoints[search.SecondarySite])
	require.Equal(t, snap.Endpoints, h.coord.Endpoints())
	require.Less(t, snap.RateLimiter.CurrentLimit, 10)
	require.EqualValues(t, 1, snap.Cache.Hits)
	require.EqualValues(t, 2, snap.Cache.Misses)
	require.InDelta(t, 1.0/3.0, snap.Cache.HitRate, 1e-9)
	require.NotNil(t, snap.Cache.Entries)
	require.Equal(t, 1, *snap.Cache.Entries)

	// Reading health twice changes nothing.
	require.Equal(t, snap, h.coord.Health(ctx))
}

func TestResetClearsCacheAndRestoresLimits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessConfig{
		limits:  ratelimit.Config{Default: ratelimit.SiteConfig{Limit: 10, MinLimit: 1}},
		breaker: breaker.Config{FailureThreshold: 5},
	})
	ctx := context.Background()

	_, err := h.coord.Search(ctx, nikeQuery())
	require.NoError(t, err)
	h.primary.set(failing(errors.New("down")))
	q := nikeQuery()
	q.Search = "adidas"
	_, err = h.coord.Search(ctx, q)
	require.Error(t, err)
	require.Less(t, h.limiter.CurrentLimit(search.PrimarySite), 10)

	require.NoError(t, h.coord.Reset(ctx))
	require.Equal(t, 10, h.limiter.CurrentLimit(search.PrimarySite))
	require.Zero(t, h.limiter.State(search.PrimarySite).Count)
	stats := h.cache.Stats(ctx)
	require.NotNil(t, stats.Entries)
	require.Zero(t, *stats.Entries)
	require.Zero(t, stats.Hits+stats.Misses)
	require.Equal(t, 1, h.breakers.For(search.PrimarySite).Stats().FailureCount)
}

func TestNewRejectsIncompleteWiring(t *testing.T) {
	t.Parallel()
	clk := manual.New(epoch)
	store, err := cache.NewMemoryStore(10, clk)
	require.NoError(t, err)
	c := cache.New(store, clk, nil)
	l := ratelimit.New(ratelimit.Config{}, clk)
	r := breaker.NewRegistry(breaker.Config{}, nil, clk, nil)

	_, err = New(Config{}, c, l, r, nil, clk)
	require.Error(t, err)
	_, err = New(Config{}, c, l, r, map[search.Site]search.SiteAdapter{"tertiary": sample.New(sample.Config{})}, clk)
	require.Error(t, err)

	coord, err := New(Config{}, c, l, r, map[search.Site]search.SiteAdapter{
		search.SecondarySite: sample.New(sample.Config{Site: search.SecondarySite}),
	}, clk)
	require.NoError(t, err)
	require.Equal(t, []search.Site{search.SecondarySite}, coord.Sites())
	_, err = coord.Search(context.Background(), nikeQuery())
	require.Equal(t, search.KindValidation, search.Kind(err))
}
