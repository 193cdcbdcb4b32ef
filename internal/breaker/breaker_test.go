package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resale-search-gateway/internal/clock/manual"
	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *recorder) notify(site search.Site, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, site.String()+":"+from.String()+"->"+to.String())
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func fail(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ticket, _, err := b.Allow()
		require.NoError(t, err)
		ticket.Failure()
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()
	clk := manual.New(epoch)
	rec := &recorder{}
	b := New(search.PrimarySite, Config{FailureThreshold: 5, Cooldown: time.Minute}, clk, rec.notify)

	fail(t, b, 4)
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, 4, b.Stats().FailureCount)

	fail(t, b, 1)
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, []string{"primary:CLOSED->OPEN"}, rec.list())

	clk.Advance(20 * time.Second)
	_, retryIn, err := b.Allow()
	require.ErrorIs(t, err, ErrOpen)
	require.Equal(t, 40*time.Second, retryIn)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	t.Parallel()
	b := New(search.PrimarySite, Config{FailureThreshold: 3}, manual.New(epoch), nil)

	fail(t, b, 2)
	ticket, _, err := b.Allow()
	require.NoError(t, err)
	ticket.Success()
	require.Zero(t, b.Stats().FailureCount)

	fail(t, b, 2)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerForgetsStaleFailures(t *testing.T) {
	t.Parallel()
	clk := manual.New(epoch)
	b := New(search.PrimarySite, Config{FailureThreshold: 3, ObservationWindow: time.Minute}, clk, nil)

	fail(t, b, 2)
	clk.Advance(61 * time.Second)
	fail(t, b, 1)
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, 1, b.Stats().FailureCount)
}

func TestBreakerWindowAnchoredAtFirstFailure(t *testing.T) {
	t.Parallel()
	clk := manual.New(epoch)
	b := New(search.PrimarySite, Config{FailureThreshold: 5, ObservationWindow: time.Minute}, clk, nil)

	// Each gap fits the window but the whole run spans 200s.
	for i := range 5 {
		if i > 0 {
			clk.Advance(50 * time.Second)
		}
		fail(t, b, 1)
		require.Equal(t, StateClosed, b.State(), "failure %d", i+1)
	}
	require.Less(t, b.Stats().FailureCount, 5)

	// A burst inside one window still trips.
	clk.Advance(2 * time.Minute)
	fail(t, b, 5)
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	t.Parallel()
	clk := manual.New(epoch)
	rec := &recorder{}
	b := New(search.PrimarySite, Config{FailureThreshold: 1, Cooldown: time.Minute}, clk, rec.notify)

	fail(t, b, 1)
	clk.Advance(time.Minute)

	trial, _, err := b.Allow()
	require.NoError(t, err)
	require.True(t, trial.Probe())
	require.Equal(t, StateHalfOpen, b.State())

	_, _, err = b.Allow()
	require.ErrorIs(t, err, ErrOpen, "competitors are short-circuited while the trial is in flight")

	trial.Success()
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.Stats().FailureCount)
	require.Equal(t, []string{
		"primary:CLOSED->OPEN",
		"primary:OPEN->HALF_OPEN",
		"primary:HALF_OPEN->CLOSED",
	}, rec.list())
}

func TestBreakerTrialFailureRestartsCooldown(t *testing.T) {
	t.Parallel()
	clk := manual.New(epoch)
	b := New(search.PrimarySite, Config{FailureThreshold: 1, Cooldown: time.Minute}, clk, nil)

	fail(t, b, 1)
	clk.Advance(90 * time.Second)

	trial, _, err := b.Allow()
	require.NoError(t, err)
	trial.Failure()
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, clk.Now(), b.Stats().OpenedAt)

	clk.Advance(59 * time.Second)
	_, _, err = b.Allow()
	require.ErrorIs(t, err, ErrOpen)

	clk.Advance(time.Second)
	trial, _, err = b.Allow()
	require.NoError(t, err)
	require.True(t, trial.Probe())
}

func TestBreakerCancelledTrialFreesSlot(t *testing.T) {
	t.Parallel()
	clk := manual.New(epoch)
	b := New(search.PrimarySite, Config{FailureThreshold: 1, Cooldown: time.Minute}, clk, nil)

	fail(t, b, 1)
	clk.Advance(time.Minute)

	trial, _, err := b.Allow()
	require.NoError(t, err)
	trial.Cancel()
	trial.Success() // ignored after Cancel
	require.Equal(t, StateHalfOpen, b.State())

	next, _, err := b.Allow()
	require.NoError(t, err)
	require.True(t, next.Probe())
}

func TestBreakerSingleTrialUnderConcurrency(t *testing.T) {
	t.Parallel()
	clk := manual.New(epoch)
	b := New(search.PrimarySite, Config{FailureThreshold: 1, Cooldown: time.Minute}, clk, nil)
	fail(t, b, 1)
	clk.Advance(time.Minute)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := b.Allow(); err == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), allowed.Load())
}

func TestRegistryIsolatesSites(t *testing.T) {
	t.Parallel()
	clk := manual.New(epoch)
	r := NewRegistry(Config{FailureThreshold: 2}, map[search.Site]Config{
		search.SecondarySite: {FailureThreshold: 1},
	}, clk, nil)

	require.Same(t, r.For(search.PrimarySite), r.For(search.PrimarySite))

	fail(t, r.For(search.SecondarySite), 1)
	fail(t, r.For(search.PrimarySite), 1)

	snap := r.Snapshot()
	require.Equal(t, StateOpen, snap[search.SecondarySite].State)
	require.Equal(t, StateClosed, snap[search.PrimarySite].State)
	require.Equal(t, time.Duration(DefaultCooldown), r.For(search.SecondarySite).cfg.Cooldown)
}

func TestStateOrdering(t *testing.T) {
	t.Parallel()
	require.True(t, StateOpen.Worse(StateHalfOpen))
	require.True(t, StateHalfOpen.Worse(StateClosed))
	require.False(t, StateClosed.Worse(StateOpen))

	raw, err := StateHalfOpen.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `"HALF_OPEN"`, string(raw))
}
