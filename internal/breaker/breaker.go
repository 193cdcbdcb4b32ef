// Package breaker stops the gateway from calling an upstream site that keeps
// failing, and lets a single probe test for recovery after a cool-down.
package breaker

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// ErrOpen is returned by Allow when the call is short-circuited.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateHalfOpen lets exactly one probe through.
	StateHalfOpen
	// StateOpen short-circuits every call.
	StateOpen
)

// String returns the state name used in the health document.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the state name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Worse reports whether s is more degraded than other (OPEN > HALF_OPEN > CLOSED).
func (s State) Worse(other State) bool {
	return s > other
}

// Defaults used when Config leaves a field unset.
const (
	DefaultFailureThreshold  = 5
	DefaultCooldown          = 60 * time.Second
	DefaultObservationWindow = 60 * time.Second
)

// Config configures one breaker.
type Config struct {
	// FailureThreshold is the number of recent failures that opens the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
	// ObservationWindow is how long after the first counted failure further
	// failures still add up toward the threshold.
	ObservationWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.ObservationWindow <= 0 {
		c.ObservationWindow = DefaultObservationWindow
	}
	return c
}

// StateChangeFunc observes transitions.
type StateChangeFunc func(site search.Site, from, to State)

// Breaker guards one upstream site.
type Breaker struct {
	site   search.Site
	cfg    Config
	clock  search.Clock
	notify StateChangeFunc

	mu            sync.Mutex
	state         State
	failures      int
	windowStart   time.Time
	lastFailureAt time.Time
	openedAt      time.Time
	probeInFlight bool
}

// New creates a closed Breaker for site.
func New(site search.Site, cfg Config, clock search.Clock, notify StateChangeFunc) *Breaker {
	return &Breaker{
		site:   site,
		cfg:    cfg.withDefaults(),
		clock:  clock,
		notify: notify,
		state:  StateClosed,
	}
}

// Ticket carries the permission to make one upstream call. Exactly one of
// Success, Failure or Cancel should be called; later calls are ignored.
type Ticket struct {
	b     *Breaker
	probe bool
	once  sync.Once
}

// Probe reports whether this ticket is the half-open trial call.
func (t *Ticket) Probe() bool {
	return t.probe
}

// Success records a successful call.
func (t *Ticket) Success() {
	t.once.Do(func() { t.b.onSuccess(t.probe) })
}

// Failure records a failed call.
func (t *Ticket) Failure() {
	t.once.Do(func() { t.b.onFailure(t.probe) })
}

// Cancel gives the ticket back without an outcome. A cancelled probe frees
// the half-open slot for the next caller.
func (t *Ticket) Cancel() {
	t.once.Do(func() { t.b.onCancel(t.probe) })
}

// Allow returns a ticket when the call may proceed, or ErrOpen together with
// the time left until a probe will be admitted.
func (b *Breaker) Allow() (*Ticket, time.Duration, error) {
	b.mu.Lock()
	var changed *transition
	defer func() {
		b.mu.Unlock()
		b.fire(changed)
	}()

	now := b.clock.Now()
	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return nil, b.cfg.Cooldown - elapsed, ErrOpen
		}
		changed = b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return &Ticket{b: b, probe: true}, 0, nil
	case StateHalfOpen:
		if b.probeInFlight {
			return nil, 0, ErrOpen
		}
		b.probeInFlight = true
		return &Ticket{b: b, probe: true}, 0, nil
	default:
		return &Ticket{b: b}, 0, nil
	}
}

func (b *Breaker) onSuccess(probe bool) {
	b.mu.Lock()
	var changed *transition
	defer func() {
		b.mu.Unlock()
		b.fire(changed)
	}()

	if probe {
		b.probeInFlight = false
		if b.state == StateHalfOpen {
			changed = b.transitionLocked(StateClosed)
		}
	}
	if b.state == StateClosed {
		b.failures = 0
	}
}

func (b *Breaker) onFailure(probe bool) {
	b.mu.Lock()
	var changed *transition
	defer func() {
		b.mu.Unlock()
		b.fire(changed)
	}()

	now := b.clock.Now()
	if probe {
		b.probeInFlight = false
		if b.state == StateHalfOpen {
			b.lastFailureAt = now
			b.openedAt = now
			changed = b.transitionLocked(StateOpen)
		}
		return
	}
	if b.state != StateClosed {
		return
	}
	// The window opens at the first failure counted in it, not the latest.
	if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.ObservationWindow {
		b.failures = 0
		b.windowStart = now
	}
	b.failures++
	b.lastFailureAt = now
	if b.failures >= b.cfg.FailureThreshold {
		b.openedAt = now
		changed = b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) onCancel(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

type transition struct {
	from, to State
}

// transitionLocked moves to next. Caller holds b.mu and must pass the result
// to fire after unlocking.
func (b *Breaker) transitionLocked(next State) *transition {
	if b.state == next {
		return nil
	}
	t := &transition{from: b.state, to: next}
	b.state = next
	if next == StateClosed {
		b.failures = 0
	}
	return t
}

func (b *Breaker) fire(t *transition) {
	if t != nil && b.notify != nil {
		b.notify(b.site, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed still reports OPEN until the next call claims the probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	OpenedAt      time.Time `json:"opened_at,omitzero"`
	ProbeInFlight bool      `json:"probe_in_flight"`
}

// Stats returns current statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.state,
		FailureCount:  b.failures,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
		ProbeInFlight: b.probeInFlight,
	}
}
