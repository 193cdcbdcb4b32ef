// Package adaptive decides how a site's admission limit reacts to upstream
// outcomes.
package adaptive

import "math"

// Outcome is what happened on the upstream call that triggers an adjustment.
type Outcome int

const (
	// Success means the adapter returned a usable page.
	Success Outcome = iota
	// Failure means the adapter errored, timed out or returned nothing usable.
	Failure
	// BreakerOpened means the site's breaker just tripped.
	BreakerOpened
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case BreakerOpened:
		return "breaker_opened"
	default:
		return "unknown"
	}
}

// Input is what a Policy sees.
type Input struct {
	Outcome Outcome
	Current int
	Base    int
	Min     int
}

// Policy returns the next limit. The limiter clamps the result to
// [Min, Base], so a policy may return anything.
type Policy func(Input) int

// Growth and shrink factors applied by Default.
const (
	GrowFactor   = 1.2
	ShrinkFactor = 0.8
)

// Default grows the limit by 20% (at least one) on success, shrinks it by
// 20% on failure and halves it when the breaker opens.
func Default(in Input) int {
	switch in.Outcome {
	case Success:
		next := int(math.Floor(float64(in.Current) * GrowFactor))
		if next <= in.Current {
			next = in.Current + 1
		}
		return clamp(next, in)
	case Failure:
		return clamp(int(math.Floor(float64(in.Current)*ShrinkFactor)), in)
	case BreakerOpened:
		return clamp(in.Current/2, in)
	default:
		return in.Current
	}
}

// Static never changes the limit.
func Static(in Input) int {
	return in.Current
}

// ByName resolves a configured policy name. Unknown names fall back to Default.
func ByName(name string) Policy {
	switch name {
	case "static", "off":
		return Static
	default:
		return Default
	}
}

func clamp(v int, in Input) int {
	if in.Base > 0 && v > in.Base {
		v = in.Base
	}
	if v < in.Min {
		v = in.Min
	}
	if v < 1 {
		v = 1
	}
	return v
}
