// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements search.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current local time with its monotonic reading intact, so
// window and cool-down arithmetic is immune to wall-clock jumps. Convert to
// UTC only when rendering.
func (Clock) Now() time.Time {
	return time.Now()
}

// Since reports the elapsed time since t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
