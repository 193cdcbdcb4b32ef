package events

import (
	"errors"
	"fmt"
	"time"
)

// Outcome is how a search was resolved.
type Outcome string

// Supported outcomes.
const (
	OutcomeHit             Outcome = "hit"
	OutcomeScraped         Outcome = "scraped"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeBreakerOpen     Outcome = "breaker_open"
	OutcomeUpstreamFailure Outcome = "upstream_failure"
	OutcomeInvalid         Outcome = "invalid"
)

// Event captures a single resolved search.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Site is the upstream the search targeted. Invalid searches may omit it.
	Site string `json:"site,omitempty"`
	// Fingerprint is the cache key of the canonical request.
	Fingerprint string `json:"fingerprint,omitempty"`
	// Outcome says how the search was resolved.
	Outcome Outcome `json:"outcome"`
	// Items is the number of listings returned.
	Items int `json:"items"`
	// Dropped counts raw listings that failed normalization.
	Dropped int `json:"dropped"`
	// Dur is the end-to-end coordinator latency.
	Dur time.Duration `json:"dur_ns"`
	// Note carries low-volume context such as an error message.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Outcome {
	case OutcomeInvalid:
	case OutcomeHit, OutcomeScraped, OutcomeRateLimited, OutcomeBreakerOpen, OutcomeUpstreamFailure:
		if e.Site == "" {
			return fmt.Errorf("%s event requires site", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Items < 0 || e.Dropped < 0 {
		return errors.New("counts must be >= 0")
	}
	return nil
}
