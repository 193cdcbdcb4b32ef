package search

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures that cross the gateway boundary.
type ErrorKind string

// Boundary error kinds. KindInternal covers anything unexpected.
const (
	KindValidation    ErrorKind = "validation"
	KindRateLimited   ErrorKind = "rate_limited"
	KindBreakerOpen   ErrorKind = "breaker_open"
	KindUpstream      ErrorKind = "upstream_failure"
	KindNormalization ErrorKind = "normalization"
	KindInternal      ErrorKind = "internal"
)

// ValidationError rejects malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RateLimitedError signals outbound admission was denied for Site.
type RateLimitedError struct {
	Site    Site
	ResetIn time.Duration
	Reason  string
}

func (e *RateLimitedError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "rate limit exceeded"
	}
	return fmt.Sprintf("%s: %s, retry in %s", e.Site, reason, e.ResetIn.Round(time.Second))
}

// BreakerOpenError signals the call was short-circuited without contacting Site.
type BreakerOpenError struct {
	Site    Site
	RetryIn time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("%s: upstream unavailable (circuit open), retry in %s", e.Site, e.RetryIn.Round(time.Second))
}

// UpstreamError wraps an adapter failure or timeout.
type UpstreamError struct {
	Site Site
	Err  error
}

func (e *UpstreamError) Error() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s: upstream timed out", e.Site)
	}
	return fmt.Sprintf("%s: upstream request failed: %v", e.Site, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NormalizationError describes one raw listing that could not be mapped.
type NormalizationError struct {
	Index int
	// ID is the upstream listing id, when the adapter found one.
	ID     string
	Reason string
}

func (e *NormalizationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("listing %d (%s): %s", e.Index, e.ID, e.Reason)
	}
	return fmt.Sprintf("listing %d: %s", e.Index, e.Reason)
}

// Kind classifies err for status mapping and metrics.
func Kind(err error) ErrorKind {
	var (
		validation    *ValidationError
		rateLimited   *RateLimitedError
		breakerOpen   *BreakerOpenError
		upstream      *UpstreamError
		normalization *NormalizationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &rateLimited):
		return KindRateLimited
	case errors.As(err, &breakerOpen):
		return KindBreakerOpen
	case errors.As(err, &upstream):
		return KindUpstream
	case errors.As(err, &normalization):
		return KindNormalization
	default:
		return KindInternal
	}
}
