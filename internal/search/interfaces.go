package search

import (
	"context"
	"time"
)

// SiteAdapter fetches one page of raw listings from a single marketplace.
// Implementations must honor ctx cancellation.
type SiteAdapter interface {
	FetchListings(ctx context.Context, req Request) (RawPage, error)
}

// SiteAdapterFunc adapts a function to SiteAdapter.
type SiteAdapterFunc func(ctx context.Context, req Request) (RawPage, error)

// FetchListings calls f.
func (f SiteAdapterFunc) FetchListings(ctx context.Context, req Request) (RawPage, error) {
	return f(ctx, req)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
