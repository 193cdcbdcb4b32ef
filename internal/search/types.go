// Package search defines the request, listing, and result types shared by the
// gateway's cache, resilience, adapter, and HTTP layers.
package search

import (
	"strings"
)

// Site identifies one upstream marketplace.
type Site string

// Supported upstream sites.
const (
	PrimarySite   Site = "primary"
	SecondarySite Site = "secondary"
)

// Sites lists every upstream in a stable order.
func Sites() []Site {
	return []Site{PrimarySite, SecondarySite}
}

// ParseSite maps a route or config label onto a Site.
func ParseSite(raw string) (Site, bool) {
	switch Site(strings.ToLower(strings.TrimSpace(raw))) {
	case PrimarySite:
		return PrimarySite, true
	case SecondarySite:
		return SecondarySite, true
	default:
		return "", false
	}
}

func (s Site) String() string {
	return string(s)
}

// Listing is the canonical product record served to callers. Empty strings
// mark fields the upstream did not provide; Size is nil when unknown.
type Listing struct {
	Title     string  `json:"title"`
	Price     string  `json:"price"`
	Brand     string  `json:"brand"`
	Size      *string `json:"size"`
	ImageURL  string  `json:"image_url"`
	DetailURL string  `json:"detail_url"`
	Condition string  `json:"condition"`
	Seller    string  `json:"seller"`
}

// Pagination describes where a ResultPage sits in the full result set.
type Pagination struct {
	CurrentPage  int  `json:"current_page"`
	TotalPages   int  `json:"total_pages"`
	ItemsPerPage int  `json:"items_per_page"`
	TotalItems   int  `json:"total_items"`
	HasMore      bool `json:"has_more"`
}

// ResultPage is one normalized page of listings.
type ResultPage struct {
	Items      []Listing  `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// Clone returns a deep copy so cached pages never share mutable state with callers.
func (p ResultPage) Clone() ResultPage {
	cp := ResultPage{Pagination: p.Pagination}
	if p.Items == nil {
		return cp
	}
	cp.Items = make([]Listing, len(p.Items))
	for i, item := range p.Items {
		cp.Items[i] = item
		if item.Size != nil {
			size := *item.Size
			cp.Items[i].Size = &size
		}
	}
	return cp
}

// RawListing is an adapter's unnormalized view of one listing. Adapters fill
// whatever they could extract; normalization decides what survives.
type RawListing struct {
	ID          string
	Title       string
	Price       string
	Amount      *float64
	Currency    string
	Brand       string
	Size        string
	ImageURL    string
	DetailURL   string
	Condition   string
	Seller      string
	Description string
}

// RawPage is what a SiteAdapter returns for one search.
type RawPage struct {
	Items []RawListing
	// TotalItems and TotalPages are zero when the upstream does not report them.
	TotalItems int
	TotalPages int
	// BaseURL resolves relative links found in Items.
	BaseURL string
}
