package search

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Request bounds.
const (
	DefaultPage         = 1
	DefaultItemsPerPage = 50
	MaxItemsPerPage     = 50
	MaxQueryLength      = 200
)

// PriceBound is an optional, non-negative price filter.
type PriceBound struct {
	Amount float64
	Valid  bool
}

func (b PriceBound) String() string {
	if !b.Valid {
		return "-"
	}
	return strconv.FormatFloat(b.Amount, 'f', -1, 64)
}

// Query carries inbound search parameters before validation. Nil pointers
// mean the caller omitted the field.
type Query struct {
	Site         Site
	Search       string
	Page         *int
	ItemsPerPage *int
	MinPrice     *float64
	MaxPrice     *float64
	Country      string
	Sold         bool
}

// Request is a validated, canonical search. It is a value type; callers get
// copies and the coordinator never mutates one after construction.
type Request struct {
	Query        string
	Page         int
	ItemsPerPage int
	MinPrice     PriceBound
	MaxPrice     PriceBound
	Country      string
	Site         Site
	Sold         bool
}

// Rules lists the countries each site accepts.
type Rules struct {
	Countries      map[Site][]string
	DefaultCountry map[Site]string
}

// DefaultRules mirrors the markets both upstreams serve.
func DefaultRules() Rules {
	return Rules{
		Countries: map[Site][]string{
			PrimarySite:   {"uk", "fr", "de", "es", "it", "nl", "be", "pl", "lt", "cz", "at", "pt", "lu", "us"},
			SecondarySite: {"uk", "fr", "de", "it", "es", "us"},
		},
		DefaultCountry: map[Site]string{
			PrimarySite:   "uk",
			SecondarySite: "uk",
		},
	}
}

// Supports reports whether country is valid for site.
func (r Rules) Supports(site Site, country string) bool {
	return slices.Contains(r.Countries[site], country)
}

// NewRequest validates q against rules and returns its canonical form. The
// first violation found is returned as a *ValidationError.
func NewRequest(q Query, rules Rules) (Request, error) {
	if _, ok := ParseSite(string(q.Site)); !ok {
		return Request{}, invalid("site", "unknown site %q", q.Site)
	}
	query := CanonicalQuery(q.Search)
	if query == "" {
		return Request{}, invalid("search", "query is required")
	}
	if len(query) > MaxQueryLength {
		return Request{}, invalid("search", "query longer than %d characters", MaxQueryLength)
	}

	req := Request{
		Query:        query,
		Page:         DefaultPage,
		ItemsPerPage: DefaultItemsPerPage,
		Site:         q.Site,
		Sold:         q.Sold,
	}
	if q.Page != nil {
		if *q.Page < 1 {
			return Request{}, invalid("page", "must be >= 1, got %d", *q.Page)
		}
		req.Page = *q.Page
	}
	if q.ItemsPerPage != nil {
		if *q.ItemsPerPage < 1 || *q.ItemsPerPage > MaxItemsPerPage {
			return Request{}, invalid("items_per_page", "must be between 1 and %d, got %d", MaxItemsPerPage, *q.ItemsPerPage)
		}
		req.ItemsPerPage = *q.ItemsPerPage
	}

	var err error
	if req.MinPrice, err = priceBound("min_price", q.MinPrice); err != nil {
		return Request{}, err
	}
	if req.MaxPrice, err = priceBound("max_price", q.MaxPrice); err != nil {
		return Request{}, err
	}
	if req.MinPrice.Valid && req.MaxPrice.Valid && req.MinPrice.Amount > req.MaxPrice.Amount {
		return Request{}, invalid("min_price", "must not exceed max_price (%s > %s)", req.MinPrice, req.MaxPrice)
	}

	country := strings.ToLower(strings.TrimSpace(q.Country))
	if country == "" {
		country = rules.DefaultCountry[q.Site]
	}
	if !rules.Supports(q.Site, country) {
		return Request{}, invalid("country", "%q is not supported for %s", country, q.Site)
	}
	req.Country = country
	return req, nil
}

func priceBound(field string, v *float64) (PriceBound, error) {
	if v == nil {
		return PriceBound{}, nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return PriceBound{}, invalid(field, "must be a non-negative number")
	}
	return PriceBound{Amount: *v, Valid: true}, nil
}

// CanonicalQuery lowercases, trims, and collapses internal whitespace.
func CanonicalQuery(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// Fingerprint derives the cache key for a canonical request. Every field that
// changes the upstream result participates; the site prefix keeps keys
// readable in shared stores.
func Fingerprint(r Request) string {
	var b strings.Builder
	b.WriteString("q=")
	b.WriteString(url.QueryEscape(r.Query))
	b.WriteString("\npage=")
	b.WriteString(strconv.Itoa(r.Page))
	b.WriteString("\nipp=")
	b.WriteString(strconv.Itoa(r.ItemsPerPage))
	b.WriteString("\nmin=")
	b.WriteString(r.MinPrice.String())
	b.WriteString("\nmax=")
	b.WriteString(r.MaxPrice.String())
	b.WriteString("\ncountry=")
	b.WriteString(r.Country)
	b.WriteString("\nsold=")
	b.WriteString(strconv.FormatBool(r.Sold))
	sum := sha256.Sum256([]byte(b.String()))
	return string(r.Site) + "_" + hex.EncodeToString(sum[:])
}

// QueryFromValues reads the inbound query-string contract. Malformed numbers
// are reported as validation failures rather than silently defaulted.
func QueryFromValues(site Site, values url.Values) (Query, error) {
	q := Query{
		Site:    site,
		Search:  values.Get("search"),
		Country: values.Get("country"),
	}
	var err error
	if q.Page, err = intParam(values, "page"); err != nil {
		return Query{}, err
	}
	if q.ItemsPerPage, err = intParam(values, "items_per_page"); err != nil {
		return Query{}, err
	}
	if q.MinPrice, err = floatParam(values, "min_price"); err != nil {
		return Query{}, err
	}
	if q.MaxPrice, err = floatParam(values, "max_price"); err != nil {
		return Query{}, err
	}
	return q, nil
}

func intParam(values url.Values, name string) (*int, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, invalid(name, "must be an integer, got %q", raw)
	}
	return &v, nil
}

func floatParam(values url.Values, name string) (*float64, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, invalid(name, "must be a number, got %q", raw)
	}
	return &v, nil
}
