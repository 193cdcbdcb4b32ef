// Package sample is an offline search.SiteAdapter that synthesizes listings.
// Output is deterministic for a given request and seed, so demos and tests
// see stable pages without network access.
package sample

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// DefaultTotal is how many listings a sample search reports in total.
const DefaultTotal = 23

// Catalog describes what a synthetic marketplace sells.
type Catalog struct {
	Brands     []string
	Items      []string
	Sizes      []string
	Conditions []string
	MinPrice   int
	MaxPrice   int
	ImageHost  string
}

// PrimaryCatalog resembles a general second-hand clothing marketplace.
func PrimaryCatalog() Catalog {
	return Catalog{
		Brands:     []string{"Nike", "Adidas", "Zara", "H&M", "Gucci", "Prada", "Louis Vuitton", "Chanel"},
		Items:      []string{"T-shirt", "Jeans", "Dress", "Sneakers", "Handbag", "Jacket", "Sweater", "Skirt"},
		Sizes:      []string{"XS", "S", "M", "L", "XL"},
		Conditions: []string{"Very Good", "Good", "Fair"},
		MinPrice:   10,
		MaxPrice:   200,
		ImageHost:  "https://images.primary.example",
	}
}

// SecondaryCatalog resembles a luxury resale marketplace.
func SecondaryCatalog() Catalog {
	return Catalog{
		Brands:     []string{"Chanel", "Louis Vuitton", "Hermès", "Gucci", "Dior", "Prada", "Bottega Veneta", "Saint Laurent", "Celine"},
		Items:      []string{"Handbag", "Tote Bag", "Crossbody Bag", "Shoulder Bag", "Clutch", "Backpack", "Hobo Bag"},
		Sizes:      []string{"XS", "S", "M", "L"},
		Conditions: []string{"Excellent", "Very Good", "Good", "Fair"},
		MinPrice:   100,
		MaxPrice:   5000,
		ImageHost:  "https://images.secondary.example",
	}
}

// Config controls the adapter.
type Config struct {
	Site    search.Site
	BaseURL string
	Catalog Catalog
	Total   int
	Seed    uint64
	// Latency simulates upstream response time.
	Latency time.Duration
}

// Adapter synthesizes listings.
type Adapter struct {
	cfg Config
}

// New builds an Adapter, filling unset fields from the site's catalog.
func New(cfg Config) *Adapter {
	if len(cfg.Catalog.Brands) == 0 {
		if cfg.Site == search.SecondarySite {
			cfg.Catalog = SecondaryCatalog()
		} else {
			cfg.Catalog = PrimaryCatalog()
		}
	}
	if cfg.Total <= 0 {
		cfg.Total = DefaultTotal
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://" + cfg.Site.String() + ".example"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg}
}

// FetchListings returns the requested slice of the synthetic result set.
func (a *Adapter) FetchListings(ctx context.Context, req search.Request) (search.RawPage, error) {
	if a.cfg.Latency > 0 {
		timer := time.NewTimer(a.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return search.RawPage{}, fmt.Errorf("sample fetch: %w", ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return search.RawPage{}, fmt.Errorf("sample fetch: %w", err)
	}

	first := (req.Page - 1) * req.ItemsPerPage
	last := min(first+req.ItemsPerPage, a.cfg.Total)
	page := search.RawPage{
		TotalItems: a.cfg.Total,
		BaseURL:    a.cfg.BaseURL,
	}
	if first >= a.cfg.Total {
		return page, nil
	}

	cat := a.cfg.Catalog
	currency := search.CurrencyForCountry(req.Country)
	lo, hi := priceRange(cat, req)
	for i := first; i < last; i++ {
		rng := rand.New(rand.NewPCG(a.seed(req), uint64(i)))
		brand := pick(rng, cat.Brands)
		kind := pick(rng, cat.Items)
		amount := float64(lo + rng.IntN(hi-lo+1))
		id := fmt.Sprintf("%d%06d", i+1, rng.IntN(1_000_000))
		slug := strings.ToLower(strings.ReplaceAll(brand+"-"+kind, " ", "-"))
		page.Items = append(page.Items, search.RawListing{
			ID:        id,
			Title:     brand + " " + kind,
			Amount:    &amount,
			Currency:  currency.Code,
			Brand:     brand,
			Size:      pick(rng, cat.Sizes),
			ImageURL:  fmt.Sprintf("%s/placeholder_%s.jpg", cat.ImageHost, id),
			DetailURL: fmt.Sprintf("/items/%s-%s", slug, id),
			Condition: pick(rng, cat.Conditions),
			Seller:    fmt.Sprintf("%s_user_%d", a.cfg.Site, rng.IntN(1000)),
		})
	}
	return page, nil
}

func (a *Adapter) seed(req search.Request) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Query))
	return h.Sum64() ^ a.cfg.Seed
}

func priceRange(cat Catalog, req search.Request) (int, int) {
	lo, hi := cat.MinPrice, cat.MaxPrice
	if req.MinPrice.Valid && int(req.MinPrice.Amount) > lo {
		lo = int(req.MinPrice.Amount)
	}
	if req.MaxPrice.Valid && int(req.MaxPrice.Amount) < hi {
		hi = int(req.MaxPrice.Amount)
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func pick(rng *rand.Rand, from []string) string {
	if len(from) == 0 {
		return ""
	}
	return from[rng.IntN(len(from))]
}
