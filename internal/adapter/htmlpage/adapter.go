// Package htmlpage adapts a marketplace's server-rendered search page to
// search.SiteAdapter using a colly collector and configurable CSS selectors.
package htmlpage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/resale-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

const (
	defaultSearchPath = "/search"
	defaultUserAgent  = "Mozilla/5.0 (compatible; resale-search-gateway/1.0)"
)

// ErrBaseURLRequired is returned when Config.BaseURL is empty.
var ErrBaseURLRequired = errors.New("htmlpage: base url is required")

// Config controls the adapter.
type Config struct {
	Site       search.Site
	BaseURL    string
	SearchPath string
	UserAgent  string
	// APIKey, when set, is sent in APIKeyHeader (scraping proxies expect one).
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	Selectors    Selectors
}

// Adapter implements search.SiteAdapter by scraping HTML search results.
type Adapter struct {
	cfg           Config
	searchURL     *url.URL
	baseCollector *colly.Collector
	pacer         *ratelimit.Pacer
	logger        *zap.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithTransport replaces the collector's HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) {
		a.baseCollector.WithTransport(rt)
	}
}

// WithPacer spaces out requests.
func WithPacer(p *ratelimit.Pacer) Option {
	return func(a *Adapter) {
		a.pacer = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New builds an Adapter.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrBaseURLRequired
	}
	if cfg.SearchPath == "" {
		cfg.SearchPath = defaultSearchPath
	}
	searchURL, err := url.Parse(base + "/" + strings.TrimLeft(cfg.SearchPath, "/"))
	if err != nil {
		return nil, fmt.Errorf("htmlpage: invalid search url: %w", err)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = base
	cfg.Selectors = cfg.Selectors.withDefaults()

	c := colly.NewCollector(colly.Async(false))
	// Cache misses legitimately repeat a search URL.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.UserAgent = cfg.UserAgent
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	a := &Adapter{
		cfg:           cfg,
		searchURL:     searchURL,
		baseCollector: c,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// FetchListings loads one search results page and extracts its listings.
func (a *Adapter) FetchListings(ctx context.Context, req search.Request) (search.RawPage, error) {
	if err := a.pacer.Wait(ctx, a.cfg.Site.String()); err != nil {
		return search.RawPage{}, err
	}

	var (
		page     = search.RawPage{BaseURL: a.cfg.BaseURL}
		fetchErr error
	)
	collector := a.buildCollector(&page, &fetchErr)
	target := a.pageURL(req)

	start := time.Now()
	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		return search.RawPage{}, err
	}
	a.logger.Debug("search page scraped",
		zap.String("site", a.cfg.Site.String()),
		zap.String("url", target),
		zap.Int("items", len(page.Items)),
		zap.Duration("duration", time.Since(start)),
	)
	return page, nil
}

func (a *Adapter) buildCollector(page *search.RawPage, fetchErr *error) *colly.Collector {
	collector := a.baseCollector.Clone()

	sel := a.cfg.Selectors
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
		r.Headers.Set("Accept-Language", "en-GB,en;q=0.9")
		if a.cfg.APIKey != "" {
			r.Headers.Set(a.cfg.APIKeyHeader, a.cfg.APIKey)
		}
	})
	collector.OnHTML(sel.Item, func(e *colly.HTMLElement) {
		page.Items = append(page.Items, sel.extract(e.DOM))
	})
	if sel.TotalItems != "" {
		collector.OnHTML("html", func(e *colly.HTMLElement) {
			page.TotalItems = parseCount(firstText(e.DOM, sel.TotalItems))
		})
	}
	if sel.TotalPages != "" {
		collector.OnHTML("html", func(e *colly.HTMLElement) {
			page.TotalPages = parseCount(firstText(e.DOM, sel.TotalPages))
		})
	}
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = fmt.Errorf("upstream returned http status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
	return collector
}

func (a *Adapter) pageURL(req search.Request) string {
	u := *a.searchURL
	q := u.Query()
	q.Set("q", req.Query)
	q.Set("page", strconv.Itoa(req.Page))
	q.Set("limit", strconv.Itoa(req.ItemsPerPage))
	q.Set("country", req.Country)
	if req.MinPrice.Valid {
		q.Set("min_price", req.MinPrice.String())
	}
	if req.MaxPrice.Valid {
		q.Set("max_price", req.MaxPrice.String())
	}
	if req.Sold {
		q.Set("sold", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("scrape canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("scrape response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("scrape visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
