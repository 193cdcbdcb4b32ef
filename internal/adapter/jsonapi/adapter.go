// Package jsonapi adapts a marketplace product-search JSON API to
// search.SiteAdapter.
//
// The adapter POSTs a search body to {base_url}{search_path} and accepts a
// response of the form
//
//	{"items":[{...}], "paginationStats":{"totalCount":N,"totalPages":M}}
//
// Item fields are read leniently: price may be a string, a number, or an
// {"amount","currency"} object.
package jsonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resale-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

const (
	defaultSearchPath   = "/v1/product/search"
	defaultAPIKeyHeader = "X-API-Key"
	defaultUserAgent    = "resale-search-gateway/1.0"
	maxBodyBytes        = 8 << 20
)

// ErrBaseURLRequired is returned when Config.BaseURL is empty.
var ErrBaseURLRequired = errors.New("jsonapi: base url is required")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned http status %d", e.StatusCode)
}

// Config controls the adapter.
type Config struct {
	Site         search.Site
	BaseURL      string
	SearchPath   string
	APIKey       string
	APIKeyHeader string
	UserAgent    string
	// Timeout bounds one HTTP exchange. The coordinator's context deadline
	// still applies.
	Timeout time.Duration
}

// Adapter implements search.SiteAdapter over HTTP+JSON.
type Adapter struct {
	cfg      Config
	endpoint string
	client   *http.Client
	pacer    *ratelimit.Pacer
	logger   *zap.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.client = client
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
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("jsonapi: invalid base url: %w", err)
	}
	if cfg.SearchPath == "" {
		cfg.SearchPath = defaultSearchPath
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = defaultAPIKeyHeader
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = base
	a := &Adapter{
		cfg:      cfg,
		endpoint: base + "/" + strings.TrimLeft(cfg.SearchPath, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type searchBody struct {
	Query    string   `json:"q"`
	Page     int      `json:"page"`
	Limit    int      `json:"limit"`
	Country  string   `json:"country"`
	Currency string   `json:"currency"`
	MinPrice *float64 `json:"min_price,omitempty"`
	MaxPrice *float64 `json:"max_price,omitempty"`
	Sold     bool     `json:"sold,omitempty"`
}

type searchResponse struct {
	Items      []item `json:"items"`
	Pagination struct {
		TotalCount int `json:"totalCount"`
		TotalPages int `json:"totalPages"`
	} `json:"paginationStats"`
}

type item struct {
	ID          flexString `json:"id"`
	Name        string     `json:"name"`
	Title       string     `json:"title"`
	Price       price      `json:"price"`
	Brand       flexName   `json:"brand"`
	Size        flexString `json:"size"`
	Image       string     `json:"image"`
	Link        string     `json:"link"`
	URL         string     `json:"url"`
	Condition   string     `json:"condition"`
	Seller      flexName   `json:"seller"`
	Description string     `json:"description"`
}

// FetchListings runs one search against the upstream API.
func (a *Adapter) FetchListings(ctx context.Context, req search.Request) (search.RawPage, error) {
	if err := a.pacer.Wait(ctx, a.cfg.Site.String()); err != nil {
		return search.RawPage{}, err
	}

	body := searchBody{
		Query:    req.Query,
		Page:     req.Page,
		Limit:    req.ItemsPerPage,
		Country:  req.Country,
		Currency: search.CurrencyForCountry(req.Country).Code,
		Sold:     req.Sold,
	}
	if req.MinPrice.Valid {
		body.MinPrice = &req.MinPrice.Amount
	}
	if req.MaxPrice.Valid {
		body.MaxPrice = &req.MaxPrice.Amount
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return search.RawPage{}, fmt.Errorf("encode search body: %w", err)
	}

	start := time.Now()
	raw, err := a.post(ctx, payload)
	if err != nil {
		return search.RawPage{}, err
	}

	var resp searchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return search.RawPage{}, fmt.Errorf("decode search response: %w", err)
	}

	page := search.RawPage{
		Items:      make([]search.RawListing, 0, len(resp.Items)),
		TotalItems: resp.Pagination.TotalCount,
		TotalPages: resp.Pagination.TotalPages,
		BaseURL:    a.cfg.BaseURL,
	}
	for _, it := range resp.Items {
		page.Items = append(page.Items, it.toRaw())
	}
	a.logger.Debug("upstream search complete",
		zap.String("site", a.cfg.Site.String()),
		zap.Int("items", len(page.Items)),
		zap.Duration("duration", time.Since(start)),
	)
	return page, nil
}

func (a *Adapter) post(ctx context.Context, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", a.cfg.UserAgent)
	if a.cfg.APIKey != "" {
		httpReq.Header.Set(a.cfg.APIKeyHeader, a.cfg.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	return raw, nil
}

func (it item) toRaw() search.RawListing {
	title := strings.TrimSpace(it.Name)
	if title == "" {
		title = strings.TrimSpace(it.Title)
	}
	link := strings.TrimSpace(it.Link)
	if link == "" {
		link = strings.TrimSpace(it.URL)
	}
	return search.RawListing{
		ID:          string(it.ID),
		Title:       title,
		Price:       it.Price.Text,
		Amount:      it.Price.Amount,
		Currency:    it.Price.Currency,
		Brand:       string(it.Brand),
		Size:        string(it.Size),
		ImageURL:    strings.TrimSpace(it.Image),
		DetailURL:   link,
		Condition:   strings.TrimSpace(it.Condition),
		Seller:      string(it.Seller),
		Description: it.Description,
	}
}
