package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/resale-search-gateway/internal/config"
	"github.com/JakeFAU/resale-search-gateway/internal/coordinator"
	"github.com/JakeFAU/resale-search-gateway/internal/metrics"
	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

const defaultRequestTimeout = 60 * time.Second

// Gateway is the behavior the handlers need from the coordinator.
type Gateway interface {
	Search(ctx context.Context, q search.Query) (search.ResultPage, error)
	Health(ctx context.Context) coordinator.HealthSnapshot
	Endpoints() map[search.Site]bool
	Reset(ctx context.Context) error
}

// Server wires HTTP handlers to the gateway.
type Server struct {
	router  chi.Router
	gateway Gateway
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(gateway Gateway, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		gateway: gateway,
		logger:  logger,
	}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	origins := cfg.Server.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", apiKeyHeader, requestIDHeader},
		ExposedHeaders: []string{"Retry-After", requestIDHeader},
		MaxAge:         300,
	}))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/", s.searchHandler(search.PrimarySite, false))
	r.Get("/primary", s.searchHandler(search.PrimarySite, false))
	r.Get("/primary/sold", s.searchHandler(search.PrimarySite, true))
	r.Get("/secondary", s.searchHandler(search.SecondarySite, false))
	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/cache/clear", s.clearCache)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	for _, operational := range s.gateway.Endpoints() {
		if operational {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no upstream available"})
}

func (s *Server) searchHandler(site search.Site, sold bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := search.QueryFromValues(site, r.URL.Query())
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		q.Sold = sold
		page, err := s.gateway.Search(r.Context(), q)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{
			Success:    true,
			Data:       page,
			Count:      len(page.Items),
			Pagination: &page.Pagination,
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.gateway.Health(r.Context())})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Reset(r.Context()); err != nil {
		s.logger.Error("cache clear failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    map[string]string{"message": "cache cleared and rate limits reset"},
	})
}
