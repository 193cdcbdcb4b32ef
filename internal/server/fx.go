// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/resale-search-gateway/internal/adapter/htmlpage"
	"github.com/JakeFAU/resale-search-gateway/internal/adapter/jsonapi"
	"github.com/JakeFAU/resale-search-gateway/internal/adapter/sample"
	"github.com/JakeFAU/resale-search-gateway/internal/api"
	"github.com/JakeFAU/resale-search-gateway/internal/breaker"
	"github.com/JakeFAU/resale-search-gateway/internal/cache"
	"github.com/JakeFAU/resale-search-gateway/internal/clock/system"
	"github.com/JakeFAU/resale-search-gateway/internal/config"
	"github.com/JakeFAU/resale-search-gateway/internal/coordinator"
	"github.com/JakeFAU/resale-search-gateway/internal/events"
	"github.com/JakeFAU/resale-search-gateway/internal/events/sinks"
	"github.com/JakeFAU/resale-search-gateway/internal/id/uuid"
	"github.com/JakeFAU/resale-search-gateway/internal/logging"
	"github.com/JakeFAU/resale-search-gateway/internal/metrics"
	"github.com/JakeFAU/resale-search-gateway/internal/policy/adaptive"
	"github.com/JakeFAU/resale-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

const defaultShutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	clock        search.Clock
	apiServer    *api.Server
	coordinator  *coordinator.Coordinator
	eventHub     *events.Hub
	redisClient  *redis.Client
	pubsubClient *pubsub.Client
	registerer   prometheus.Registerer
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer sets where event sink collectors are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields.
	type SanitizedConfig struct {
		ServerPort   int    `json:"server_port"`
		CacheBackend string `json:"cache_backend"`
		PrimaryMode  string `json:"primary_mode"`
		SecondMode   string `json:"secondary_mode"`
		AuthEnabled  bool   `json:"auth_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:   cfg.Server.Port,
		CacheBackend: cfg.Cache.Backend,
		PrimaryMode:  cfg.Sites.Primary.Mode,
		SecondMode:   cfg.Sites.Secondary.Mode,
		AuthEnabled:  cfg.Auth.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		registerer: prometheus.DefaultRegisterer,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub closes its sinks, which flushes the pubsub topic.
	if a.eventHub != nil {
		if err := a.eventHub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability() {
	// Sync fails on stderr for some platforms; nothing useful to do about it.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	for _, opt := range opts {
		opt(app)
	}

	app.logger.Info("building application dependencies")

	resultCache, err := setupCache(ctx, app)
	if err != nil {
		return nil, err
	}

	if err = setupEvents(ctx, app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	adapters, err := setupAdapters(app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	policy := adaptive.ByName(cfg.RateLimit.Policy)
	limiter := ratelimit.New(cfg.LimiterConfig(), app.clock)
	defaults, perSite := cfg.BreakerConfigs()
	breakers := breaker.NewRegistry(
		defaults,
		perSite,
		app.clock,
		coordinator.BreakerListener(limiter, policy, logger.Named("breaker")),
	)
	app.logger.Info("resilience controls configured",
		zap.Int("rate_limit", cfg.RateLimit.Limit),
		zap.Duration("rate_window", cfg.RateLimit.Window),
		zap.String("policy", cfg.RateLimit.Policy),
		zap.Int("failure_threshold", cfg.Breaker.FailureThreshold),
		zap.Duration("cooldown", cfg.Breaker.Cooldown),
	)

	coordOpts := []coordinator.Option{
		coordinator.WithPolicy(policy),
		coordinator.WithIDGenerator(uuid.New()),
		coordinator.WithLogger(logger.Named("coordinator")),
	}
	if app.eventHub != nil {
		coordOpts = append(coordOpts, coordinator.WithEmitter(app.eventHub))
	}
	app.coordinator, err = coordinator.New(coordinator.Config{
		Rules:          cfg.Rules(),
		TTL:            cfg.Cache.TTL,
		AdapterTimeout: cfg.Adapter.Timeout,
		MaxConcurrent:  cfg.Adapter.MaxConcurrent,
		DedupeInflight: cfg.Cache.DedupeInflight,
	}, resultCache, limiter, breakers, adapters, app.clock, coordOpts...)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.coordinator, *cfg, logger.Named("api"))
	return app, nil
}

func setupCache(ctx context.Context, app *App) (*cache.Cache, error) {
	var store cache.Store
	switch app.cfg.Cache.Backend {
	case config.CacheRedis:
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Address:  app.cfg.Redis.Address,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis client init failed: %w", err)
		}
		app.redisClient = client
		store = cache.NewRedisStore(client, app.cfg.Redis.KeyPrefix, app.clock)
		app.logger.Info("using redis cache backend",
			zap.String("address", app.cfg.Redis.Address),
			zap.String("key_prefix", app.cfg.Redis.KeyPrefix),
		)
	default:
		mem, err := cache.NewMemoryStore(
			app.cfg.Cache.MaxEntries,
			app.clock,
			cache.WithEvictionHook(metrics.ObserveCacheEviction),
		)
		if err != nil {
			return nil, fmt.Errorf("memory cache init failed: %w", err)
		}
		store = mem
		app.logger.Info("using in-memory cache backend", zap.Int("max_entries", app.cfg.Cache.MaxEntries))
	}
	return cache.New(store, app.clock, app.logger.Named("cache")), nil
}

func setupEvents(ctx context.Context, app *App) (err error) {
	cfg := app.cfg.Events
	if !cfg.Enabled {
		app.logger.Info("search events disabled")
		return nil
	}
	sinkList := make([]events.Sink, 0, 4)
	// Until the hub owns them, sinks built so far are ours to close.
	defer func() {
		if err != nil {
			closeSinks(ctx, app.logger, sinkList)
		}
	}()

	promSink, err := sinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return fmt.Errorf("prometheus event sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if cfg.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("events")))
		app.logger.Debug("Added event log sink")
	}

	if cfg.Postgres.DSN != "" {
		pgSink, err := sinks.NewPostgresSink(ctx, sinks.PostgresConfig{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres event sink init failed: %w", err)
		}
		sinkList = append(sinkList, pgSink)
		app.logger.Info("postgres event sink initialized", zap.String("table", cfg.Postgres.Table))
	}

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicID != "" {
		app.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		psSink, err := sinks.NewPubSubSink(app.pubsubClient.Topic(cfg.PubSub.TopicID))
		if err != nil {
			return fmt.Errorf("pubsub event sink init failed: %w", err)
		}
		sinkList = append(sinkList, psSink)
		app.logger.Info(
			"Pub/Sub event sink initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicID),
		)
	}

	hubCfg := events.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatch,
		MaxBatchWait:   cfg.MaxBatchWait,
		SinkTimeout:    cfg.SinkTimeout,
		Logger:         app.logger.Named("event_hub"),
		OnDrop:         metrics.ObserveEventDropped,
	}
	app.eventHub = events.NewHub(hubCfg, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func closeSinks(ctx context.Context, logger *zap.Logger, sinkList []events.Sink) {
	for _, sink := range sinkList {
		if err := sink.Close(ctx); err != nil {
			logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}

func setupAdapters(app *App) (map[search.Site]search.SiteAdapter, error) {
	adapters := make(map[search.Site]search.SiteAdapter, len(search.Sites()))
	for _, site := range search.Sites() {
		sc := app.cfg.Site(site)
		if !sc.Enabled {
			app.logger.Info("site disabled", zap.Stringer("site", site))
			continue
		}
		adapter, err := newAdapter(app, site, sc)
		if err != nil {
			return nil, fmt.Errorf("%s adapter init failed: %w", site, err)
		}
		adapters[site] = adapter
		app.logger.Info("site adapter configured",
			zap.Stringer("site", site),
			zap.String("mode", sc.Mode),
			zap.String("base_url", sc.BaseURL),
			zap.Float64("rps", sc.RPS),
		)
	}
	return adapters, nil
}

func newAdapter(app *App, site search.Site, sc config.SiteConfig) (search.SiteAdapter, error) {
	pacer := ratelimit.NewPacer(ratelimit.PacerConfig{RPS: sc.RPS, Burst: sc.Burst}, metrics.ObservePacerWait)
	logger := app.logger.Named("adapter").With(zap.Stringer("site", site))
	switch sc.Mode {
	case config.ModeJSONAPI:
		return jsonapi.New(jsonapi.Config{
			Site:         site,
			BaseURL:      sc.BaseURL,
			SearchPath:   sc.SearchPath,
			APIKey:       sc.APIKey,
			APIKeyHeader: sc.APIKeyHeader,
			UserAgent:    app.cfg.Adapter.UserAgent,
			Timeout:      app.cfg.Adapter.Timeout,
		}, jsonapi.WithPacer(pacer), jsonapi.WithLogger(logger))
	case config.ModeHTML:
		return htmlpage.New(htmlpage.Config{
			Site:         site,
			BaseURL:      sc.BaseURL,
			SearchPath:   sc.SearchPath,
			UserAgent:    app.cfg.Adapter.UserAgent,
			APIKey:       sc.APIKey,
			APIKeyHeader: sc.APIKeyHeader,
			Timeout:      app.cfg.Adapter.Timeout,
			Selectors:    sc.Selectors,
		}, htmlpage.WithPacer(pacer), htmlpage.WithLogger(logger))
	default:
		return sample.New(sample.Config{Site: site, BaseURL: sc.BaseURL}), nil
	}
}
