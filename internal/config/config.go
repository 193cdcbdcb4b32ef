// Package config loads and validates gateway configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/resale-search-gateway/internal/adapter/htmlpage"
	"github.com/JakeFAU/resale-search-gateway/internal/breaker"
	"github.com/JakeFAU/resale-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// DefaultEnvFile is read before the environment when no env file is named.
const DefaultEnvFile = ".env"

// Site adapter modes.
const (
	ModeJSONAPI = "jsonapi"
	ModeHTML    = "html"
	ModeSample  = "sample"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Adapter   AdapterConfig   `mapstructure:"adapter"`
	Sites     SitesConfig     `mapstructure:"sites"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

// AuthConfig guards administrative routes.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CacheConfig selects and sizes the result cache.
type CacheConfig struct {
	Backend        string        `mapstructure:"backend"`
	TTL            time.Duration `mapstructure:"ttl"`
	MaxEntries     int           `mapstructure:"max_entries"`
	DedupeInflight bool          `mapstructure:"dedupe_inflight"`
}

// RedisConfig points the redis cache backend at a server.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RateLimitSite overrides the limiter for one site. Zero fields inherit.
type RateLimitSite struct {
	Limit    int           `mapstructure:"limit"`
	Window   time.Duration `mapstructure:"window"`
	MinLimit int           `mapstructure:"min_limit"`
}

// RateLimitConfig bounds outbound scrapes per site.
type RateLimitConfig struct {
	Limit    int                      `mapstructure:"limit"`
	Window   time.Duration            `mapstructure:"window"`
	MinLimit int                      `mapstructure:"min_limit"`
	Policy   string                   `mapstructure:"policy"`
	Sites    map[string]RateLimitSite `mapstructure:"sites"`
}

// BreakerSite overrides the breaker for one site. Zero fields inherit.
type BreakerSite struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	ObservationWindow time.Duration `mapstructure:"observation_window"`
}

// BreakerConfig tunes the per-site circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int                    `mapstructure:"failure_threshold"`
	Cooldown          time.Duration          `mapstructure:"cooldown"`
	ObservationWindow time.Duration          `mapstructure:"observation_window"`
	Sites             map[string]BreakerSite `mapstructure:"sites"`
}

// AdapterConfig applies to every upstream call.
type AdapterConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	UserAgent     string        `mapstructure:"user_agent"`
}

// SiteConfig describes how to reach one marketplace.
type SiteConfig struct {
	Enabled        bool               `mapstructure:"enabled"`
	Mode           string             `mapstructure:"mode"`
	BaseURL        string             `mapstructure:"base_url"`
	SearchPath     string             `mapstructure:"search_path"`
	APIKey         string             `mapstructure:"api_key"`
	APIKeyHeader   string             `mapstructure:"api_key_header"`
	Countries      []string           `mapstructure:"countries"`
	DefaultCountry string             `mapstructure:"default_country"`
	RPS            float64            `mapstructure:"rps"`
	Burst          int                `mapstructure:"burst"`
	Selectors      htmlpage.Selectors `mapstructure:"selectors"`
}

// SitesConfig holds both upstreams.
type SitesConfig struct {
	Primary   SiteConfig `mapstructure:"primary"`
	Secondary SiteConfig `mapstructure:"secondary"`
}

// EventsConfig controls search event fan-out.
type EventsConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	LogEnabled   bool           `mapstructure:"log_enabled"`
	BufferSize   int            `mapstructure:"buffer_size"`
	MaxBatch     int            `mapstructure:"max_batch"`
	MaxBatchWait time.Duration  `mapstructure:"max_batch_wait"`
	SinkTimeout  time.Duration  `mapstructure:"sink_timeout"`
	Postgres     EventsPostgres `mapstructure:"postgres"`
	PubSub       EventsPubSub   `mapstructure:"pubsub"`
}

// EventsPostgres enables the Postgres event sink when DSN is set.
type EventsPostgres struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// EventsPubSub enables the Pub/Sub event sink when both fields are set.
type EventsPubSub struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Load builds a Config from an optional env file, an optional config file,
// and the environment. With no envFiles, DefaultEnvFile is tried; missing env
// files are not an error. Variables already set in the environment win over
// env file entries.
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{DefaultEnvFile}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", file, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Cloud Run and most PaaS hosts inject PORT.
	if err := v.BindEnv("server.port", "PORT", "GATEWAY_SERVER_PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_allowed_origins", []string{"*"})
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.dedupe_inflight", false)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "gateway:page:")
	v.SetDefault("rate_limit.limit", ratelimit.DefaultLimit)
	v.SetDefault("rate_limit.window", ratelimit.DefaultWindow.String())
	v.SetDefault("rate_limit.min_limit", ratelimit.DefaultMinLimit)
	v.SetDefault("rate_limit.policy", "adaptive")
	v.SetDefault("breaker.failure_threshold", breaker.DefaultFailureThreshold)
	v.SetDefault("breaker.cooldown", breaker.DefaultCooldown.String())
	v.SetDefault("breaker.observation_window", breaker.DefaultObservationWindow.String())
	v.SetDefault("adapter.timeout", "15s")
	v.SetDefault("adapter.max_concurrent", 2)
	v.SetDefault("adapter.user_agent", "resale-search-gateway/1.0")

	rules := search.DefaultRules()
	for _, site := range search.Sites() {
		prefix := "sites." + site.String() + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"mode", ModeSample)
		v.SetDefault(prefix+"base_url", "")
		v.SetDefault(prefix+"search_path", "")
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"api_key_header", "")
		v.SetDefault(prefix+"countries", rules.Countries[site])
		v.SetDefault(prefix+"default_country", rules.DefaultCountry[site])
		v.SetDefault(prefix+"rps", 1.0)
		v.SetDefault(prefix+"burst", 1)
	}

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.log_enabled", false)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch", 100)
	v.SetDefault("events.max_batch_wait", "1s")
	v.SetDefault("events.sink_timeout", "5s")
	v.SetDefault("events.postgres.dsn", "")
	v.SetDefault("events.postgres.table", "search_events")
	v.SetDefault("events.postgres.max_conns", 4)
	v.SetDefault("events.postgres.max_conn_lifetime", "30m")
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("events.pubsub.topic_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Cache.Backend {
	case CacheMemory:
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache.max_entries must be > 0")
		}
	case CacheRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must be set when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be %q or %q, got %q", CacheMemory, CacheRedis, c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be > 0")
	}
	if c.RateLimit.MinLimit < 1 || c.RateLimit.MinLimit > c.RateLimit.Limit {
		return fmt.Errorf("rate_limit.min_limit must be between 1 and rate_limit.limit")
	}
	for name := range c.RateLimit.Sites {
		if _, ok := search.ParseSite(name); !ok {
			return fmt.Errorf("rate_limit.sites: unknown site %q", name)
		}
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.failure_threshold and breaker.cooldown must be > 0")
	}
	for name := range c.Breaker.Sites {
		if _, ok := search.ParseSite(name); !ok {
			return fmt.Errorf("breaker.sites: unknown site %q", name)
		}
	}
	if c.Adapter.Timeout <= 0 {
		return fmt.Errorf("adapter.timeout must be > 0")
	}
	if c.Adapter.MaxConcurrent < 0 {
		return fmt.Errorf("adapter.max_concurrent must be >= 0")
	}
	enabled := 0
	for _, site := range search.Sites() {
		sc := c.Site(site)
		if !sc.Enabled {
			continue
		}
		enabled++
		if err := sc.validate(site); err != nil {
			return err
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one site must be enabled")
	}
	return nil
}

func (s SiteConfig) validate(site search.Site) error {
	switch s.Mode {
	case ModeSample:
	case ModeJSONAPI, ModeHTML:
		if s.BaseURL == "" {
			return fmt.Errorf("sites.%s.base_url must be set in %s mode", site, s.Mode)
		}
	default:
		return fmt.Errorf("sites.%s.mode must be one of %s, %s, %s", site, ModeJSONAPI, ModeHTML, ModeSample)
	}
	if len(s.Countries) == 0 {
		return fmt.Errorf("sites.%s.countries must not be empty", site)
	}
	if s.RPS < 0 {
		return fmt.Errorf("sites.%s.rps must be >= 0", site)
	}
	return nil
}

// Site returns the configuration for one upstream.
func (c Config) Site(site search.Site) SiteConfig {
	if site == search.SecondarySite {
		return c.Sites.Secondary
	}
	return c.Sites.Primary
}

// Rules converts the per-site country lists into validation rules.
func (c Config) Rules() search.Rules {
	rules := search.Rules{
		Countries:      make(map[search.Site][]string),
		DefaultCountry: make(map[search.Site]string),
	}
	for _, site := range search.Sites() {
		sc := c.Site(site)
		countries := make([]string, 0, len(sc.Countries))
		for _, country := range sc.Countries {
			countries = append(countries, strings.ToLower(strings.TrimSpace(country)))
		}
		rules.Countries[site] = countries
		rules.DefaultCountry[site] = strings.ToLower(sc.DefaultCountry)
	}
	return rules
}

// LimiterConfig converts rate limit settings for ratelimit.New.
func (c Config) LimiterConfig() ratelimit.Config {
	out := ratelimit.Config{
		Default: ratelimit.SiteConfig{
			Limit:    c.RateLimit.Limit,
			Window:   c.RateLimit.Window,
			MinLimit: c.RateLimit.MinLimit,
		},
		Sites: make(map[search.Site]ratelimit.SiteConfig, len(c.RateLimit.Sites)),
	}
	for name, sc := range c.RateLimit.Sites {
		site, _ := search.ParseSite(name)
		out.Sites[site] = ratelimit.SiteConfig{Limit: sc.Limit, Window: sc.Window, MinLimit: sc.MinLimit}
	}
	return out
}

// BreakerConfigs converts breaker settings for breaker.NewRegistry.
func (c Config) BreakerConfigs() (breaker.Config, map[search.Site]breaker.Config) {
	defaults := breaker.Config{
		FailureThreshold:  c.Breaker.FailureThreshold,
		Cooldown:          c.Breaker.Cooldown,
		ObservationWindow: c.Breaker.ObservationWindow,
	}
	sites := make(map[search.Site]breaker.Config, len(c.Breaker.Sites))
	for name, sc := range c.Breaker.Sites {
		site, _ := search.ParseSite(name)
		sites[site] = breaker.Config{
			FailureThreshold:  sc.FailureThreshold,
			Cooldown:          sc.Cooldown,
			ObservationWindow: sc.ObservationWindow,
		}
	}
	return defaults, sites
}
