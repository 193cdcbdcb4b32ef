package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", noEnvFile(t))
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, []string{"*"}, cfg.Server.CORSAllowedOrigins)
	require.Equal(t, CacheMemory, cfg.Cache.Backend)
	require.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 20, cfg.RateLimit.Limit)
	require.Equal(t, time.Minute, cfg.RateLimit.Window)
	require.Equal(t, 5, cfg.RateLimit.MinLimit)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 60*time.Second, cfg.Breaker.Cooldown)
	require.Equal(t, 15*time.Second, cfg.Adapter.Timeout)
	require.Equal(t, 2, cfg.Adapter.MaxConcurrent)
	require.True(t, cfg.Sites.Primary.Enabled)
	require.Equal(t, ModeSample, cfg.Sites.Secondary.Mode)
	require.Equal(t, "search_events", cfg.Events.Postgres.Table)

	rules := cfg.Rules()
	require.Equal(t, search.DefaultRules(), rules)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  cors_allowed_origins: ["https://app.example"]
auth:
  enabled: true
  api_key: secret
cache:
  backend: redis
  ttl: 90s
  dedupe_inflight: true
redis:
  address: localhost:6379
rate_limit:
  limit: 30
  window: 30s
  min_limit: 3
  sites:
    secondary:
      limit: 10
breaker:
  failure_threshold: 3
  cooldown: 2m
  sites:
    primary:
      cooldown: 30s
sites:
  primary:
    mode: jsonapi
    base_url: https://api.primary.example
    api_key: upstream-key
  secondary:
    mode: html
    base_url: https://secondary.example
    countries: [uk, fr]
    selectors:
      item: article.card
      title: h2
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, noEnvFile(t))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, []string{"https://app.example"}, cfg.Server.CORSAllowedOrigins)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, CacheRedis, cfg.Cache.Backend)
	require.Equal(t, 90*time.Second, cfg.Cache.TTL)
	require.True(t, cfg.Cache.DedupeInflight)
	require.Equal(t, "upstream-key", cfg.Sites.Primary.APIKey)
	require.Equal(t, "article.card", cfg.Sites.Secondary.Selectors.Item)
	require.Equal(t, "h2", cfg.Sites.Secondary.Selectors.Title)

	limits := cfg.LimiterConfig()
	require.Equal(t, 30, limits.Default.Limit)
	require.Equal(t, 30*time.Second, limits.Default.Window)
	require.Equal(t, 10, limits.Sites[search.SecondarySite].Limit)

	defaults, sites := cfg.BreakerConfigs()
	require.Equal(t, 3, defaults.FailureThreshold)
	require.Equal(t, 2*time.Minute, defaults.Cooldown)
	require.Equal(t, 30*time.Second, sites[search.PrimarySite].Cooldown)

	rules := cfg.Rules()
	require.True(t, rules.Supports(search.SecondarySite, "fr"))
	require.False(t, rules.Supports(search.SecondarySite, "de"))
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"GATEWAY_SITES_PRIMARY_API_KEY=from-dotenv\nGATEWAY_CACHE_TTL=45s\n",
	), 0o600))
	t.Setenv("GATEWAY_CACHE_TTL", "2m")
	t.Setenv("PORT", "7070")
	t.Setenv("GATEWAY_RATE_LIMIT_LIMIT", "12")
	// godotenv writes into the process environment; register cleanup first.
	t.Setenv("GATEWAY_SITES_PRIMARY_API_KEY", "")
	require.NoError(t, os.Unsetenv("GATEWAY_SITES_PRIMARY_API_KEY"))

	cfg, err := Load("", envFile)
	require.NoError(t, err)

	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 2*time.Minute, cfg.Cache.TTL, "real environment wins over the env file")
	require.Equal(t, 12, cfg.RateLimit.Limit)
	require.Equal(t, "from-dotenv", cfg.Sites.Primary.APIKey)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), noEnvFile(t))
	require.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  backend: memcached\n"), 0o600))
	_, err = Load(path, noEnvFile(t))
	require.ErrorContains(t, err, "cache.backend")
}

func validConfig() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Cache:     CacheConfig{Backend: CacheMemory, TTL: time.Minute, MaxEntries: 10},
		RateLimit: RateLimitConfig{Limit: 20, Window: time.Minute, MinLimit: 5},
		Breaker:   BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute},
		Adapter:   AdapterConfig{Timeout: time.Second},
		Sites: SitesConfig{
			Primary:   SiteConfig{Enabled: true, Mode: ModeSample, Countries: []string{"uk"}},
			Secondary: SiteConfig{Enabled: true, Mode: ModeSample, Countries: []string{"uk"}},
		},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "disk" }, "cache.backend"},
		{"redis without address", func(c *Config) { c.Cache.Backend = CacheRedis }, "redis.address"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"min above limit", func(c *Config) { c.RateLimit.MinLimit = 21 }, "rate_limit.min_limit"},
		{"unknown limiter site", func(c *Config) {
			c.RateLimit.Sites = map[string]RateLimitSite{"tertiary": {Limit: 1}}
		}, "rate_limit.sites"},
		{"zero threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"zero adapter timeout", func(c *Config) { c.Adapter.Timeout = 0 }, "adapter.timeout"},
		{"jsonapi without base url", func(c *Config) { c.Sites.Primary.Mode = ModeJSONAPI }, "sites.primary.base_url"},
		{"unknown mode", func(c *Config) { c.Sites.Secondary.Mode = "headless" }, "sites.secondary.mode"},
		{"no sites", func(c *Config) {
			c.Sites.Primary.Enabled = false
			c.Sites.Secondary.Enabled = false
		}, "at least one site"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
