// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example UPSTREAM_HMAC_KEY becomes
// upstream_hmac_key in YAML.
//
// The only hard requirements are at least one upstream endpoint and the HMAC
// signing key. Everything else has a working default: the record store falls
// back to an embedded SQLite file, and Redis/ClickHouse stay disabled until
// their URLs are set.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstreams is the fleet of OpenAI-compatible inference servers.
	Upstreams []UpstreamEndpoint

	// Upstream tunes dispatch and health tracking across the fleet.
	Upstream UpstreamConfig

	// Store selects the record store backing accounts, keys, and usage logs.
	Store StoreConfig

	// Redis holds the connection URL for the rate limiter. Empty disables
	// rate limiting entirely.
	Redis RedisConfig

	// RateLimit controls per-account request-rate limiting.
	RateLimit RateLimitConfig

	// Billing tunes credit reservations and settlement.
	Billing BillingConfig

	// Analytics configures the optional ClickHouse usage mirror.
	Analytics AnalyticsConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamEndpoint is one inference server in the fleet.
type UpstreamEndpoint struct {
	// Name is the label used in logs, metrics, and /health. Derived from the
	// URL host when not set explicitly.
	Name string

	// BaseURL is the endpoint's OpenAI-compatible API root,
	// e.g. "http://gpu-node-1:8000/v1".
	BaseURL string
}

// UpstreamConfig tunes dispatch, signing, and endpoint health tracking.
type UpstreamConfig struct {
	// HMACKey signs every forwarded request so upstream servers can verify
	// the gateway as the caller. Required.
	HMACKey string

	// Timeout is the per-attempt HTTP timeout for non-streaming requests.
	// Default: 120s.
	Timeout time.Duration

	// MaxAttempts bounds failover attempts per request (including the first).
	// 0 means "one attempt per configured endpoint".
	MaxAttempts int

	// DeadThreshold is the consecutive-failure count that marks an endpoint
	// dead. Default: 3.
	DeadThreshold int

	// FailWindow bounds how far apart failures may be and still count as
	// consecutive. Default: 30s.
	FailWindow time.Duration

	// ProbeInterval is how often dead and suspected endpoints are probed.
	// Default: 10s.
	ProbeInterval time.Duration
}

// StoreConfig selects the record-store backend.
type StoreConfig struct {
	// DatabaseURL is a postgres:// connection string. When set, Postgres is
	// used and SQLitePath is ignored.
	DatabaseURL string

	// SQLitePath is the embedded store file used when DatabaseURL is empty.
	// Default: "gateway.db".
	SQLitePath string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls per-account request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per account.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// BillingConfig tunes credit reservations.
type BillingConfig struct {
	// DefaultMaxTokens is the completion bound assumed when a request omits
	// max_tokens, used to size the credit hold. Default: 4096.
	DefaultMaxTokens int

	// ReservationTTL is how long a hold may stay open before the sweeper
	// reclaims it. Default: 5m.
	ReservationTTL time.Duration

	// SweepInterval is how often stale holds are swept. Default: 1m.
	SweepInterval time.Duration

	// CatalogRefresh is how often the model catalog is re-read from the
	// store. Default: 1m.
	CatalogRefresh time.Duration
}

// AnalyticsConfig configures the ClickHouse usage mirror.
type AnalyticsConfig struct {
	// ClickHouseAddr is a host:port address. Empty disables the mirror.
	ClickHouseAddr string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// UPSTREAMS and UPSTREAM_HMAC_KEY are required; everything else defaults.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SQLITE_PATH", "gateway.db")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Upstream dispatch defaults.
	v.SetDefault("UPSTREAM_TIMEOUT", "120s")
	v.SetDefault("MAX_ATTEMPTS", 0)
	v.SetDefault("ENDPOINT_DEAD_THRESHOLD", 3)
	v.SetDefault("ENDPOINT_FAIL_WINDOW", "30s")
	v.SetDefault("PROBE_INTERVAL", "10s")

	// Billing defaults.
	v.SetDefault("DEFAULT_MAX_TOKENS", 4096)
	v.SetDefault("RESERVATION_TTL", "5m")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("CATALOG_REFRESH", "1m")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	upstreams, err := parseUpstreams(v.GetString("UPSTREAMS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstreams: upstreams,

		Upstream: UpstreamConfig{
			HMACKey:       v.GetString("UPSTREAM_HMAC_KEY"),
			Timeout:       v.GetDuration("UPSTREAM_TIMEOUT"),
			MaxAttempts:   v.GetInt("MAX_ATTEMPTS"),
			DeadThreshold: v.GetInt("ENDPOINT_DEAD_THRESHOLD"),
			FailWindow:    v.GetDuration("ENDPOINT_FAIL_WINDOW"),
			ProbeInterval: v.GetDuration("PROBE_INTERVAL"),
		},

		Store: StoreConfig{
			DatabaseURL: v.GetString("DATABASE_URL"),
			SQLitePath:  v.GetString("SQLITE_PATH"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Billing: BillingConfig{
			DefaultMaxTokens: v.GetInt("DEFAULT_MAX_TOKENS"),
			ReservationTTL:   v.GetDuration("RESERVATION_TTL"),
			SweepInterval:    v.GetDuration("SWEEP_INTERVAL"),
			CatalogRefresh:   v.GetDuration("CATALOG_REFRESH"),
		},

		Analytics: AnalyticsConfig{
			ClickHouseAddr: v.GetString("CLICKHOUSE_ADDR"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseUpstreams splits the UPSTREAMS value into endpoint entries. Each entry
// is either a bare URL or "name=url". Entries are comma-separated:
//
//	UPSTREAMS=gpu-1=http://10.0.0.1:8000/v1,gpu-2=http://10.0.0.2:8000/v1
func parseUpstreams(raw string) ([]UpstreamEndpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []UpstreamEndpoint
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, rawURL, found := strings.Cut(entry, "=")
		if !found {
			rawURL = entry
			name = ""
		}

		u, err := url.Parse(strings.TrimSpace(rawURL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("config: invalid upstream URL %q (expected http(s)://host[:port]/path)", rawURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("config: upstream URL %q must use http or https", rawURL)
		}

		if name == "" {
			name = u.Host
		}
		out = append(out, UpstreamEndpoint{
			Name:    strings.TrimSpace(name),
			BaseURL: strings.TrimRight(u.String(), "/"),
		})
	}
	return out, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Upstreams) == 0 {
		return errors.New(
			"config: at least one upstream endpoint is required; " +
				"set UPSTREAMS=name=http://host:port/v1[,name2=url2]",
		)
	}

	seen := make(map[string]bool, len(c.Upstreams))
	for _, ep := range c.Upstreams {
		if seen[ep.Name] {
			return fmt.Errorf("config: duplicate upstream name %q", ep.Name)
		}
		seen[ep.Name] = true
	}

	if c.Upstream.HMACKey == "" {
		return errors.New("config: UPSTREAM_HMAC_KEY is required to sign forwarded requests")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return errors.New("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	if c.Upstream.DeadThreshold < 1 {
		return fmt.Errorf("config: ENDPOINT_DEAD_THRESHOLD must be ≥ 1, got %d", c.Upstream.DeadThreshold)
	}
	if c.Upstream.Timeout <= 0 {
		return errors.New("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.Billing.ReservationTTL <= 0 {
		return errors.New("config: RESERVATION_TTL must be a positive duration")
	}
	if c.Billing.DefaultMaxTokens < 1 {
		return fmt.Errorf("config: DEFAULT_MAX_TOKENS must be ≥ 1, got %d", c.Billing.DefaultMaxTokens)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
