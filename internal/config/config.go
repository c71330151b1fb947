package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config carries every tunable of the service. Values come from the
// environment with an optional .env file; defaults suit a local deployment
// pointed at a local Redis.
type Config struct {
	Addr string `env:"SERVER_ADDR" envDefault:":3000"`

	// Upstream indexer
	UpstreamURL        string        `env:"UPSTREAM_API_URL,required"`
	UpstreamAPIKey     string        `env:"UPSTREAM_API_KEY"`
	UpstreamTimeout    time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
	MaxWeightPerMinute int           `env:"UPSTREAM_MAX_WEIGHT_PER_MINUTE" envDefault:"1200"`
	RequestWeight      int           `env:"UPSTREAM_REQUEST_WEIGHT" envDefault:"20"`

	// Snapshot cache and broadcast transport
	RedisURL         string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	BroadcastBackend string `env:"BROADCAST_BACKEND" envDefault:"redis"`
	NATSURL          string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Refresh cadence
	RefreshInterval     time.Duration `env:"REFRESH_INTERVAL" envDefault:"60s"`
	InitialRefreshDelay time.Duration `env:"INITIAL_REFRESH_DELAY" envDefault:"5s"`
	PageDelay           time.Duration `env:"PAGE_DELAY" envDefault:"400ms"`
	MaxPages            int           `env:"MAX_PAGES" envDefault:"5"`
	PageLimit           int           `env:"PAGE_LIMIT" envDefault:"1000"`
	CacheTTL            time.Duration `env:"CACHE_TTL" envDefault:"180s"`
	RecentCacheTTL      time.Duration `env:"RECENT_CACHE_TTL" envDefault:"60s"`

	// Stream admission and liveness
	MaxConnections    int           `env:"SSE_MAX_CONNECTIONS" envDefault:"1000"`
	MaxPerIP          int           `env:"SSE_MAX_PER_IP" envDefault:"3"`
	HeartbeatInterval time.Duration `env:"SSE_HEARTBEAT_INTERVAL" envDefault:"30s"`
	WriteTimeout      time.Duration `env:"SSE_WRITE_TIMEOUT" envDefault:"1s"`
	MissedDataLimit   int           `env:"MISSED_DATA_LIMIT" envDefault:"100"`

	// Observability
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads the optional .env file, parses the environment and validates
// the result.
func Load() (*Config, error) {
	// missing .env is fine; real deployments inject the environment directly
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate enforces the bounds the rest of the service assumes.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_API_URL must be set")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %v", c.UpstreamTimeout)
	}
	if c.MaxWeightPerMinute <= 0 || c.RequestWeight <= 0 {
		return fmt.Errorf("upstream weight budget must be positive (max %d, per-request %d)",
			c.MaxWeightPerMinute, c.RequestWeight)
	}
	if c.RequestWeight > c.MaxWeightPerMinute {
		return fmt.Errorf("UPSTREAM_REQUEST_WEIGHT (%d) exceeds UPSTREAM_MAX_WEIGHT_PER_MINUTE (%d)",
			c.RequestWeight, c.MaxWeightPerMinute)
	}
	if c.BroadcastBackend != "redis" && c.BroadcastBackend != "nats" {
		return fmt.Errorf("BROADCAST_BACKEND must be redis or nats, got %q", c.BroadcastBackend)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive, got %v", c.RefreshInterval)
	}
	// cached blobs must outlive the refresh cadence or readers would observe
	// missing-key windows during healthy steady state
	if c.CacheTTL < c.RefreshInterval {
		return fmt.Errorf("CACHE_TTL (%v) must be at least REFRESH_INTERVAL (%v)",
			c.CacheTTL, c.RefreshInterval)
	}
	if c.MaxPages < 1 {
		return fmt.Errorf("MAX_PAGES must be at least 1, got %d", c.MaxPages)
	}
	if c.PageLimit < 1 || c.PageLimit > 1000 {
		return fmt.Errorf("PAGE_LIMIT must be between 1 and 1000, got %d", c.PageLimit)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("SSE_MAX_CONNECTIONS must be at least 1, got %d", c.MaxConnections)
	}
	if c.MaxPerIP < 1 {
		return fmt.Errorf("SSE_MAX_PER_IP must be at least 1, got %d", c.MaxPerIP)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("SSE_HEARTBEAT_INTERVAL must be positive, got %v", c.HeartbeatInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("SSE_WRITE_TIMEOUT must be positive, got %v", c.WriteTimeout)
	}
	if c.MissedDataLimit < 1 {
		return fmt.Errorf("MISSED_DATA_LIMIT must be at least 1, got %d", c.MissedDataLimit)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level: %w", c.LogLevel, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "pretty" {
		return fmt.Errorf("LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}

// LogConfig emits the effective configuration at startup. Secrets are
// reported by presence only.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("upstream_url", c.UpstreamURL).
		Bool("upstream_api_key_set", c.UpstreamAPIKey != "").
		Dur("upstream_timeout", c.UpstreamTimeout).
		Int("max_weight_per_minute", c.MaxWeightPerMinute).
		Int("request_weight", c.RequestWeight).
		Str("redis_url", c.RedisURL).
		Str("broadcast_backend", c.BroadcastBackend).
		Dur("refresh_interval", c.RefreshInterval).
		Dur("initial_refresh_delay", c.InitialRefreshDelay).
		Dur("page_delay", c.PageDelay).
		Int("max_pages", c.MaxPages).
		Int("page_limit", c.PageLimit).
		Dur("cache_ttl", c.CacheTTL).
		Dur("recent_cache_ttl", c.RecentCacheTTL).
		Int("sse_max_connections", c.MaxConnections).
		Int("sse_max_per_ip", c.MaxPerIP).
		Dur("sse_heartbeat_interval", c.HeartbeatInterval).
		Dur("sse_write_timeout", c.WriteTimeout).
		Int("missed_data_limit", c.MissedDataLimit).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Dur("metrics_interval", c.MetricsInterval).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Msg("Configuration loaded")
}
