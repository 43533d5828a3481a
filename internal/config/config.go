package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`     // HTTP server settings
	Upstream  UpstreamConfig  `toml:"upstream"`   // OpenSky data source settings
	RateLimit RateLimitConfig `toml:"rate_limit"` // Upstream request budget settings
	Tracking  TrackingConfig  `toml:"tracking"`   // Tracking core tuning
	Catalog   CatalogConfig   `toml:"catalog"`    // Static aircraft catalog settings
	Logging   LoggingConfig   `toml:"logging"`    // Application logging settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for the server
	Host             string `toml:"host"`                  // Host address to bind to (127.0.0.1 for localhost only, 0.0.0.0 for all interfaces)
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next keep-alive request
}

// UpstreamConfig contains OpenSky data source configuration.
//
// REST is always available; the WebSocket feed is optional and only used when
// websocket_url is set. Credentials are HTTP Basic; when absent, requests go
// out anonymously and the daily request budget drops to the anonymous quota.
type UpstreamConfig struct {
	RestURL             string  `toml:"rest_url"`                // Base URL for the states endpoint (e.g., https://opensky-network.org/api/states/all)
	WebSocketURL        string  `toml:"websocket_url"`           // Upstream WebSocket endpoint ("" = polling only)
	Username            string  `toml:"username"`                // Basic auth username ("" = anonymous)
	Password            string  `toml:"password"`                // Basic auth password
	RequestTimeoutSecs  int     `toml:"request_timeout_seconds"` // Per-request timeout before the attempt counts as failed
	RetryMaxAttempts    int     `toml:"retry_max_attempts"`      // Retries after the first attempt on transient failure
	RetryInitialDelayMs int     `toml:"retry_initial_delay_ms"`  // First retry delay; doubles each attempt
	RequestsPerSecond   float64 `toml:"requests_per_second"`     // Outbound pacing for the fetch client
	ReconnectBaseMs     int     `toml:"reconnect_base_ms"`       // WebSocket reconnect base delay
	ReconnectMaxMs      int     `toml:"reconnect_max_ms"`        // WebSocket reconnect delay cap
	MaxReconnects       int     `toml:"max_reconnects"`          // Reconnect attempts before WebSocket mode is disabled
}

// RateLimitConfig contains the upstream request budget settings
type RateLimitConfig struct {
	RequestsPerInterval int `toml:"requests_per_interval"` // Ceiling for the short sliding window
	IntervalSecs        int `toml:"interval_seconds"`      // Length of the short sliding window
	RequestsPerDay      int `toml:"requests_per_day"`      // Ceiling for the 24h sliding window
	AnonymousPerDay     int `toml:"anonymous_per_day"`     // Daily ceiling used when no upstream credentials are configured
}

// TrackingConfig contains tracking core tuning
type TrackingConfig struct {
	PollIntervalSecs         int     `toml:"poll_interval_seconds"`         // Default per-manufacturer poll interval
	MinPollIntervalSecs      int     `toml:"min_poll_interval_seconds"`     // Adaptive backoff floor
	MaxPollIntervalSecs      int     `toml:"max_poll_interval_seconds"`     // Adaptive backoff ceiling
	MaxBatchSize             int     `toml:"max_batch_size"`                // Maximum icao24 ids per upstream request
	CacheTTLMins             int     `toml:"cache_ttl_minutes"`             // Position cache eviction horizon
	CacheSweepMins           int     `toml:"cache_sweep_minutes"`           // Interval between cache sweeps
	FreshnessSecs            int     `toml:"freshness_seconds"`             // Age below which a cached position suppresses a re-poll
	ExtrapolationHorizonSecs int     `toml:"extrapolation_horizon_seconds"` // Refuse dead reckoning beyond this age
	TrailLength              int     `toml:"trail_length"`                  // Positions kept per aircraft trail
	MaxTrackedAircraft       int     `toml:"max_tracked_aircraft"`          // Bound on the trail map (LRU evicted)
	CleanupAfterMins         int     `toml:"cleanup_after_minutes"`         // Idle horizon for manufacturer state purge
	DedupeWindowMs           int     `toml:"dedupe_window_ms"`              // Post-completion reuse window for identical fetches
	MinUpdateDistanceMeters  float64 `toml:"min_update_distance_meters"`    // Displayed-position churn threshold (distance)
	MinUpdateIntervalMs      int     `toml:"min_update_interval_ms"`        // Displayed-position churn threshold (time)
}

// CatalogConfig contains static aircraft catalog settings
type CatalogConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path to the read-only aircraft catalog database
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// Default returns the configuration defaults applied before decoding.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			Host:             "127.0.0.1",
			ReadTimeoutSecs:  30,
			WriteTimeoutSecs: 30,
			IdleTimeoutSecs:  120,
		},
		Upstream: UpstreamConfig{
			RestURL:             "https://opensky-network.org/api/states/all",
			RequestTimeoutSecs:  10,
			RetryMaxAttempts:    3,
			RetryInitialDelayMs: 1000,
			RequestsPerSecond:   2,
			ReconnectBaseMs:     1000,
			ReconnectMaxMs:      30000,
			MaxReconnects:       10,
		},
		RateLimit: RateLimitConfig{
			RequestsPerInterval: 60,
			IntervalSecs:        60,
			RequestsPerDay:      4000,
			AnonymousPerDay:     400,
		},
		Tracking: TrackingConfig{
			PollIntervalSecs:         5,
			MinPollIntervalSecs:      1,
			MaxPollIntervalSecs:      60,
			MaxBatchSize:             100,
			CacheTTLMins:             30,
			CacheSweepMins:           10,
			FreshnessSecs:            10,
			ExtrapolationHorizonSecs: 300,
			TrailLength:              10,
			MaxTrackedAircraft:       5000,
			CleanupAfterMins:         60,
			DedupeWindowMs:           2000,
			MinUpdateDistanceMeters:  10,
			MinUpdateIntervalMs:      1000,
		},
		Catalog: CatalogConfig{
			SQLitePath: "data/aircraft.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	config := Default()
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return config, nil
}

// LoadWithFallback loads configuration from the given path, or searches the
// standard locations (configs/, then the working directory) when path is empty.
// With no file found anywhere, defaults are returned.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	candidates := []string{
		filepath.Join("configs", "config.toml"),
		"config.toml",
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
	}

	return Default(), nil
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Upstream.RestURL == "" {
		return fmt.Errorf("upstream rest_url must be set")
	}
	if c.RateLimit.RequestsPerInterval <= 0 || c.RateLimit.IntervalSecs <= 0 {
		return fmt.Errorf("rate_limit interval window must be positive")
	}
	if c.RateLimit.RequestsPerDay <= 0 {
		return fmt.Errorf("rate_limit requests_per_day must be positive")
	}
	if c.Tracking.MaxBatchSize <= 0 {
		return fmt.Errorf("tracking max_batch_size must be positive")
	}
	if c.Tracking.MinPollIntervalSecs > c.Tracking.MaxPollIntervalSecs {
		return fmt.Errorf("tracking min_poll_interval_seconds exceeds max_poll_interval_seconds")
	}
	if c.Tracking.FreshnessSecs > c.Tracking.CacheTTLMins*60 {
		return fmt.Errorf("tracking freshness_seconds must not exceed the cache TTL")
	}
	if c.Tracking.TrailLength <= 0 {
		return fmt.Errorf("tracking trail_length must be positive")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}

// DailyRequestCeiling returns the effective daily budget, honoring the lower
// anonymous quota when no credentials are configured.
func (c *Config) DailyRequestCeiling() int {
	if c.Upstream.Username == "" && c.RateLimit.AnonymousPerDay > 0 {
		return c.RateLimit.AnonymousPerDay
	}
	return c.RateLimit.RequestsPerDay
}
