package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meridian-markets/feedcore/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Env     string `mapstructure:"env"`
	Log     logging.Config
	Redis   RedisConfig
	Kalshi  KalshiConfig
	Deribit DeribitConfig
	Retry   RetryConfig
	Health  HealthConfig
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KalshiConfig holds the prediction-market venue settings. When Markets
// is empty and SeriesTicker is set, the market list is discovered
// through the REST catalog at startup.
type KalshiConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	WSURL          string   `mapstructure:"ws_url"`
	RESTURL        string   `mapstructure:"rest_url"`
	APIKey         string   `mapstructure:"api_key"`
	PrivateKeyPath string   `mapstructure:"private_key_path"`
	SeriesTicker   string   `mapstructure:"series_ticker"`
	Markets        []string `mapstructure:"markets"`
	Channels       []string `mapstructure:"channels"`
}

// DeribitConfig holds the derivatives venue settings.
type DeribitConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	WSURL       string   `mapstructure:"ws_url"`
	Instruments []string `mapstructure:"instruments"`
	Channels    []string `mapstructure:"channels"`
}

// RetryConfig holds backoff and budget settings shared by the write
// path, the REST client, and the connection layer.
type RetryConfig struct {
	BaseMS             int `mapstructure:"base_ms"`
	MaxMS              int `mapstructure:"max_ms"`
	MaxRetries         int `mapstructure:"max_retries"`
	MaxConnectAttempts int `mapstructure:"max_connect_attempts"`
	RateLimitBaseMS    int `mapstructure:"rate_limit_base_ms"`
}

// Base returns the first-attempt backoff delay.
func (r RetryConfig) Base() time.Duration { return time.Duration(r.BaseMS) * time.Millisecond }

// Max returns the backoff ceiling.
func (r RetryConfig) Max() time.Duration { return time.Duration(r.MaxMS) * time.Millisecond }

// RateLimitBase returns the base pause applied after a 429.
func (r RetryConfig) RateLimitBase() time.Duration {
	return time.Duration(r.RateLimitBaseMS) * time.Millisecond
}

// HealthConfig holds connection liveness settings.
type HealthConfig struct {
	StaleAfterMS    int `mapstructure:"stale_after_ms"`
	ProbeIntervalMS int `mapstructure:"probe_interval_ms"`
	ProbeFailures   int `mapstructure:"probe_failures"`
}

// StaleAfter returns the inbound silence threshold.
func (h HealthConfig) StaleAfter() time.Duration {
	return time.Duration(h.StaleAfterMS) * time.Millisecond
}

// ProbeInterval returns the probe cadence once a connection is stale.
func (h HealthConfig) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalMS) * time.Millisecond
}

// Load reads configuration from environment variables prefixed with FEEDCORE_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_age_days", 7)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Kalshi defaults
	v.SetDefault("kalshi.enabled", true)
	v.SetDefault("kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("kalshi.rest_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.channels", "orderbook_delta,trade")

	// Deribit defaults
	v.SetDefault("deribit.enabled", false)
	v.SetDefault("deribit.ws_url", "wss://www.deribit.com/ws/api/v2")
	v.SetDefault("deribit.channels", "book,trades")

	// Retry defaults
	v.SetDefault("retry.base_ms", 250)
	v.SetDefault("retry.max_ms", 30000)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.max_connect_attempts", 0)
	v.SetDefault("retry.rate_limit_base_ms", 500)

	// Health defaults
	v.SetDefault("health.stale_after_ms", 10000)
	v.SetDefault("health.probe_interval_ms", 2000)
	v.SetDefault("health.probe_failures", 3)

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Log = logging.Config{
		Level:      v.GetString("log.level"),
		Format:     v.GetString("log.format"),
		Output:     v.GetString("log.output"),
		MaxAgeDays: v.GetInt("log.max_age_days"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Kalshi = KalshiConfig{
		Enabled:        v.GetBool("kalshi.enabled"),
		WSURL:          v.GetString("kalshi.ws_url"),
		RESTURL:        v.GetString("kalshi.rest_url"),
		APIKey:         v.GetString("kalshi.api_key"),
		PrivateKeyPath: v.GetString("kalshi.private_key_path"),
		SeriesTicker:   v.GetString("kalshi.series_ticker"),
		Markets:        splitList(v.GetString("kalshi.markets")),
		Channels:       splitList(v.GetString("kalshi.channels")),
	}

	cfg.Deribit = DeribitConfig{
		Enabled:     v.GetBool("deribit.enabled"),
		WSURL:       v.GetString("deribit.ws_url"),
		Instruments: splitList(v.GetString("deribit.instruments")),
		Channels:    splitList(v.GetString("deribit.channels")),
	}

	cfg.Retry = RetryConfig{
		BaseMS:             v.GetInt("retry.base_ms"),
		MaxMS:              v.GetInt("retry.max_ms"),
		MaxRetries:         v.GetInt("retry.max_retries"),
		MaxConnectAttempts: v.GetInt("retry.max_connect_attempts"),
		RateLimitBaseMS:    v.GetInt("retry.rate_limit_base_ms"),
	}

	cfg.Health = HealthConfig{
		StaleAfterMS:    v.GetInt("health.stale_after_ms"),
		ProbeIntervalMS: v.GetInt("health.probe_interval_ms"),
		ProbeFailures:   v.GetInt("health.probe_failures"),
	}

	return cfg, nil
}

// splitList parses a comma-separated env value into trimmed entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
