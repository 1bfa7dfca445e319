// Package config defines the top-level configuration for mirrormarket and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// PricePolicy selects how a new position's fill price is resolved.
type PricePolicy string

const (
	// PolicyBrokerReported trusts the broker's own execution report, with a
	// bounded wait; an unpriceable order soft-fails to a REJECTED trade.
	PolicyBrokerReported PricePolicy = "broker_reported"
	// PolicyExternalSnapshot resolves a market-data snapshot before any
	// order is placed; snapshot failure aborts the request.
	PolicyExternalSnapshot PricePolicy = "external_snapshot"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MIRROR_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Trading    TradingConfig    `toml:"trading"`
	MarketData MarketDataConfig `toml:"marketdata"`
	Fanout     FanoutConfig     `toml:"fanout"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Security   SecurityConfig   `toml:"security"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// KeyPrefix namespaces every key this deployment writes, so several
	// environments can share one Redis instance.
	KeyPrefix string `toml:"key_prefix"`
	// ConnectionTTLSeconds bounds how long an active-connection lookup may be
	// served from cache before hitting Postgres again.
	ConnectionTTLSeconds int `toml:"connection_ttl_seconds"`
}

// S3Config holds S3-compatible object storage parameters for archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// RetentionDays is how long settled trades stay in the primary store
	// before the archiver moves them to object storage.
	RetentionDays int `toml:"retention_days"`
}

// TradingConfig holds trade-lifecycle parameters.
type TradingConfig struct {
	// PricePolicy is "broker_reported" or "external_snapshot".
	PricePolicy string `toml:"price_policy"`
	// PriceWait bounds how long the broker-reported resolver waits for a
	// usable execution price before soft-failing the trade.
	PriceWait duration `toml:"price_wait"`

	// Trading window. Times are "HH:MM" clock values interpreted in
	// Timezone; Weekdays uses time.Weekday names.
	WindowOpen  string   `toml:"window_open"`
	WindowClose string   `toml:"window_close"`
	Weekdays    []string `toml:"weekdays"`
	Timezone    string   `toml:"timezone"`

	// UseBrokerCalendar additionally consults the Alpaca trading calendar so
	// exchange holidays inside the static window are rejected.
	UseBrokerCalendar bool   `toml:"use_broker_calendar"`
	CalendarAPIKey    string `toml:"calendar_api_key"`
	CalendarAPISecret string `toml:"calendar_api_secret"`
	CalendarBaseURL   string `toml:"calendar_base_url"`

	// Per-user sliding-window limit on mutating trade operations, checked
	// before any broker call.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// MarketDataConfig holds the external snapshot provider's endpoint.
type MarketDataConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// FanoutConfig holds follower fan-out worker parameters.
type FanoutConfig struct {
	// Concurrency bounds simultaneous follower order placements per job.
	Concurrency int `toml:"concurrency"`
	// PollInterval is the worker's stream poll cadence when idle.
	PollInterval duration `toml:"poll_interval"`
	// BatchSize is the maximum number of jobs claimed per stream read.
	BatchSize int `toml:"batch_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey gates every API route when set; empty disables auth (dev only).
	APIKey string `toml:"api_key"`
}

// NotifyConfig holds operator notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// SecurityConfig holds secrets protecting data at rest.
type SecurityConfig struct {
	// CredentialsKey is the passphrase used to encrypt broker credentials
	// stored in the connections table.
	CredentialsKey string `toml:"credentials_key"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "1500ms", "1m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "mirrormarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:                 "localhost:6379",
			DB:                   0,
			PoolSize:             20,
			MaxRetries:           3,
			TLSEnabled:           false,
			KeyPrefix:            "mirror",
			ConnectionTTLSeconds: 60,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "mirrormarket-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Trading: TradingConfig{
			PricePolicy:     string(PolicyBrokerReported),
			PriceWait:       duration{1500 * time.Millisecond},
			WindowOpen:      "09:30",
			WindowClose:     "16:00",
			Weekdays:        []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"},
			Timezone:        "America/New_York",
			CalendarBaseURL: "https://paper-api.alpaca.markets",
			RateLimit:       10,
			RateWindow:      duration{time.Minute},
		},
		MarketData: MarketDataConfig{
			BaseURL: "https://api.marketdata.app/v1",
		},
		Fanout: FanoutConfig{
			Concurrency:  8,
			PollInterval: duration{500 * time.Millisecond},
			BatchSize:    16,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"trade_soft_failed", "fanout_failure", "archive_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validWeekdays = map[string]bool{
	"Sunday":    true,
	"Monday":    true,
	"Tuesday":   true,
	"Wednesday": true,
	"Thursday":  true,
	"Friday":    true,
	"Saturday":  true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.ConnectionTTLSeconds < 1 {
		errs = append(errs, "redis: connection_ttl_seconds must be >= 1")
	}

	// S3 — the archiver only runs in worker modes.
	if c.Mode == "worker" || c.Mode == "full" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Trading
	switch PricePolicy(c.Trading.PricePolicy) {
	case PolicyBrokerReported:
	case PolicyExternalSnapshot:
		if c.MarketData.BaseURL == "" {
			errs = append(errs, "marketdata: base_url is required under the external_snapshot price policy")
		}
	default:
		errs = append(errs, fmt.Sprintf("trading: unknown price_policy %q (valid: broker_reported, external_snapshot)", c.Trading.PricePolicy))
	}
	if c.Trading.PriceWait.Duration <= 0 {
		errs = append(errs, "trading: price_wait must be > 0")
	}
	if _, err := time.LoadLocation(c.Trading.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("trading: invalid timezone %q", c.Trading.Timezone))
	}
	if !validClock(c.Trading.WindowOpen) || !validClock(c.Trading.WindowClose) {
		errs = append(errs, "trading: window_open and window_close must be HH:MM")
	}
	for _, d := range c.Trading.Weekdays {
		if !validWeekdays[d] {
			errs = append(errs, fmt.Sprintf("trading: invalid weekday %q", d))
		}
	}
	if c.Trading.UseBrokerCalendar && (c.Trading.CalendarAPIKey == "" || c.Trading.CalendarAPISecret == "") {
		errs = append(errs, "trading: calendar_api_key and calendar_api_secret are required when use_broker_calendar is set")
	}
	if c.Trading.RateLimit < 1 {
		errs = append(errs, "trading: rate_limit must be >= 1")
	}
	if c.Trading.RateWindow.Duration <= 0 {
		errs = append(errs, "trading: rate_window must be > 0")
	}

	// Fanout
	if c.Fanout.Concurrency < 1 {
		errs = append(errs, "fanout: concurrency must be >= 1")
	}
	if c.Fanout.BatchSize < 1 {
		errs = append(errs, "fanout: batch_size must be >= 1")
	}
	if c.Fanout.PollInterval.Duration <= 0 {
		errs = append(errs, "fanout: poll_interval must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Security
	if c.Security.CredentialsKey == "" {
		errs = append(errs, "security: credentials_key must be set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validClock reports whether s parses as a "HH:MM" clock value.
func validClock(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}
