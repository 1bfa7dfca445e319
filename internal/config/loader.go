package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MIRROR_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MIRROR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MIRROR_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "MIRROR_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MIRROR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MIRROR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MIRROR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MIRROR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MIRROR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MIRROR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MIRROR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MIRROR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MIRROR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MIRROR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MIRROR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MIRROR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MIRROR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MIRROR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MIRROR_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MIRROR_REDIS_KEY_PREFIX")
	setInt(&cfg.Redis.ConnectionTTLSeconds, "MIRROR_REDIS_CONNECTION_TTL_SECONDS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MIRROR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MIRROR_S3_REGION")
	setStr(&cfg.S3.Bucket, "MIRROR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MIRROR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MIRROR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MIRROR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MIRROR_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "MIRROR_S3_RETENTION_DAYS")

	// ── Trading ──
	setStr(&cfg.Trading.PricePolicy, "MIRROR_TRADING_PRICE_POLICY")
	setDuration(&cfg.Trading.PriceWait, "MIRROR_TRADING_PRICE_WAIT")
	setStr(&cfg.Trading.WindowOpen, "MIRROR_TRADING_WINDOW_OPEN")
	setStr(&cfg.Trading.WindowClose, "MIRROR_TRADING_WINDOW_CLOSE")
	setStringSlice(&cfg.Trading.Weekdays, "MIRROR_TRADING_WEEKDAYS")
	setStr(&cfg.Trading.Timezone, "MIRROR_TRADING_TIMEZONE")
	setBool(&cfg.Trading.UseBrokerCalendar, "MIRROR_TRADING_USE_BROKER_CALENDAR")
	setStr(&cfg.Trading.CalendarAPIKey, "MIRROR_TRADING_CALENDAR_API_KEY")
	setStr(&cfg.Trading.CalendarAPISecret, "MIRROR_TRADING_CALENDAR_API_SECRET")
	setStr(&cfg.Trading.CalendarBaseURL, "MIRROR_TRADING_CALENDAR_BASE_URL")
	setInt(&cfg.Trading.RateLimit, "MIRROR_TRADING_RATE_LIMIT")
	setDuration(&cfg.Trading.RateWindow, "MIRROR_TRADING_RATE_WINDOW")

	// ── MarketData ──
	setStr(&cfg.MarketData.BaseURL, "MIRROR_MARKETDATA_BASE_URL")
	setStr(&cfg.MarketData.APIKey, "MIRROR_MARKETDATA_API_KEY")

	// ── Fanout ──
	setInt(&cfg.Fanout.Concurrency, "MIRROR_FANOUT_CONCURRENCY")
	setDuration(&cfg.Fanout.PollInterval, "MIRROR_FANOUT_POLL_INTERVAL")
	setInt(&cfg.Fanout.BatchSize, "MIRROR_FANOUT_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MIRROR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MIRROR_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MIRROR_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MIRROR_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MIRROR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MIRROR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MIRROR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MIRROR_NOTIFY_EVENTS")

	// ── Security ──
	setStr(&cfg.Security.CredentialsKey, "MIRROR_SECURITY_CREDENTIALS_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "MIRROR_MODE")
	setStr(&cfg.LogLevel, "MIRROR_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
