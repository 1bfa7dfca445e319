package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig is Defaults plus the secrets Validate insists on.
func validConfig() Config {
	cfg := Defaults()
	cfg.Security.CredentialsKey = "test-credentials-key"
	return cfg
}

func TestDefaultsValidateWithSecrets(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateCatchesBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "hybrid" }, "unknown mode"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"missing credentials key", func(c *Config) { c.Security.CredentialsKey = "" }, "credentials_key"},
		{"bad price policy", func(c *Config) { c.Trading.PricePolicy = "oracle" }, "price_policy"},
		{"bad timezone", func(c *Config) { c.Trading.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad window clock", func(c *Config) { c.Trading.WindowOpen = "9am" }, "window_open"},
		{"bad weekday", func(c *Config) { c.Trading.Weekdays = []string{"Funday"} }, "weekday"},
		{"zero rate limit", func(c *Config) { c.Trading.RateLimit = 0 }, "rate_limit"},
		{"zero fanout concurrency", func(c *Config) { c.Fanout.Concurrency = 0 }, "concurrency"},
		{"bad server port", func(c *Config) { c.Server.Port = 70000 }, "port"},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis"},
		{
			"calendar without credentials",
			func(c *Config) { c.Trading.UseBrokerCalendar = true },
			"calendar_api_key",
		},
		{
			"snapshot policy without marketdata url",
			func(c *Config) {
				c.Trading.PricePolicy = string(PolicyExternalSnapshot)
				c.MarketData.BaseURL = ""
			},
			"marketdata",
		},
		{
			"worker mode without bucket",
			func(c *Config) { c.Mode = "worker"; c.S3.Bucket = "" },
			"bucket",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "hybrid"
	cfg.LogLevel = "verbose"
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "redis")
}

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTempConfig(t, `
mode = "server"
log_level = "debug"

[server]
port = 9100

[trading]
price_wait = "3s"
rate_limit = 25

[security]
credentials_key = "from-file"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Trading.PriceWait.Duration)
	assert.Equal(t, 25, cfg.Trading.RateLimit)
	assert.Equal(t, "from-file", cfg.Security.CredentialsKey)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, string(PolicyBrokerReported), cfg.Trading.PricePolicy)
}

func TestLoadEnvOverridesWinOverFile(t *testing.T) {
	path := writeTempConfig(t, `
[redis]
addr = "file-redis:6379"

[security]
credentials_key = "from-file"
`)

	t.Setenv("MIRROR_REDIS_ADDR", "env-redis:6379")
	t.Setenv("MIRROR_SECURITY_CREDENTIALS_KEY", "from-env")
	t.Setenv("MIRROR_SERVER_PORT", "9200")
	t.Setenv("MIRROR_TRADING_PRICE_WAIT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "from-env", cfg.Security.CredentialsKey)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Trading.PriceWait.Duration)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"

	redacted := RedactedConfig(&cfg)

	assert.Equal(t, "***", redacted.Postgres.Password)
	assert.Equal(t, "***", redacted.Redis.Password)
	assert.Equal(t, "***", redacted.S3.SecretKey)
	assert.Equal(t, "***", redacted.Server.APIKey)

	// The original is untouched.
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
