package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, "billing.db", cfg.DBPath)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 30, cfg.IndexationWarningDays)
	assert.Equal(t, time.Hour, cfg.IndexationScanInterval)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSOrigins)
	assert.False(t, cfg.UsesRedisLock())
	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DB_PATH", "/var/lib/billing/billing.db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOCK_TTL", "3s")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METRICS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.UsesRedisLock())
	assert.Equal(t, 3*time.Second, cfg.LockTTL)
	assert.False(t, cfg.MetricsEnabled)

	lc := cfg.LoggerConfig()
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "debug", lc.Level)
}

func TestValidate_Rejects(t *testing.T) {
	base := func() Config {
		return Config{
			DBPath:                 "billing.db",
			IndexationWarningDays:  30,
			IndexationScanInterval: time.Hour,
			LockTTL:                time.Second,
			RateLimitRequests:      10,
		}
	}
	valid := base()
	require.NoError(t, valid.Validate())

	mutations := map[string]func(*Config){
		"empty db path":   func(c *Config) { c.DBPath = "" },
		"negative window": func(c *Config) { c.IndexationWarningDays = -1 },
		"zero interval":   func(c *Config) { c.IndexationScanInterval = 0 },
		"zero lock ttl":   func(c *Config) { c.LockTTL = 0 },
		"zero rate limit": func(c *Config) { c.RateLimitRequests = 0 },
	}
	for name, mutate := range mutations {
		c := base()
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
}
