// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/warp/billing-engine/logger"
)

// Config holds runtime configuration for the billing server.
type Config struct {
	AppEnv          string        `envconfig:"APP_ENV" default:"development"`
	AppAddr         string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout  time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"APP_SHUTDOWN_TIMEOUT" default:"10s"`

	DBPath string `envconfig:"DB_PATH" default:"billing.db"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogOutput string `envconfig:"LOG_OUTPUT" default:"stdout"`

	// Empty RedisAddr selects the in-process agreement lock.
	RedisAddr string        `envconfig:"REDIS_ADDR"`
	LockTTL   time.Duration `envconfig:"LOCK_TTL" default:"10s"`

	IndexationWarningDays  int           `envconfig:"INDEXATION_WARNING_DAYS" default:"30"`
	IndexationScanInterval time.Duration `envconfig:"INDEXATION_SCAN_INTERVAL" default:"1h"`

	CORSOrigins       []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`
	RateLimitRequests int      `envconfig:"RATE_LIMIT_REQUESTS" default:"120"`

	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("DB_PATH must be provided")
	}
	if c.IndexationWarningDays < 0 {
		return errors.New("INDEXATION_WARNING_DAYS must not be negative")
	}
	if c.IndexationScanInterval <= 0 {
		return errors.New("INDEXATION_SCAN_INTERVAL must be positive")
	}
	if c.LockTTL <= 0 {
		return errors.New("LOCK_TTL must be positive")
	}
	if c.RateLimitRequests <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be positive")
	}
	return nil
}

// IsProduction returns true when the server runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// UsesRedisLock reports whether agreement locks are shared through Redis.
func (c *Config) UsesRedisLock() bool {
	return c.RedisAddr != ""
}

// LoggerConfig returns the logging section as a logger.LogConfig.
func (c *Config) LoggerConfig() logger.LogConfig {
	lc := logger.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Format = c.LogFormat
	lc.Output = c.LogOutput
	return lc
}
