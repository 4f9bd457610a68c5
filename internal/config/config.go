// Package config loads engine configuration from a YAML file plus
// environment overrides. A .env file is honored when present so local
// development does not need exported variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Venue    VenueConfig    `yaml:"venue"`
	Executor ExecutorConfig `yaml:"executor"`
	Risk     RiskConfig     `yaml:"risk"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string `yaml:"port"`
	ShutdownSeconds int    `yaml:"shutdown_seconds"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	DatabaseURL     string `yaml:"database_url"` // empty → in-memory store
	RedisURL        string `yaml:"redis_url"`    // empty → no cache layer
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// VenueConfig points at the external market API.
type VenueConfig struct {
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
	RateLimit      float64 `yaml:"rate_limit"` // requests per second
	RateBurst      int     `yaml:"rate_burst"`
}

// ExecutorConfig tunes leg execution.
type ExecutorConfig struct {
	Workers          int     `yaml:"workers"`
	QueueSize        int     `yaml:"queue_size"`
	CloseWindowHours int     `yaml:"close_window_hours"`
	LiquidityPct     float64 `yaml:"liquidity_pct"` // stake/liquidity ratio forcing a book walk
}

// RiskConfig bounds chain shape and stake.
type RiskConfig struct {
	MaxLegs        int     `yaml:"max_legs"`
	MinStake       float64 `yaml:"min_stake"` // dollars
	MaxStake       float64 `yaml:"max_stake"` // dollars
	MaxOpenChains  int     `yaml:"max_open_chains"`
	MaxSlippagePct float64 `yaml:"max_slippage_pct"` // 0.10 = 10%
}

// LogConfig controls log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path (if it exists), layers environment
// overrides on top, and fills defaults. A missing file is not an error:
// a container deployment may configure everything through the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env + defaults
		default:
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

// ShutdownTimeout returns the graceful-shutdown window.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}

// VenueTimeout returns the per-request venue timeout.
func (c *Config) VenueTimeout() time.Duration {
	return time.Duration(c.Venue.TimeoutSeconds) * time.Second
}

// CacheTTL returns the Redis cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Storage.CacheTTLSeconds) * time.Second
}

// CloseWindow returns the market-resolution guard window.
func (c *Config) CloseWindow() time.Duration {
	return time.Duration(c.Executor.CloseWindowHours) * time.Hour
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("VENUE_BASE_URL"); v != "" {
		cfg.Venue.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownSeconds <= 0 {
		cfg.Server.ShutdownSeconds = 5
	}
	if cfg.Storage.CacheTTLSeconds <= 0 {
		cfg.Storage.CacheTTLSeconds = 30
	}
	if cfg.Venue.BaseURL == "" {
		cfg.Venue.BaseURL = "https://clob.polymarket.com"
	}
	if cfg.Venue.TimeoutSeconds <= 0 {
		cfg.Venue.TimeoutSeconds = 10
	}
	if cfg.Venue.MaxRetries <= 0 {
		cfg.Venue.MaxRetries = 3
	}
	if cfg.Venue.RateLimit <= 0 {
		cfg.Venue.RateLimit = 10
	}
	if cfg.Venue.RateBurst <= 0 {
		cfg.Venue.RateBurst = 20
	}
	if cfg.Executor.Workers <= 0 {
		cfg.Executor.Workers = 4
	}
	if cfg.Executor.QueueSize <= 0 {
		cfg.Executor.QueueSize = 256
	}
	if cfg.Executor.CloseWindowHours <= 0 {
		cfg.Executor.CloseWindowHours = 24
	}
	if cfg.Executor.LiquidityPct <= 0 {
		cfg.Executor.LiquidityPct = 0.05
	}
	if cfg.Risk.MaxLegs <= 0 {
		cfg.Risk.MaxLegs = 6
	}
	if cfg.Risk.MinStake <= 0 {
		cfg.Risk.MinStake = 1
	}
	if cfg.Risk.MaxStake <= 0 {
		cfg.Risk.MaxStake = 1000
	}
	if cfg.Risk.MaxOpenChains <= 0 {
		cfg.Risk.MaxOpenChains = 5
	}
	if cfg.Risk.MaxSlippagePct <= 0 {
		cfg.Risk.MaxSlippagePct = 0.10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}
