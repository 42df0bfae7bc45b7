// Package config loads the engine's configuration from an optional YAML
// file, defaults and ENGINE_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/playmoney/trade-engine/internal/amm"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AMM       AMMConfig       `mapstructure:"amm"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// SeedEndpoints exposes POST /markets and POST /accounts.
	SeedEndpoints bool `mapstructure:"seed_endpoints"`
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// RedisConfig holds cache and distributed lock configuration. An empty URL
// disables both.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	// DistributedLock serialises trades across instances through Redis.
	DistributedLock bool `mapstructure:"distributed_lock"`
}

// AMMConfig holds the pricing curve's numeric policy. Bounds are decimal
// strings.
type AMMConfig struct {
	Scale         int32   `mapstructure:"scale"`
	MaxIterations int     `mapstructure:"max_iterations"`
	Tolerance     float64 `mapstructure:"tolerance"`
	BuyBound      string  `mapstructure:"buy_bound"`
	SellBound     string  `mapstructure:"sell_bound"`
}

// LimitsConfig holds per-account position limits. "0" disables a limit.
type LimitsConfig struct {
	MaxSharesPerOption string `mapstructure:"max_shares_per_option"`
	MaxCostPerMarket   string `mapstructure:"max_cost_per_market"`
}

// AccountsConfig holds account opening policy.
type AccountsConfig struct {
	InitialGrant string `mapstructure:"initial_grant"`
}

// ReconcileConfig holds the stale projection retry policy.
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file and environment variables.
// Nested keys map to ENGINE_SECTION_KEY, e.g. ENGINE_DATABASE_URL. PORT,
// DATABASE_URL and REDIS_URL are honoured too.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"server.port":  "PORT",
		"database.url": "DATABASE_URL",
		"redis.url":    "REDIS_URL",
	} {
		if err := v.BindEnv(key, "ENGINE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	def := amm.DefaultConfig()

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.seed_endpoints", true)

	// Storage defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("redis.lock_ttl", "10s")
	v.SetDefault("redis.distributed_lock", false)

	// Pricing defaults
	v.SetDefault("amm.scale", def.Scale)
	v.SetDefault("amm.max_iterations", def.MaxIterations)
	v.SetDefault("amm.tolerance", def.Tolerance)
	v.SetDefault("amm.buy_bound", def.BuyBound.String())
	v.SetDefault("amm.sell_bound", def.SellBound.String())

	// Limits defaults: disabled
	v.SetDefault("limits.max_shares_per_option", "0")
	v.SetDefault("limits.max_cost_per_market", "0")

	v.SetDefault("accounts.initial_grant", "1000")
	v.SetDefault("reconcile.interval", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL <= 0 {
		return fmt.Errorf("redis.cache_ttl must be positive")
	}
	if c.Redis.DistributedLock {
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when redis.distributed_lock is enabled")
		}
		if c.Redis.LockTTL < time.Second {
			return fmt.Errorf("redis.lock_ttl must be at least 1 second")
		}
	}

	if _, err := c.Curve(); err != nil {
		return err
	}

	for key, val := range map[string]string{
		"limits.max_shares_per_option": c.Limits.MaxSharesPerOption,
		"limits.max_cost_per_market":   c.Limits.MaxCostPerMarket,
		"accounts.initial_grant":       c.Accounts.InitialGrant,
	} {
		d, err := decimal.NewFromString(val)
		if err != nil {
			return fmt.Errorf("%s must be a decimal: %w", key, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	if c.Reconcile.Interval < time.Second {
		return fmt.Errorf("reconcile.interval must be at least 1 second")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Curve returns the validated pricing policy.
func (c *Config) Curve() (amm.Config, error) {
	buy, err := decimal.NewFromString(c.AMM.BuyBound)
	if err != nil {
		return amm.Config{}, fmt.Errorf("amm.buy_bound must be a decimal: %w", err)
	}
	sell, err := decimal.NewFromString(c.AMM.SellBound)
	if err != nil {
		return amm.Config{}, fmt.Errorf("amm.sell_bound must be a decimal: %w", err)
	}
	cfg := amm.Config{
		Scale:         c.AMM.Scale,
		MaxIterations: c.AMM.MaxIterations,
		Tolerance:     c.AMM.Tolerance,
		BuyBound:      buy,
		SellBound:     sell,
	}
	if err := cfg.Validate(); err != nil {
		return amm.Config{}, err
	}
	return cfg, nil
}

// PositionLimits returns the per-option share cap and per-market cost cap.
// Call after Validate.
func (c *Config) PositionLimits() (maxShares, maxCost decimal.Decimal) {
	return decimal.RequireFromString(c.Limits.MaxSharesPerOption),
		decimal.RequireFromString(c.Limits.MaxCostPerMarket)
}

// InitialGrant returns the currency granted to new accounts. Call after
// Validate.
func (c *Config) InitialGrant() decimal.Decimal {
	return decimal.RequireFromString(c.Accounts.InitialGrant)
}

// SlogLevel maps logging.level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
