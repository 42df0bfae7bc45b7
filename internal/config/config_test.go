package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  request_timeout: 15s

database:
  url: "postgres://engine@localhost/engine"

redis:
  url: "redis://localhost:6379"
  cache_ttl: 1m
  lock_ttl: 5s
  distributed_lock: true

amm:
  scale: 6
  buy_bound: "0.95"
  sell_bound: "0.05"

limits:
  max_shares_per_option: "500"
  max_cost_per_market: "250.5"

reconcile:
  interval: 10s

logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Unexpected port: %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 15*time.Second {
		t.Errorf("Unexpected request timeout: %v", cfg.Server.RequestTimeout)
	}
	if cfg.Redis.CacheTTL != time.Minute {
		t.Errorf("Unexpected cache ttl: %v", cfg.Redis.CacheTTL)
	}
	if !cfg.Redis.DistributedLock {
		t.Error("Expected distributed lock to be enabled")
	}
	if cfg.Reconcile.Interval != 10*time.Second {
		t.Errorf("Unexpected reconcile interval: %v", cfg.Reconcile.Interval)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	curve, err := cfg.Curve()
	if err != nil {
		t.Fatalf("Curve failed: %v", err)
	}
	if curve.Scale != 6 {
		t.Errorf("Unexpected scale: %d", curve.Scale)
	}
	if curve.BuyBound.String() != "0.95" || curve.SellBound.String() != "0.05" {
		t.Errorf("Unexpected bounds: %s/%s", curve.BuyBound, curve.SellBound)
	}
	// Unset keys keep their defaults.
	if curve.MaxIterations != 200 {
		t.Errorf("Unexpected max iterations: %d", curve.MaxIterations)
	}

	shares, cost := cfg.PositionLimits()
	if shares.String() != "500" || cost.String() != "250.5" {
		t.Errorf("Unexpected limits: %s/%s", shares, cost)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("Unexpected slog level: %s", cfg.SlogLevel())
	}
}

func TestLoadDefaults(t *testing.T) {
	// Empty variables count as unset.
	for _, env := range []string{"PORT", "DATABASE_URL", "REDIS_URL"} {
		t.Setenv(env, "")
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Unexpected port: %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "" || cfg.Redis.URL != "" {
		t.Error("Expected in-memory defaults")
	}
	if cfg.InitialGrant().String() != "1000" {
		t.Errorf("Unexpected initial grant: %s", cfg.InitialGrant())
	}
	shares, cost := cfg.PositionLimits()
	if !shares.IsZero() || !cost.IsZero() {
		t.Error("Expected limits disabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_LIMITS_MAX_COST_PER_MARKET", "75")
	t.Setenv("ENGINE_LOGGING_LEVEL", "warn")
	t.Setenv("PORT", "9191")
	t.Setenv("DATABASE_URL", "postgres://env@localhost/engine")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Limits.MaxCostPerMarket != "75" {
		t.Errorf("Unexpected max cost: %s", cfg.Limits.MaxCostPerMarket)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Unexpected level: %s", cfg.Logging.Level)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Unexpected port: %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://env@localhost/engine" {
		t.Errorf("Unexpected database url: %s", cfg.Database.URL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/engine.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, true},
		{"distributed lock without redis", func(c *Config) { c.Redis.DistributedLock = true }, true},
		{"bounds inverted", func(c *Config) { c.AMM.BuyBound, c.AMM.SellBound = "0.01", "0.99" }, true},
		{"bound not decimal", func(c *Config) { c.AMM.BuyBound = "high" }, true},
		{"negative limit", func(c *Config) { c.Limits.MaxCostPerMarket = "-1" }, true},
		{"limit not decimal", func(c *Config) { c.Limits.MaxSharesPerOption = "lots" }, true},
		{"short reconcile", func(c *Config) { c.Reconcile.Interval = 100 * time.Millisecond }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.modify(cfg)
			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
