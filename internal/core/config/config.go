package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Consolidation modes.
const (
	ModeSync  = "sync"  // each write consolidates inline and returns the new value
	ModeAsync = "async" // the scheduler consolidates periodically
)

// Config is the top-level application configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Fields        FieldsConfig        `koanf:"fields"`
	Consolidation ConsolidationConfig `koanf:"consolidation"`
	GC            GCConfig            `koanf:"gc"`
	Analytics     AnalyticsConfig     `koanf:"analytics"`

	// Timezone is the IANA zone cohort keys are derived in.
	Timezone string `koanf:"timezone"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type FieldsConfig struct {
	ConfigDir     string `koanf:"config_dir"`
	RequireFields bool   `koanf:"require_fields"`
}

type ConsolidationConfig struct {
	Mode                   string `koanf:"mode"`             // sync | async
	AutoConsolidate        bool   `koanf:"auto_consolidate"` // async mode: run the periodic sweep
	Interval               string `koanf:"interval"`         // sweep period, e.g. "1m"
	Window                 string `koanf:"window"`           // watermark lookback, e.g. "24h", "7d"
	SweepConcurrency       int    `koanf:"sweep_concurrency"`
	MarkAppliedConcurrency int    `koanf:"mark_applied_concurrency"`
	LockTimeout            string `koanf:"lock_timeout"`
	LockTTL                string `koanf:"lock_ttl"`
}

type GCConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Interval      string `koanf:"interval"`
	RetentionDays int    `koanf:"retention_days"`
	BatchSize     int    `koanf:"batch_size"`
	Concurrency   int    `koanf:"concurrency"`
}

type AnalyticsConfig struct {
	Enabled bool     `koanf:"enabled"`
	Periods []string `koanf:"periods"` // subset of hour, day, week, month

	// RetentionDays is how long analytics buckets are kept before the GC
	// trims them. Zero keeps them forever.
	RetentionDays int `koanf:"retention_days"`
}

// ParseDuration parses a duration string, accepting Go syntax plus an "Xd"
// day suffix which time.ParseDuration does not support.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration must not be empty")
	}

	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}

// Location resolves the configured cohort timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}
	if c.Database.Type != "" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if strings.TrimSpace(c.Fields.ConfigDir) == "" {
		return fmt.Errorf("fields.config_dir is required")
	}

	if c.Consolidation.Mode != ModeSync && c.Consolidation.Mode != ModeAsync {
		return fmt.Errorf("invalid consolidation.mode %q (must be sync or async)", c.Consolidation.Mode)
	}
	for key, value := range map[string]string{
		"consolidation.interval":     c.Consolidation.Interval,
		"consolidation.window":       c.Consolidation.Window,
		"consolidation.lock_timeout": c.Consolidation.LockTimeout,
		"consolidation.lock_ttl":     c.Consolidation.LockTTL,
		"gc.interval":                c.GC.Interval,
	} {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.Consolidation.SweepConcurrency <= 0 {
		return fmt.Errorf("consolidation.sweep_concurrency must be > 0")
	}
	if c.Consolidation.MarkAppliedConcurrency <= 0 {
		return fmt.Errorf("consolidation.mark_applied_concurrency must be > 0")
	}

	if c.GC.RetentionDays <= 0 {
		return fmt.Errorf("gc.retention_days must be > 0")
	}
	if c.GC.BatchSize <= 0 {
		return fmt.Errorf("gc.batch_size must be > 0")
	}
	if c.GC.Concurrency <= 0 {
		return fmt.Errorf("gc.concurrency must be > 0")
	}

	for _, p := range c.Analytics.Periods {
		switch p {
		case "hour", "day", "week", "month":
		default:
			return fmt.Errorf("invalid analytics period %q", p)
		}
	}
	if c.Analytics.RetentionDays < 0 {
		return fmt.Errorf("analytics.retention_days must be >= 0")
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}

// Load parses config from file + env and validates it. Any configuration
// error is fatal here, before a single transaction is accepted.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                            8080,
		"server.host":                            "0.0.0.0",
		"server.max_body_size_mb":                1,
		"server.mode":                            "release",
		"database.type":                          "postgres",
		"database.dsn":                           "",
		"database.max_open_conns":                25,
		"database.max_idle_conns":                25,
		"database.auto_migrate":                  true,
		"fields.config_dir":                      "./config/fields",
		"fields.require_fields":                  true,
		"consolidation.mode":                     ModeAsync,
		"consolidation.auto_consolidate":         true,
		"consolidation.interval":                 "1m",
		"consolidation.window":                   "24h",
		"consolidation.sweep_concurrency":        5,
		"consolidation.mark_applied_concurrency": 50,
		"consolidation.lock_timeout":             "5s",
		"consolidation.lock_ttl":                 "5m",
		"gc.enabled":                             true,
		"gc.interval":                            "24h",
		"gc.retention_days":                      30,
		"gc.batch_size":                          500,
		"gc.concurrency":                         10,
		"analytics.enabled":                      true,
		"analytics.periods":                      []string{"hour", "day", "week", "month"},
		"analytics.retention_days":               0,
		"timezone":                               "UTC",
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("TALLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TALLY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
