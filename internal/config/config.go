// Package config provides configuration types and loading for fangate.
package config

import (
	"time"

	"github.com/fangate/fangate/internal/domain/throttle"
)

// Config is the top-level configuration for fangate.
type Config struct {
	// Server configures the HTTP API listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Redis configures the counter store and retry queue backend.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Violations configures the durable violation audit trail.
	Violations ViolationsConfig `yaml:"violations" mapstructure:"violations"`

	// Limits configures every enforcement ceiling and compliance rule.
	Limits LimitsConfig `yaml:"limits" mapstructure:"limits"`

	// Retry configures the delayed-retry scheduler.
	Retry RetryConfig `yaml:"retry" mapstructure:"retry"`

	// Telemetry configures optional trace export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode swaps Redis and SQLite for in-memory stores so the binary
	// runs with no external dependencies.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address. Default "127.0.0.1:8080".
	Addr string `yaml:"addr" mapstructure:"addr"`

	// LogLevel is one of debug, info, warn, error. Default "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogFormat is "text" or "json". Default "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// ShutdownTimeout bounds graceful shutdown (e.g. "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Default "127.0.0.1:6379".
	Addr string `yaml:"addr" mapstructure:"addr"`

	// Password is optional.
	Password string `yaml:"password" mapstructure:"password"`

	// DB selects the Redis logical database.
	DB int `yaml:"db" mapstructure:"db" validate:"min=0"`

	// OpTimeout bounds each store operation (e.g. "500ms").
	OpTimeout string `yaml:"op_timeout" mapstructure:"op_timeout" validate:"omitempty"`
}

// ViolationsConfig configures the audit trail.
type ViolationsConfig struct {
	// SQLitePath is the database file. Default "fangate-violations.db".
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// Buffer is the async recorder's channel size. Default 1024.
	Buffer int `yaml:"buffer" mapstructure:"buffer" validate:"omitempty,min=1"`

	// BatchSize is records per write. Default 64.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
}

// TierConfig is one account tier's ceilings.
type TierConfig struct {
	Minute int `yaml:"minute" mapstructure:"minute" validate:"min=1"`
	Hour   int `yaml:"hour" mapstructure:"hour" validate:"min=1"`
	Day    int `yaml:"day" mapstructure:"day" validate:"min=1"`
}

// LimitsConfig configures the enforcement layers. Ceilings set to zero
// disable their layer, except tiers which always apply.
type LimitsConfig struct {
	// Tiers maps account tier names to ceilings.
	Tiers map[string]TierConfig `yaml:"tiers" mapstructure:"tiers" validate:"required,min=1,dive"`

	// DefaultTier is used for users whose tier is unknown.
	DefaultTier string `yaml:"default_tier" mapstructure:"default_tier" validate:"required"`

	// RecipientPerMinute caps sends to one recipient per minute.
	RecipientPerMinute int `yaml:"recipient_per_minute" mapstructure:"recipient_per_minute" validate:"min=0"`

	// GlobalPerSecond and GlobalPerMinute are platform-wide ceilings.
	GlobalPerSecond int `yaml:"global_per_second" mapstructure:"global_per_second" validate:"min=0"`
	GlobalPerMinute int `yaml:"global_per_minute" mapstructure:"global_per_minute" validate:"min=0"`

	// MinRecipientDelay is the compliance floor between consecutive sends
	// to the same recipient (e.g. "3s").
	MinRecipientDelay string `yaml:"min_recipient_delay" mapstructure:"min_recipient_delay" validate:"omitempty"`

	// BurstCeiling, BurstWindow, BurstCooldown configure burst detection.
	BurstCeiling  int    `yaml:"burst_ceiling" mapstructure:"burst_ceiling" validate:"min=0"`
	BurstWindow   string `yaml:"burst_window" mapstructure:"burst_window" validate:"omitempty"`
	BurstCooldown string `yaml:"burst_cooldown" mapstructure:"burst_cooldown" validate:"omitempty"`

	// SuspiciousHourlyThreshold trips the deny-all marker;
	// SuspiciousCooldown is the marker's TTL (e.g. "1h").
	SuspiciousHourlyThreshold int    `yaml:"suspicious_hourly_threshold" mapstructure:"suspicious_hourly_threshold" validate:"min=0"`
	SuspiciousCooldown        string `yaml:"suspicious_cooldown" mapstructure:"suspicious_cooldown" validate:"omitempty"`
}

// RetryConfig configures the delayed-retry scheduler.
type RetryConfig struct {
	// MaxDelay caps a scheduled delay (e.g. "900s").
	MaxDelay string `yaml:"max_delay" mapstructure:"max_delay" validate:"omitempty"`

	// DedupeWindow suppresses duplicate tasks per pair (e.g. "30s").
	DedupeWindow string `yaml:"dedupe_window" mapstructure:"dedupe_window" validate:"omitempty"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	// TraceStdout enables span export to stdout.
	TraceStdout bool `yaml:"trace_stdout" mapstructure:"trace_stdout"`
}

// SetDefaults fills unset fields with production defaults.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.OpTimeout == "" {
		c.Redis.OpTimeout = "500ms"
	}
	if c.Violations.SQLitePath == "" {
		c.Violations.SQLitePath = "fangate-violations.db"
	}
	if len(c.Limits.Tiers) == 0 {
		c.Limits.Tiers = map[string]TierConfig{
			"starter": {Minute: 10, Hour: 100, Day: 500},
			"pro":     {Minute: 30, Hour: 300, Day: 2000},
			"agency":  {Minute: 60, Hour: 600, Day: 5000},
		}
	}
	if c.Limits.DefaultTier == "" {
		c.Limits.DefaultTier = "starter"
	}
	if c.Limits.RecipientPerMinute == 0 {
		c.Limits.RecipientPerMinute = 5
	}
	if c.Limits.GlobalPerSecond == 0 {
		c.Limits.GlobalPerSecond = 100
	}
	if c.Limits.GlobalPerMinute == 0 {
		c.Limits.GlobalPerMinute = 3000
	}
	if c.Limits.MinRecipientDelay == "" {
		c.Limits.MinRecipientDelay = "3s"
	}
	if c.Limits.BurstCeiling == 0 {
		c.Limits.BurstCeiling = 8
	}
	if c.Limits.BurstWindow == "" {
		c.Limits.BurstWindow = "10s"
	}
	if c.Limits.BurstCooldown == "" {
		c.Limits.BurstCooldown = "60s"
	}
	if c.Limits.SuspiciousHourlyThreshold == 0 {
		c.Limits.SuspiciousHourlyThreshold = 50
	}
	if c.Limits.SuspiciousCooldown == "" {
		c.Limits.SuspiciousCooldown = "1h"
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = "900s"
	}
	if c.Retry.DedupeWindow == "" {
		c.Retry.DedupeWindow = "30s"
	}
}

// ThrottleLimits converts the validated config into the evaluator's
// enforcement parameters. Call after SetDefaults and Validate.
func (c *Config) ThrottleLimits() throttle.Limits {
	tiers := make(map[string]throttle.TierLimits, len(c.Limits.Tiers))
	for name, t := range c.Limits.Tiers {
		tiers[name] = throttle.TierLimits{Minute: t.Minute, Hour: t.Hour, Day: t.Day}
	}
	return throttle.Limits{
		Tiers:                     throttle.StaticTiers{ByName: tiers, DefaultTier: c.Limits.DefaultTier},
		RecipientPerMinute:        c.Limits.RecipientPerMinute,
		GlobalPerSecond:           c.Limits.GlobalPerSecond,
		GlobalPerMinute:           c.Limits.GlobalPerMinute,
		MinRecipientDelay:         mustDuration(c.Limits.MinRecipientDelay),
		MaxRetryDelay:             mustDuration(c.Retry.MaxDelay),
		BurstCeiling:              c.Limits.BurstCeiling,
		BurstWindow:               mustDuration(c.Limits.BurstWindow),
		BurstCooldown:             mustDuration(c.Limits.BurstCooldown),
		SuspiciousHourlyThreshold: c.Limits.SuspiciousHourlyThreshold,
		SuspiciousCooldown:        mustDuration(c.Limits.SuspiciousCooldown),
	}
}

// mustDuration parses a duration already vetted by Validate.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
