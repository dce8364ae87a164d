package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for fangate.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which LoadConfig handles gracefully.
		viper.SetConfigName("fangate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: FANGATE_SERVER_ADDR, FANGATE_REDIS_ADDR...
	viper.SetEnvPrefix("FANGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for fangate.yaml or fangate.yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".fangate"),
		"/etc/fangate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "fangate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment overrides.
// Example: FANGATE_REDIS_ADDR overrides redis.addr.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("redis.addr")
	_ = viper.BindEnv("redis.password")
	_ = viper.BindEnv("redis.db")
	_ = viper.BindEnv("redis.op_timeout")

	_ = viper.BindEnv("violations.sqlite_path")
	_ = viper.BindEnv("violations.buffer")
	_ = viper.BindEnv("violations.batch_size")

	// Note: limits.tiers is a map, complex to override via env.
	// Use the config file for tier definitions.
	_ = viper.BindEnv("limits.default_tier")
	_ = viper.BindEnv("limits.recipient_per_minute")
	_ = viper.BindEnv("limits.global_per_second")
	_ = viper.BindEnv("limits.global_per_minute")
	_ = viper.BindEnv("limits.min_recipient_delay")
	_ = viper.BindEnv("limits.burst_ceiling")
	_ = viper.BindEnv("limits.burst_window")
	_ = viper.BindEnv("limits.burst_cooldown")
	_ = viper.BindEnv("limits.suspicious_hourly_threshold")
	_ = viper.BindEnv("limits.suspicious_cooldown")

	_ = viper.BindEnv("retry.max_delay")
	_ = viper.BindEnv("retry.dedupe_window")

	_ = viper.BindEnv("telemetry.trace_stdout")
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, and returns the Config. Caller applies CLI flag overrides (e.g.
// --dev), then calls Validate.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: continue with env vars and defaults only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}
