package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags plus cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Error messages name the keys the YAML/env surface uses, not Go
	// field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if _, ok := c.Limits.Tiers[c.Limits.DefaultTier]; !ok {
		return fmt.Errorf("limits.default_tier %q is not defined in limits.tiers", c.Limits.DefaultTier)
	}

	for name, tier := range c.Limits.Tiers {
		if tier.Minute > tier.Hour {
			return fmt.Errorf("tier %q: minute ceiling (%d) exceeds hour ceiling (%d)", name, tier.Minute, tier.Hour)
		}
		if tier.Hour > tier.Day {
			return fmt.Errorf("tier %q: hour ceiling (%d) exceeds day ceiling (%d)", name, tier.Hour, tier.Day)
		}
	}

	for field, value := range map[string]string{
		"server.shutdown_timeout":    c.Server.ShutdownTimeout,
		"redis.op_timeout":           c.Redis.OpTimeout,
		"limits.min_recipient_delay": c.Limits.MinRecipientDelay,
		"limits.burst_window":        c.Limits.BurstWindow,
		"limits.burst_cooldown":      c.Limits.BurstCooldown,
		"limits.suspicious_cooldown": c.Limits.SuspiciousCooldown,
		"retry.max_delay":            c.Retry.MaxDelay,
		"retry.dedupe_window":        c.Retry.DedupeWindow,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", field, value)
		}
		if d <= 0 {
			return fmt.Errorf("%s: duration must be positive, got %q", field, value)
		}
	}

	return nil
}

// formatValidationErrors converts validator errors into readable messages.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Namespace())
		field = strings.TrimPrefix(field, "config.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
