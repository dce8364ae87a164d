// Package throttle contains the domain types and outbound ports for the
// multi-layer outbound-message rate limiter.
package throttle

import (
	"encoding/json"
	"time"
)

// Layer identifies which quota layer produced a decision.
type Layer string

const (
	// LayerUser covers the per-user minute/hour/day ceilings.
	LayerUser Layer = "user"

	// LayerRecipient covers the per-recipient minute ceiling.
	LayerRecipient Layer = "recipient"

	// LayerGlobal covers the platform-wide second/minute ceilings.
	LayerGlobal Layer = "global"

	// LayerToS covers the compliance rules: minimum inter-message delay,
	// burst cooldown, and the suspicious-activity marker.
	LayerToS Layer = "onlyfans_tos"
)

// Reason explains a decision. Denials always carry a non-ok reason.
type Reason string

const (
	ReasonOK                 Reason = "ok"
	ReasonUserLimit          Reason = "user_limit"
	ReasonRecipientLimit     Reason = "recipient_limit"
	ReasonGlobalLimit        Reason = "global_limit"
	ReasonMinDelayViolation  Reason = "min_delay_violation"
	ReasonBurstCooldown      Reason = "burst_cooldown"
	ReasonSuspiciousActivity Reason = "suspicious_activity"
	ReasonRateLimiterError   Reason = "rate_limiter_error"
)

// RemainingUnknown is the Remaining value when the user-minute budget was not
// consumed on this call (denials at higher-priority layers). Serialized as
// absent, never as a negative budget.
const RemainingUnknown = -1

// Decision is the outcome of a single CheckAndConsume call.
//
// Invariants: Allowed == false implies Reason != ReasonOK. DelayMS is only
// set when the send will be automatically rescheduled by the limiter rather
// than retried by the caller. Remaining always refers to the user-minute
// budget; it is RemainingUnknown when that counter was not consumed.
type Decision struct {
	// Allowed reports whether the send may proceed now.
	Allowed bool `json:"allowed"`

	// Remaining is the user-minute budget left after this call, or
	// RemainingUnknown when the minute counter was not consumed.
	Remaining int `json:"remaining"`

	// Layer is the quota layer that produced the decision. Empty on
	// infrastructure failure (ReasonRateLimiterError).
	Layer Layer `json:"layer,omitempty"`

	// Reason explains the decision.
	Reason Reason `json:"reason"`

	// RetryAfterSeconds tells the caller when retrying itself is worthwhile.
	// Zero means not applicable.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`

	// DelayMS is the delay after which the limiter has rescheduled the send.
	// Zero means no automatic reschedule.
	DelayMS int64 `json:"delay_ms,omitempty"`

	// Throttled reports whether the attempt was held back, either by a quota
	// layer or by limiter unavailability.
	Throttled bool `json:"throttled"`
}

// MarshalJSON drops remaining only when it is RemainingUnknown. An exhausted
// budget still serializes as an explicit 0.
func (d Decision) MarshalJSON() ([]byte, error) {
	type plain Decision
	out := struct {
		plain
		Remaining *int `json:"remaining,omitempty"`
	}{plain: plain(d)}
	if d.Remaining != RemainingUnknown {
		out.Remaining = &d.Remaining
	}
	return json.Marshal(out)
}

// UnmarshalJSON maps an absent remaining field back to RemainingUnknown.
func (d *Decision) UnmarshalJSON(data []byte) error {
	type plain Decision
	aux := struct {
		*plain
		Remaining *int `json:"remaining"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.Remaining = RemainingUnknown
	if aux.Remaining != nil {
		d.Remaining = *aux.Remaining
	}
	return nil
}

// TierLimits are the per-account-tier ceilings for the user layer.
type TierLimits struct {
	Minute int
	Hour   int
	Day    int
}

// TierLookup resolves an account tier name to its ceilings. Implementations
// must return sane ceilings for unknown tiers (the configured default tier).
type TierLookup interface {
	Limits(tier string) TierLimits
}

// Limits are the full set of enforcement parameters for the evaluator.
// All values are externally supplied configuration, never hard-coded.
type Limits struct {
	// Tiers resolves account tiers to user-layer ceilings.
	Tiers TierLookup

	// RecipientPerMinute is the per-recipient minute ceiling.
	RecipientPerMinute int

	// GlobalPerSecond and GlobalPerMinute are the platform-wide ceilings.
	GlobalPerSecond int
	GlobalPerMinute int

	// MinRecipientDelay is the compliance floor between two consecutive
	// messages from the same user to the same recipient.
	MinRecipientDelay time.Duration

	// MaxRetryDelay caps the delay requested from the retry scheduler.
	MaxRetryDelay time.Duration

	// BurstCeiling is the short-window send ceiling; BurstWindow is the
	// counter's window; BurstCooldown is how long the counter lingers once
	// the ceiling has been crossed.
	BurstCeiling  int
	BurstWindow   time.Duration
	BurstCooldown time.Duration

	// SuspiciousHourlyThreshold is the hourly volume that trips the
	// suspicious-activity marker; SuspiciousCooldown is the marker's TTL.
	SuspiciousHourlyThreshold int
	SuspiciousCooldown        time.Duration
}

// StaticTiers is a map-backed TierLookup with a default for unknown tiers.
type StaticTiers struct {
	ByName      map[string]TierLimits
	DefaultTier string
}

// Limits returns the ceilings for tier, falling back to the default tier.
func (s StaticTiers) Limits(tier string) TierLimits {
	if l, ok := s.ByName[tier]; ok {
		return l
	}
	return s.ByName[s.DefaultTier]
}
