package throttle

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable marks counter store failures (connection loss, per-op
// timeout, protocol errors). The evaluator fails closed on it: the attempt is
// denied with ReasonRateLimiterError rather than waved through unchecked.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// CounterStore is the port to the shared quota state. Enforcement-relevant
// counters are mutated only through IncrBatch; implementations must make the
// increment and the expiry refresh atomic per batch so concurrent callers can
// never under-count.
type CounterStore interface {
	// IncrBatch increments every key by one and arms its TTL in a single
	// atomic round-trip, returning post-increment values in input order.
	IncrBatch(ctx context.Context, specs []KeySpec) ([]int64, error)

	// Get reads a counter without mutating it. Missing keys read as zero.
	Get(ctx context.Context, key string) (int64, error)

	// GetWithTTL reads a counter and its remaining TTL. A zero or negative
	// TTL means none is set or the key is absent.
	GetWithTTL(ctx context.Context, key string) (int64, time.Duration, error)

	// Set writes a value with a TTL, replacing any previous value.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error

	// Expire re-arms the TTL of an existing key. Missing keys are a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SetFlag arms a boolean marker with a TTL.
	SetFlag(ctx context.Context, key string, ttl time.Duration) error

	// GetFlag reports whether a marker is set and its remaining TTL.
	GetFlag(ctx context.Context, key string) (bool, time.Duration, error)

	// ScanKeys returns all keys matching pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// ScanCount returns the number of keys matching pattern.
	ScanCount(ctx context.Context, pattern string) (int, error)
}

// RetryTask asks the external delivery system to retry a throttled send.
type RetryTask struct {
	UserID      string
	RecipientID string
	Delay       time.Duration
}

// RetryScheduler enqueues delayed retries for throttled sends. Scheduling is
// best effort: implementations clamp oversized delays, deduplicate
// near-simultaneous tasks for the same (user, recipient) pair, and never
// surface failures to the caller.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, task RetryTask)
}

// MetricsSink receives fire-and-forget decision metrics. Implementations
// must never block and never fail the caller.
type MetricsSink interface {
	// MessageProcessed counts an allowed send.
	MessageProcessed(userID, action string)

	// RateLimitViolation counts a denial, tagged by layer and reason.
	RateLimitViolation(userID string, layer Layer, reason Reason)

	// RetryScheduled counts a task handed to the retry scheduler.
	RetryScheduled()

	// DecisionDuration records how long a CheckAndConsume call took.
	DecisionDuration(d time.Duration)
}

// TierSource resolves a user to their account tier. It is the narrow
// interface to the identity system; the bundled StaticTierSource serves
// deployments where every caller shares one tier.
type TierSource interface {
	TierFor(ctx context.Context, userID string) string
}

// StaticTierSource returns the same tier for every user.
type StaticTierSource struct {
	Tier string
}

// TierFor implements TierSource.
func (s StaticTierSource) TierFor(context.Context, string) string { return s.Tier }
