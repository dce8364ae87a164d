package throttle

import (
	"fmt"
	"time"
)

// Scope identifies the kind of counter a key addresses.
type Scope string

const (
	ScopeUserMinute      Scope = "user-minute"
	ScopeUserHour        Scope = "user-hour"
	ScopeUserDay         Scope = "user-day"
	ScopeRecipientMinute Scope = "recipient-minute"
	ScopeGlobalSecond    Scope = "global-second"
	ScopeGlobalMinute    Scope = "global-minute"
	ScopeBurst           Scope = "burst"
	ScopeLastMessage     Scope = "last-message"
	ScopeSuspicious      Scope = "suspicious"
	ScopeViolationHour   Scope = "viol-hour"
	ScopeViolationUser   Scope = "viol-user"
	ScopeViolationLast   Scope = "viol-last"
)

// keyPrefix is the base prefix for every limiter key in the counter store.
const keyPrefix = "throttle"

// GlobalIdentity is the identity segment for platform-wide counters.
const GlobalIdentity = "_all"

// Window lengths for the time-bucketed scopes.
const (
	WindowSecond = time.Second
	WindowMinute = time.Minute
	WindowHour   = time.Hour
	WindowDay    = 24 * time.Hour
)

// Counter TTLs are double the nominal window, to tolerate clock skew and
// reads that straddle a bucket boundary.
const (
	TTLSecond = 2 * WindowSecond
	TTLMinute = 2 * WindowMinute
	TTLHour   = 2 * WindowHour
	TTLDay    = 2 * WindowDay
)

// KeySpec pairs a counter key with the expiry to (re)arm on increment.
type KeySpec struct {
	Key string
	TTL time.Duration
}

// Key returns a structured counter key.
// Format: "throttle:{scope}:{identity}:{windowStart}".
// Examples:
//   - Key(ScopeUserMinute, "u1", 1700000040) -> "throttle:user-minute:u1:1700000040"
//   - Key(ScopeGlobalSecond, GlobalIdentity, 1700000041) -> "throttle:global-second:_all:1700000041"
func Key(scope Scope, identity string, windowStart int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", keyPrefix, scope, identity, windowStart)
}

// StateKey returns an unbucketed key for per-identity state (last-message
// timestamps, the suspicious-activity marker, burst counters).
// Format: "throttle:{scope}:{identity}".
func StateKey(scope Scope, identity string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope, identity)
}

// ScanPattern returns the match pattern for every key of the given scope.
func ScanPattern(scope Scope) string {
	return fmt.Sprintf("%s:%s:*", keyPrefix, scope)
}

// PairIdentity is the identity segment for (user, recipient) scoped keys.
func PairIdentity(userID, recipientID string) string {
	return userID + ":" + recipientID
}

// WindowStart truncates t to the start of the window containing it and
// returns the bucket as a unix timestamp in seconds.
func WindowStart(t time.Time, window time.Duration) int64 {
	return t.Truncate(window).Unix()
}
