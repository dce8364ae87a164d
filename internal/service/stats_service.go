package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fangate/fangate/internal/domain/throttle"
)

// topViolatorsCap bounds the top-violators list in global statistics.
const topViolatorsCap = 10

// GlobalStats is a point-in-time rollup of platform-wide limiter state.
type GlobalStats struct {
	// TotalUsers is the number of users with any activity inside the day
	// counters' retention.
	TotalUsers int `json:"total_users"`

	// ActiveUsers is the number of users with recent minute-window activity.
	ActiveUsers int `json:"active_users"`

	// MessagesPerMinute is the platform-wide count in the current minute.
	MessagesPerMinute int64 `json:"messages_per_minute"`

	// ViolationsPerHour is the platform-wide denial count in the current hour.
	ViolationsPerHour int64 `json:"violations_per_hour"`

	// TopViolators lists the heaviest violators, descending, capped.
	TopViolators []ViolatorStat `json:"top_violators"`
}

// ViolatorStat is one entry of the top-violators list.
type ViolatorStat struct {
	UserID     string `json:"user_id"`
	Violations int64  `json:"violations"`
}

// UserStats is a point-in-time rollup for one user.
type UserStats struct {
	CurrentPeriod PeriodStats        `json:"current_period"`
	Violations    UserViolationStats `json:"violations"`
}

// PeriodStats is the user's consumption against the minute budget.
type PeriodStats struct {
	Messages int64 `json:"messages"`
	Limit    int   `json:"limit"`
}

// UserViolationStats summarizes a user's recent denials.
type UserViolationStats struct {
	Count         int64      `json:"count"`
	LastViolation *time.Time `json:"last_violation,omitempty"`
}

// StatsService computes read-only statistics from counter store scans. It
// takes no locks and tolerates partial results: a failed scan zeroes its
// sub-result instead of failing the whole rollup.
type StatsService struct {
	store  throttle.CounterStore
	tiers  throttle.TierSource
	limits throttle.Limits
	logger *slog.Logger
	now    func() time.Time
}

// StatsOption configures a StatsService.
type StatsOption func(*StatsService)

// WithStatsClock overrides the time source, for tests.
func WithStatsClock(now func() time.Time) StatsOption {
	return func(s *StatsService) { s.now = now }
}

// WithStatsLogger sets the logger. Default slog.Default.
func WithStatsLogger(logger *slog.Logger) StatsOption {
	return func(s *StatsService) { s.logger = logger }
}

// NewStatsService creates the aggregator.
func NewStatsService(store throttle.CounterStore, tiers throttle.TierSource, limits throttle.Limits, opts ...StatsOption) *StatsService {
	s := &StatsService{
		store:  store,
		tiers:  tiers,
		limits: limits,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GlobalStats returns the platform-wide rollup.
func (s *StatsService) GlobalStats(ctx context.Context) GlobalStats {
	now := s.now()
	stats := GlobalStats{TopViolators: []ViolatorStat{}}

	stats.TotalUsers = s.distinctUsers(ctx, throttle.ScopeUserDay)
	stats.ActiveUsers = s.distinctUsers(ctx, throttle.ScopeUserMinute)

	mpm, err := s.store.Get(ctx, throttle.Key(throttle.ScopeGlobalMinute, throttle.GlobalIdentity,
		throttle.WindowStart(now, throttle.WindowMinute)))
	if err != nil {
		s.logger.Warn("stats: global minute counter unavailable", "error", err)
	} else {
		stats.MessagesPerMinute = mpm
	}

	vph, err := s.store.Get(ctx, throttle.Key(throttle.ScopeViolationHour, throttle.GlobalIdentity,
		throttle.WindowStart(now, throttle.WindowHour)))
	if err != nil {
		s.logger.Warn("stats: violation hour counter unavailable", "error", err)
	} else {
		stats.ViolationsPerHour = vph
	}

	stats.TopViolators = s.topViolators(ctx)
	return stats
}

// UserStats returns the rollup for one user.
func (s *StatsService) UserStats(ctx context.Context, userID string) UserStats {
	now := s.now()
	ceilings := s.limits.Tiers.Limits(s.tiers.TierFor(ctx, userID))
	stats := UserStats{
		CurrentPeriod: PeriodStats{Limit: ceilings.Minute},
	}

	messages, err := s.store.Get(ctx, throttle.Key(throttle.ScopeUserMinute, userID,
		throttle.WindowStart(now, throttle.WindowMinute)))
	if err != nil {
		s.logger.Warn("stats: user minute counter unavailable", "user_id", userID, "error", err)
	} else {
		stats.CurrentPeriod.Messages = messages
	}

	stats.Violations.Count = s.userViolationCount(ctx, userID)

	lastMS, err := s.store.Get(ctx, throttle.StateKey(throttle.ScopeViolationLast, userID))
	if err != nil {
		s.logger.Warn("stats: last violation unavailable", "user_id", userID, "error", err)
	} else if lastMS > 0 {
		t := time.UnixMilli(lastMS).UTC()
		stats.Violations.LastViolation = &t
	}

	return stats
}

// distinctUsers counts distinct identities among a scope's live keys.
func (s *StatsService) distinctUsers(ctx context.Context, scope throttle.Scope) int {
	keys, err := s.store.ScanKeys(ctx, throttle.ScanPattern(scope))
	if err != nil {
		s.logger.Warn("stats: scan failed", "scope", scope, "error", err)
		return 0
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if id, ok := identityFromKey(key); ok {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// topViolators sums each user's live violation buckets and returns the
// heaviest, descending, capped to topViolatorsCap.
func (s *StatsService) topViolators(ctx context.Context) []ViolatorStat {
	keys, err := s.store.ScanKeys(ctx, throttle.ScanPattern(throttle.ScopeViolationUser))
	if err != nil {
		s.logger.Warn("stats: violator scan failed", "error", err)
		return []ViolatorStat{}
	}

	totals := make(map[string]int64)
	for _, key := range keys {
		id, ok := identityFromKey(key)
		if !ok {
			continue
		}
		n, err := s.store.Get(ctx, key)
		if err != nil {
			s.logger.Warn("stats: violator counter unavailable", "key", key, "error", err)
			continue
		}
		totals[id] += n
	}

	out := make([]ViolatorStat, 0, len(totals))
	for id, n := range totals {
		out = append(out, ViolatorStat{UserID: id, Violations: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Violations != out[j].Violations {
			return out[i].Violations > out[j].Violations
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > topViolatorsCap {
		out = out[:topViolatorsCap]
	}
	return out
}

// userViolationCount sums the user's live violation buckets.
func (s *StatsService) userViolationCount(ctx context.Context, userID string) int64 {
	prefix := strings.TrimSuffix(throttle.ScanPattern(throttle.ScopeViolationUser), "*") + userID + ":"
	keys, err := s.store.ScanKeys(ctx, prefix+"*")
	if err != nil {
		s.logger.Warn("stats: user violation scan failed", "user_id", userID, "error", err)
		return 0
	}
	var total int64
	for _, key := range keys {
		n, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// identityFromKey extracts the identity segment from a bucketed counter key
// ("throttle:{scope}:{identity}:{windowStart}"). Identities containing
// colons (user:recipient pairs) keep their full form.
func identityFromKey(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return "", false
	}
	return strings.Join(parts[2:len(parts)-1], ":"), true
}
