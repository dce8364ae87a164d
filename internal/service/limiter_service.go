// Package service contains application services.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fangate/fangate/internal/domain/throttle"
	"github.com/fangate/fangate/internal/domain/violation"
)

// tracerName identifies the limiter's trace spans.
const tracerName = "github.com/fangate/fangate/internal/service"

// defaultSuspiciousRetry is the retry hint when the suspicious marker's TTL
// cannot be determined.
const defaultSuspiciousRetry = 3600

// ViolationRecorder receives one record per denial. Implementations must be
// non-blocking; a slow or failing recorder must never delay a decision.
type ViolationRecorder interface {
	Record(record violation.Record)
}

// LimiterService is the layered limit evaluator: the single decision point
// for every outbound send attempt. It is stateless and safe for concurrent
// use; all quota state lives in the counter store and is mutated only
// through atomic batched increments.
type LimiterService struct {
	store     throttle.CounterStore
	scheduler throttle.RetryScheduler
	recorder  ViolationRecorder
	metrics   throttle.MetricsSink
	tiers     throttle.TierSource
	limits    throttle.Limits
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// sideTimeout bounds fire-and-forget store writes (last-message
	// timestamp, violation counters) issued off the request path.
	sideTimeout time.Duration

	// side tracks in-flight background writes so Flush can drain them.
	side sync.WaitGroup
}

// LimiterOption configures a LimiterService.
type LimiterOption func(*LimiterService)

// WithLimiterClock overrides the time source, for tests.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(s *LimiterService) { s.now = now }
}

// WithLimiterLogger sets the logger. Default slog.Default.
func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(s *LimiterService) { s.logger = logger }
}

// WithSideEffectTimeout bounds best-effort background writes. Default 2s.
func WithSideEffectTimeout(d time.Duration) LimiterOption {
	return func(s *LimiterService) {
		if d > 0 {
			s.sideTimeout = d
		}
	}
}

// WithTracerProvider sets the provider for decision spans. Default is the
// global otel provider.
func WithTracerProvider(tp trace.TracerProvider) LimiterOption {
	return func(s *LimiterService) { s.tracer = tp.Tracer(tracerName) }
}

// NewLimiterService creates the evaluator. The scheduler, recorder, and
// metrics sink are best-effort collaborators; any of them may be nil.
func NewLimiterService(
	store throttle.CounterStore,
	scheduler throttle.RetryScheduler,
	recorder ViolationRecorder,
	metrics throttle.MetricsSink,
	tiers throttle.TierSource,
	limits throttle.Limits,
	opts ...LimiterOption,
) *LimiterService {
	s := &LimiterService{
		store:       store,
		scheduler:   scheduler,
		recorder:    recorder,
		metrics:     metrics,
		tiers:       tiers,
		limits:      limits,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		sideTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAndConsume decides whether userID may send a message to recipientID
// now. Layers are evaluated in fixed priority order; the first failing layer
// short-circuits, so lower-priority quota is not consumed once a
// higher-priority layer has denied. Callers always receive a decision, never
// an error: infrastructure failure surfaces as a denial with
// ReasonRateLimiterError (fail closed).
func (s *LimiterService) CheckAndConsume(ctx context.Context, userID, recipientID, action string) throttle.Decision {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "throttle.CheckAndConsume",
		trace.WithAttributes(
			attribute.String("throttle.user_id", userID),
			attribute.String("throttle.action", action),
		))
	defer span.End()

	dec := s.evaluate(ctx, userID, recipientID)

	span.SetAttributes(
		attribute.Bool("throttle.allowed", dec.Allowed),
		attribute.String("throttle.reason", string(dec.Reason)),
	)

	s.publish(ctx, userID, recipientID, action, dec, start)
	return dec
}

// evaluate runs the layer checks in priority order.
func (s *LimiterService) evaluate(ctx context.Context, userID, recipientID string) throttle.Decision {
	now := s.now()

	// 1. Suspicious-activity marker: deny-all while set, read only.
	set, ttl, err := s.store.GetFlag(ctx, throttle.StateKey(throttle.ScopeSuspicious, userID))
	if err != nil {
		return s.failClosed("suspicious check", err)
	}
	if set {
		retry := int(ttl / time.Second)
		if retry <= 0 {
			retry = defaultSuspiciousRetry
		}
		return deny(throttle.LayerToS, throttle.ReasonSuspiciousActivity, func(d *throttle.Decision) {
			d.RetryAfterSeconds = retry
		})
	}

	// 2. Burst cooldown: deny while the burst counter sits at its ceiling.
	burstKey := throttle.StateKey(throttle.ScopeBurst, userID)
	burstVal, burstTTL, err := s.store.GetWithTTL(ctx, burstKey)
	if err != nil {
		return s.failClosed("burst check", err)
	}
	if s.limits.BurstCeiling > 0 && burstVal >= int64(s.limits.BurstCeiling) && burstTTL > 0 {
		return deny(throttle.LayerToS, throttle.ReasonBurstCooldown, func(d *throttle.Decision) {
			d.DelayMS = burstTTL.Milliseconds()
		})
	}

	// 3. Minimum delay to recipient: the one throttled-but-rescheduled case.
	pair := throttle.PairIdentity(userID, recipientID)
	lastMS, err := s.store.Get(ctx, throttle.StateKey(throttle.ScopeLastMessage, pair))
	if err != nil {
		return s.failClosed("min delay check", err)
	}
	minDelayMS := s.limits.MinRecipientDelay.Milliseconds()
	if lastMS > 0 && minDelayMS > 0 {
		elapsed := now.UnixMilli() - lastMS
		if elapsed >= 0 && elapsed < minDelayMS {
			delayMS := minDelayMS - elapsed
			if maxMS := s.limits.MaxRetryDelay.Milliseconds(); maxMS > 0 && delayMS > maxMS {
				delayMS = maxMS
			}
			s.scheduleRetry(ctx, userID, recipientID, time.Duration(delayMS)*time.Millisecond)
			return deny(throttle.LayerToS, throttle.ReasonMinDelayViolation, func(d *throttle.Decision) {
				d.DelayMS = delayMS
			})
		}
	}

	// 4. Global per-second and per-minute ceilings, one pipelined batch.
	globalVals, err := s.store.IncrBatch(ctx, []throttle.KeySpec{
		{Key: throttle.Key(throttle.ScopeGlobalSecond, throttle.GlobalIdentity,
			throttle.WindowStart(now, throttle.WindowSecond)), TTL: throttle.TTLSecond},
		{Key: throttle.Key(throttle.ScopeGlobalMinute, throttle.GlobalIdentity,
			throttle.WindowStart(now, throttle.WindowMinute)), TTL: throttle.TTLMinute},
	})
	if err != nil {
		return s.failClosed("global increment", err)
	}
	if s.limits.GlobalPerSecond > 0 && globalVals[0] > int64(s.limits.GlobalPerSecond) {
		return deny(throttle.LayerGlobal, throttle.ReasonGlobalLimit, func(d *throttle.Decision) {
			d.RetryAfterSeconds = 1
		})
	}
	if s.limits.GlobalPerMinute > 0 && globalVals[1] > int64(s.limits.GlobalPerMinute) {
		return deny(throttle.LayerGlobal, throttle.ReasonGlobalLimit, func(d *throttle.Decision) {
			d.RetryAfterSeconds = windowRemaining(now, throttle.WindowMinute)
		})
	}

	// 5. Per-user minute/hour/day ceilings; the burst counter rides the
	// same atomic batch.
	tier := s.tiers.TierFor(ctx, userID)
	ceilings := s.limits.Tiers.Limits(tier)
	userVals, err := s.store.IncrBatch(ctx, []throttle.KeySpec{
		{Key: throttle.Key(throttle.ScopeUserMinute, userID,
			throttle.WindowStart(now, throttle.WindowMinute)), TTL: throttle.TTLMinute},
		{Key: throttle.Key(throttle.ScopeUserHour, userID,
			throttle.WindowStart(now, throttle.WindowHour)), TTL: throttle.TTLHour},
		{Key: throttle.Key(throttle.ScopeUserDay, userID,
			throttle.WindowStart(now, throttle.WindowDay)), TTL: throttle.TTLDay},
		{Key: burstKey, TTL: s.limits.BurstWindow},
	})
	if err != nil {
		return s.failClosed("user increment", err)
	}
	minuteVal, hourVal, dayVal, burstNow := userVals[0], userVals[1], userVals[2], userVals[3]
	minuteLeft := clampRemaining(ceilings.Minute, minuteVal)

	if s.limits.BurstCeiling > 0 && burstNow == int64(s.limits.BurstCeiling) {
		// First crossing: stretch the burst counter's TTL into a cooldown so
		// step 2 keeps denying until it expires.
		s.extendBurstCooldown(ctx, burstKey)
	}

	if ceilings.Minute > 0 && minuteVal > int64(ceilings.Minute) {
		return deny(throttle.LayerUser, throttle.ReasonUserLimit, func(d *throttle.Decision) {
			d.Remaining = minuteLeft
			d.RetryAfterSeconds = windowRemaining(now, throttle.WindowMinute)
		})
	}
	if ceilings.Hour > 0 && hourVal > int64(ceilings.Hour) {
		return deny(throttle.LayerUser, throttle.ReasonUserLimit, func(d *throttle.Decision) {
			d.Remaining = minuteLeft
			d.RetryAfterSeconds = windowRemaining(now, throttle.WindowHour)
		})
	}
	if ceilings.Day > 0 && dayVal > int64(ceilings.Day) {
		return deny(throttle.LayerUser, throttle.ReasonUserLimit, func(d *throttle.Decision) {
			d.Remaining = minuteLeft
			d.RetryAfterSeconds = windowRemaining(now, throttle.WindowDay)
		})
	}

	// 6. Per-recipient minute ceiling.
	recipientVals, err := s.store.IncrBatch(ctx, []throttle.KeySpec{
		{Key: throttle.Key(throttle.ScopeRecipientMinute, pair,
			throttle.WindowStart(now, throttle.WindowMinute)), TTL: throttle.TTLMinute},
	})
	if err != nil {
		return s.failClosed("recipient increment", err)
	}
	if s.limits.RecipientPerMinute > 0 && recipientVals[0] > int64(s.limits.RecipientPerMinute) {
		return deny(throttle.LayerRecipient, throttle.ReasonRecipientLimit, func(d *throttle.Decision) {
			d.Remaining = minuteLeft
			d.RetryAfterSeconds = windowRemaining(now, throttle.WindowMinute)
		})
	}

	// 7. Suspicious-volume detection: sustained hourly volume trips the
	// deny-all marker. One-way; only TTL expiry clears it.
	if s.limits.SuspiciousHourlyThreshold > 0 && hourVal >= int64(s.limits.SuspiciousHourlyThreshold) {
		cooldown := s.limits.SuspiciousCooldown
		if cooldown <= 0 {
			cooldown = time.Hour
		}
		err := s.store.SetFlag(ctx, throttle.StateKey(throttle.ScopeSuspicious, userID), cooldown)
		if err != nil {
			// The denial stands either way; losing the marker only means the
			// next call re-trips it off the same hour counter.
			s.logger.Warn("failed to set suspicious-activity marker",
				"user_id", userID, "error", err)
		}
		s.logger.Warn("suspicious activity detected, cooldown engaged",
			"user_id", userID, "hourly_volume", hourVal, "cooldown", cooldown)
		return deny(throttle.LayerToS, throttle.ReasonSuspiciousActivity, func(d *throttle.Decision) {
			d.Remaining = minuteLeft
			d.RetryAfterSeconds = int(cooldown / time.Second)
		})
	}

	// 8. All layers passed. Stamp the pair's last-message timestamp off the
	// request path; losing the stamp only weakens the next min-delay check.
	s.stampLastMessage(ctx, pair, now)

	return throttle.Decision{
		Allowed:   true,
		Remaining: minuteLeft,
		Layer:     throttle.LayerUser,
		Reason:    throttle.ReasonOK,
	}
}

// publish emits metrics and, on real denials, a violation record plus the
// violation counters the statistics aggregator scans. All best effort.
func (s *LimiterService) publish(ctx context.Context, userID, recipientID, action string, dec throttle.Decision, start time.Time) {
	if s.metrics != nil {
		s.metrics.DecisionDuration(s.now().Sub(start))
		if dec.Allowed {
			s.metrics.MessageProcessed(userID, action)
		} else {
			s.metrics.RateLimitViolation(userID, dec.Layer, dec.Reason)
		}
	}

	if dec.Allowed || dec.Reason == throttle.ReasonRateLimiterError {
		// Store-failure denials skip the audit trail: the record would only
		// restate that the store was down, and the recorder must not depend
		// on store state that just failed.
		return
	}

	occurredAt := s.now()
	if s.recorder != nil {
		rec := violation.Record{
			ID:          uuid.NewString(),
			UserID:      userID,
			RecipientID: recipientID,
			Layer:       dec.Layer,
			Reason:      dec.Reason,
			OccurredAt:  occurredAt,
		}
		if dec.Layer == throttle.LayerGlobal {
			rec.RecipientID = violation.GlobalRecipient
		}
		if dec.Reason == throttle.ReasonMinDelayViolation && dec.DelayMS > 0 {
			retryAt := occurredAt.Add(time.Duration(dec.DelayMS) * time.Millisecond)
			rec.ScheduledRetryAt = &retryAt
		}
		s.recorder.Record(rec)
	}

	s.bumpViolationCounters(ctx, userID, occurredAt)
}

// bumpViolationCounters feeds the scan-only statistics aggregator. Runs off
// the request path; failures are logged and dropped.
func (s *LimiterService) bumpViolationCounters(ctx context.Context, userID string, now time.Time) {
	bg := context.WithoutCancel(ctx)
	s.side.Add(1)
	go func() {
		defer s.side.Done()
		bctx, cancel := context.WithTimeout(bg, s.sideTimeout)
		defer cancel()

		_, err := s.store.IncrBatch(bctx, []throttle.KeySpec{
			{Key: throttle.Key(throttle.ScopeViolationHour, throttle.GlobalIdentity,
				throttle.WindowStart(now, throttle.WindowHour)), TTL: throttle.TTLHour},
			{Key: throttle.Key(throttle.ScopeViolationUser, userID,
				throttle.WindowStart(now, throttle.WindowHour)), TTL: throttle.TTLHour},
		})
		if err != nil {
			s.logger.Debug("violation counter update failed", "user_id", userID, "error", err)
			return
		}

		lastKey := throttle.StateKey(throttle.ScopeViolationLast, userID)
		if err := s.store.Set(bctx, lastKey, now.UnixMilli(), throttle.TTLDay); err != nil {
			s.logger.Debug("last-violation stamp failed", "user_id", userID, "error", err)
		}
	}()
}

// stampLastMessage records when userID last messaged this recipient.
func (s *LimiterService) stampLastMessage(ctx context.Context, pair string, now time.Time) {
	ttl := 2 * s.limits.MinRecipientDelay
	if ttl < time.Minute {
		ttl = time.Minute
	}
	bg := context.WithoutCancel(ctx)
	s.side.Add(1)
	go func() {
		defer s.side.Done()
		bctx, cancel := context.WithTimeout(bg, s.sideTimeout)
		defer cancel()

		key := throttle.StateKey(throttle.ScopeLastMessage, pair)
		if err := s.store.Set(bctx, key, now.UnixMilli(), ttl); err != nil {
			s.logger.Debug("last-message stamp failed", "key", key, "error", err)
		}
	}()
}

// extendBurstCooldown re-arms the burst counter's TTL to the cooldown length.
func (s *LimiterService) extendBurstCooldown(ctx context.Context, burstKey string) {
	cooldown := s.limits.BurstCooldown
	if cooldown <= 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	s.side.Add(1)
	go func() {
		defer s.side.Done()
		bctx, cancel := context.WithTimeout(bg, s.sideTimeout)
		defer cancel()

		if err := s.store.Expire(bctx, burstKey, cooldown); err != nil {
			s.logger.Debug("burst cooldown extension failed", "key", burstKey, "error", err)
		}
	}()
}

// Flush waits for in-flight background writes. Called on shutdown so
// best-effort stamps are not lost with the process.
func (s *LimiterService) Flush() {
	s.side.Wait()
}

// scheduleRetry hands a throttled send to the delayed-task scheduler.
func (s *LimiterService) scheduleRetry(ctx context.Context, userID, recipientID string, delay time.Duration) {
	if s.scheduler == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.RetryScheduled()
	}
	// The scheduler applies its own bounded timeout and never errors; keep
	// it off the request's cancellation chain so an impatient caller cannot
	// strand the task.
	s.scheduler.ScheduleRetry(context.WithoutCancel(ctx), throttle.RetryTask{
		UserID:      userID,
		RecipientID: recipientID,
		Delay:       delay,
	})
}

// failClosed converts a store failure into a denial. Open failure would
// defeat the compliance purpose of the limiter.
func (s *LimiterService) failClosed(op string, err error) throttle.Decision {
	s.logger.Error("counter store failure, failing closed", "op", op, "error", err)
	return throttle.Decision{
		Allowed:   false,
		Remaining: throttle.RemainingUnknown,
		Reason:    throttle.ReasonRateLimiterError,
		Throttled: true,
	}
}

// deny builds a denial for the given layer and reason.
func deny(layer throttle.Layer, reason throttle.Reason, mutate func(*throttle.Decision)) throttle.Decision {
	d := throttle.Decision{
		Allowed:   false,
		Remaining: throttle.RemainingUnknown,
		Layer:     layer,
		Reason:    reason,
		Throttled: true,
	}
	if mutate != nil {
		mutate(&d)
	}
	return d
}

// clampRemaining returns the budget left under ceiling after consuming up to
// value, never negative.
func clampRemaining(ceiling int, value int64) int {
	left := ceiling - int(value)
	if left < 0 {
		return 0
	}
	return left
}

// windowRemaining returns whole seconds until the current window rolls over,
// at least 1.
func windowRemaining(now time.Time, window time.Duration) int {
	end := now.Truncate(window).Add(window)
	secs := int(end.Sub(now) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
