package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fangate/fangate/internal/domain/throttle"
)

// QueueKey is the sorted set holding pending retry tasks, scored by due time
// (unix seconds). The external delivery worker drains members whose score is
// in the past.
const QueueKey = "throttle:retry:queue"

// dedupePrefix namespaces the markers that suppress duplicate tasks.
const dedupePrefix = "throttle:retry:dedupe:"

// queuedTask is the wire format of a queue member.
type queuedTask struct {
	UserID      string `json:"user_id"`
	RecipientID string `json:"recipient_id"`
	DueAt       int64  `json:"due_at"`
}

// RetryQueue implements throttle.RetryScheduler on a Redis sorted set.
// Scheduling is best effort: oversized delays are clamped to the queue's
// maximum, near-simultaneous tasks for the same (user, recipient) pair are
// deduplicated, and failures are logged, never surfaced.
type RetryQueue struct {
	rdb          redis.UniversalClient
	maxDelay     time.Duration
	dedupeWindow time.Duration
	opTimeout    time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// QueueOption configures a RetryQueue.
type QueueOption func(*RetryQueue)

// WithMaxDelay caps the requested delay. Default 900s.
func WithMaxDelay(d time.Duration) QueueOption {
	return func(q *RetryQueue) {
		if d > 0 {
			q.maxDelay = d
		}
	}
}

// WithDedupeWindow sets how long a (user, recipient) pair suppresses further
// tasks. Default 30s.
func WithDedupeWindow(d time.Duration) QueueOption {
	return func(q *RetryQueue) {
		if d > 0 {
			q.dedupeWindow = d
		}
	}
}

// WithQueueOpTimeout bounds each scheduling attempt. Default 500ms.
func WithQueueOpTimeout(d time.Duration) QueueOption {
	return func(q *RetryQueue) {
		if d > 0 {
			q.opTimeout = d
		}
	}
}

// WithQueueLogger sets the logger. Default slog.Default.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *RetryQueue) { q.logger = logger }
}

// NewRetryQueue creates a retry queue on the given Redis client.
func NewRetryQueue(rdb redis.UniversalClient, opts ...QueueOption) *RetryQueue {
	q := &RetryQueue{
		rdb:          rdb,
		maxDelay:     900 * time.Second,
		dedupeWindow: 30 * time.Second,
		opTimeout:    500 * time.Millisecond,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ScheduleRetry implements throttle.RetryScheduler.
func (q *RetryQueue) ScheduleRetry(ctx context.Context, task throttle.RetryTask) {
	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()

	delay := task.Delay
	if delay > q.maxDelay {
		// Oversized requests mean "as delayed as possible", not an error.
		delay = q.maxDelay
	}
	if delay < 0 {
		delay = 0
	}

	now := q.now()
	dedupeKey := q.dedupeKey(task.UserID, task.RecipientID, now)
	claimed, err := q.rdb.SetNX(ctx, dedupeKey, "1", q.dedupeWindow).Result()
	if err != nil {
		q.logger.Warn("retry dedupe check failed, task dropped",
			"user_id", task.UserID, "recipient_id", task.RecipientID, "error", err)
		return
	}
	if !claimed {
		// A retry for this pair is already queued in this window.
		return
	}

	due := now.Add(delay)
	member, err := json.Marshal(queuedTask{
		UserID:      task.UserID,
		RecipientID: task.RecipientID,
		DueAt:       due.Unix(),
	})
	if err != nil {
		q.logger.Error("retry task marshal failed", "error", err)
		return
	}

	err = q.rdb.ZAdd(ctx, QueueKey, redis.Z{Score: float64(due.Unix()), Member: member}).Err()
	if err != nil {
		q.logger.Warn("retry task enqueue failed",
			"user_id", task.UserID, "recipient_id", task.RecipientID,
			"delay", delay, "error", err)
		return
	}

	q.logger.Debug("retry task scheduled",
		"user_id", task.UserID, "recipient_id", task.RecipientID, "delay", delay)
}

// Pending returns the number of queued tasks, for monitoring.
func (q *RetryQueue) Pending(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()

	n, err := q.rdb.ZCard(ctx, QueueKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("retry queue size: %w: %w", throttle.ErrStoreUnavailable, err)
	}
	return n, nil
}

// dedupeKey derives the suppression marker for a pair within the current
// dedupe window bucket.
func (q *RetryQueue) dedupeKey(userID, recipientID string, now time.Time) string {
	bucket := now.Truncate(q.dedupeWindow).Unix()
	sum := xxhash.Sum64String(fmt.Sprintf("%s:%s:%d", userID, recipientID, bucket))
	return fmt.Sprintf("%s%016x", dedupePrefix, sum)
}

// Compile-time interface verification.
var _ throttle.RetryScheduler = (*RetryQueue)(nil)
