// Package redisstore provides Redis-backed implementations of the limiter's
// outbound ports: the counter store and the delayed-retry queue.
package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fangate/fangate/internal/domain/throttle"
)

//go:embed incr_expire.lua
var incrExpireScript string

// flagValue is what SetFlag stores; only presence matters.
const flagValue = "1"

// scanBatch is the COUNT hint for SCAN iterations.
const scanBatch = 200

// CounterStore implements throttle.CounterStore on Redis. All enforcement
// increments go through a single Lua script so the increment and the expiry
// refresh are atomic per batch. Every operation carries a bounded timeout;
// failures surface as throttle.ErrStoreUnavailable so the evaluator fails
// closed.
type CounterStore struct {
	rdb       redis.UniversalClient
	script    *redis.Script
	opTimeout time.Duration
	logger    *slog.Logger
}

// Option configures a CounterStore.
type Option func(*CounterStore)

// WithOpTimeout bounds each store operation. Default 500ms.
func WithOpTimeout(d time.Duration) Option {
	return func(s *CounterStore) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithLogger sets the logger. Default slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *CounterStore) { s.logger = logger }
}

// NewCounterStore creates a counter store on the given Redis client.
func NewCounterStore(rdb redis.UniversalClient, opts ...Option) *CounterStore {
	s := &CounterStore{
		rdb:       rdb,
		script:    redis.NewScript(incrExpireScript),
		opTimeout: 500 * time.Millisecond,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies connectivity, for health checks.
func (s *CounterStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return s.unavailable("ping", err)
	}
	return nil
}

// IncrBatch implements throttle.CounterStore.
func (s *CounterStore) IncrBatch(ctx context.Context, specs []throttle.KeySpec) ([]int64, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	keys := make([]string, len(specs))
	ttls := make([]interface{}, len(specs))
	for i, spec := range specs {
		keys[i] = spec.Key
		ttls[i] = int64(spec.TTL / time.Second)
	}

	result, err := s.script.Run(ctx, s.rdb, keys, ttls...).Result()
	if err != nil {
		return nil, s.unavailable("incr batch", err)
	}

	raw, ok := result.([]interface{})
	if !ok || len(raw) != len(specs) {
		return nil, s.unavailable("incr batch", fmt.Errorf("unexpected script reply %T", result))
	}

	values := make([]int64, len(raw))
	for i, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return nil, s.unavailable("incr batch", fmt.Errorf("unexpected reply element %T", v))
		}
		values[i] = n
	}
	return values, nil
}

// Get implements throttle.CounterStore. Missing keys read as zero.
func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, s.unavailable("get", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, s.unavailable("get", err)
	}
	return n, nil
}

// GetWithTTL implements throttle.CounterStore.
func (s *CounterStore) GetWithTTL(ctx context.Context, key string) (int64, time.Duration, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, s.unavailable("get with ttl", err)
	}

	if errors.Is(getCmd.Err(), redis.Nil) {
		return 0, 0, nil
	}
	n, err := strconv.ParseInt(getCmd.Val(), 10, 64)
	if err != nil {
		return 0, 0, s.unavailable("get with ttl", err)
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return n, ttl, nil
}

// Set implements throttle.CounterStore.
func (s *CounterStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return s.unavailable("set", err)
	}
	return nil
}

// Expire implements throttle.CounterStore.
func (s *CounterStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return s.unavailable("expire", err)
	}
	return nil
}

// SetFlag implements throttle.CounterStore.
func (s *CounterStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.rdb.Set(ctx, key, flagValue, ttl).Err(); err != nil {
		return s.unavailable("set flag", err)
	}
	return nil
}

// GetFlag implements throttle.CounterStore.
func (s *CounterStore) GetFlag(ctx context.Context, key string) (bool, time.Duration, error) {
	val, ttl, err := s.GetWithTTL(ctx, key)
	if err != nil {
		return false, 0, err
	}
	return val != 0, ttl, nil
}

// ScanKeys implements throttle.CounterStore.
func (s *CounterStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, s.unavailable("scan", err)
	}
	return keys, nil
}

// ScanCount implements throttle.CounterStore.
func (s *CounterStore) ScanCount(ctx context.Context, pattern string) (int, error) {
	keys, err := s.ScanKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *CounterStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// unavailable wraps a Redis error so callers can match
// throttle.ErrStoreUnavailable and fail closed.
func (s *CounterStore) unavailable(op string, err error) error {
	s.logger.Warn("counter store operation failed", "op", op, "error", err)
	return fmt.Errorf("redis %s: %w: %w", op, throttle.ErrStoreUnavailable, err)
}

// Compile-time interface verification.
var _ throttle.CounterStore = (*CounterStore)(nil)
