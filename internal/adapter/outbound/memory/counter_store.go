// Package memory provides in-memory implementations of outbound ports.
// Used for dev mode and testing; production deployments use redisstore.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fangate/fangate/internal/domain/throttle"
)

// entry is one stored counter or marker with its expiry deadline.
type entry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// CounterStore implements throttle.CounterStore with a mutex-protected map.
// Thread-safe for concurrent access. Expiry is evaluated lazily on read and
// swept by an optional background cleanup goroutine.
type CounterStore struct {
	entries         map[string]entry
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	logger          *slog.Logger

	// now is injectable for TTL tests.
	now func() time.Time
}

// CounterStoreOption configures a CounterStore.
type CounterStoreOption func(*CounterStore)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) CounterStoreOption {
	return func(s *CounterStore) { s.now = now }
}

// WithCleanupInterval sets the sweep interval. Default 1 minute.
func WithCleanupInterval(d time.Duration) CounterStoreOption {
	return func(s *CounterStore) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithStoreLogger sets the logger. Default slog.Default.
func WithStoreLogger(logger *slog.Logger) CounterStoreOption {
	return func(s *CounterStore) { s.logger = logger }
}

// NewCounterStore creates an in-memory counter store.
func NewCounterStore(opts ...CounterStoreOption) *CounterStore {
	s := &CounterStore{
		entries:         make(map[string]entry),
		stopChan:        make(chan struct{}),
		cleanupInterval: time.Minute,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IncrBatch implements throttle.CounterStore. The whole batch executes under
// one lock acquisition, matching the atomicity of the Redis script.
func (s *CounterStore) IncrBatch(_ context.Context, specs []throttle.KeySpec) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	values := make([]int64, len(specs))
	for i, spec := range specs {
		e, ok := s.entries[spec.Key]
		if !ok || s.expired(e, now) {
			e = entry{}
		}
		e.value++
		if spec.TTL > 0 {
			e.expiresAt = now.Add(spec.TTL)
		}
		s.entries[spec.Key] = e
		values[i] = e.value
	}
	return values, nil
}

// Get implements throttle.CounterStore.
func (s *CounterStore) Get(_ context.Context, key string) (int64, error) {
	v, _, _ := s.lookup(key)
	return v, nil
}

// GetWithTTL implements throttle.CounterStore.
func (s *CounterStore) GetWithTTL(_ context.Context, key string) (int64, time.Duration, error) {
	v, ttl, _ := s.lookup(key)
	return v, ttl, nil
}

// Set implements throttle.CounterStore.
func (s *CounterStore) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Expire implements throttle.CounterStore.
func (s *CounterStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || s.expired(e, now) {
		return nil
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// SetFlag implements throttle.CounterStore.
func (s *CounterStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	return s.Set(ctx, key, 1, ttl)
}

// GetFlag implements throttle.CounterStore.
func (s *CounterStore) GetFlag(_ context.Context, key string) (bool, time.Duration, error) {
	v, ttl, ok := s.lookup(key)
	return ok && v != 0, ttl, nil
}

// ScanKeys implements throttle.CounterStore. Patterns support a single
// trailing "*" wildcard, which is all the limiter's key scheme needs.
func (s *CounterStore) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimSuffix(pattern, "*")
	exact := prefix == pattern

	now := s.now()
	var keys []string
	for k, e := range s.entries {
		if s.expired(e, now) {
			continue
		}
		if exact {
			if k == pattern {
				keys = append(keys, k)
			}
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
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

// StartCleanup starts the background sweep goroutine. It stops when ctx is
// cancelled or Stop is called.
func (s *CounterStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (s *CounterStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Size returns the number of live keys, for tests and monitoring.
func (s *CounterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, e := range s.entries {
		if !s.expired(e, now) {
			n++
		}
	}
	return n
}

// lookup returns the live value, remaining TTL, and presence for key.
func (s *CounterStore) lookup(key string) (int64, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || s.expired(e, now) {
		return 0, 0, false
	}
	var ttl time.Duration
	if !e.expiresAt.IsZero() {
		ttl = e.expiresAt.Sub(now)
	}
	return e.value, ttl, true
}

func (s *CounterStore) expired(e entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

func (s *CounterStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			cleaned++
		}
	}
	if cleaned > 0 {
		s.logger.Debug("counter store sweep completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(s.entries))
	}
}

// Compile-time interface verification.
var _ throttle.CounterStore = (*CounterStore)(nil)
