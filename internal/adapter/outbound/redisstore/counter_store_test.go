package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fangate/fangate/internal/domain/throttle"
)

// newTestClient connects to a local Redis (or REDIS_ADDR) and skips the test
// when none is reachable. Tests run against DB 15 and flush it.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		rdb.Close()
		t.Fatalf("FlushDB() error = %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func newTestCounterStore(t *testing.T) *CounterStore {
	t.Helper()
	return NewCounterStore(newTestClient(t),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestCounterStore_IncrBatch(t *testing.T) {
	store := newTestCounterStore(t)
	ctx := context.Background()

	specs := []throttle.KeySpec{
		{Key: "throttle:user-minute:u1:100", TTL: time.Minute},
		{Key: "throttle:user-hour:u1:0", TTL: time.Hour},
	}

	values, err := store.IncrBatch(ctx, specs)
	if err != nil {
		t.Fatalf("IncrBatch() error = %v", err)
	}
	if values[0] != 1 || values[1] != 1 {
		t.Errorf("first batch = %v, want [1 1]", values)
	}

	values, err = store.IncrBatch(ctx, specs)
	if err != nil {
		t.Fatalf("IncrBatch() error = %v", err)
	}
	if values[0] != 2 || values[1] != 2 {
		t.Errorf("second batch = %v, want [2 2]", values)
	}

	// The script arms the TTL alongside the increment.
	_, ttl, err := store.GetWithTTL(ctx, specs[0].Key)
	if err != nil {
		t.Fatalf("GetWithTTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want within (0, 1m]", ttl)
	}
}

func TestCounterStore_IncrBatchEmpty(t *testing.T) {
	store := newTestCounterStore(t)

	values, err := store.IncrBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("IncrBatch(nil) error = %v", err)
	}
	if len(values) != 0 {
		t.Errorf("IncrBatch(nil) = %v, want empty", values)
	}
}

func TestCounterStore_GetMissingKey(t *testing.T) {
	store := newTestCounterStore(t)

	v, err := store.Get(context.Background(), "throttle:user-minute:nobody:0")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v != 0 {
		t.Errorf("missing key = %d, want 0", v)
	}

	v, ttl, err := store.GetWithTTL(context.Background(), "throttle:user-minute:nobody:0")
	if err != nil {
		t.Fatalf("GetWithTTL() error = %v", err)
	}
	if v != 0 || ttl != 0 {
		t.Errorf("missing key = (%d, %v), want (0, 0)", v, ttl)
	}
}

func TestCounterStore_SetAndExpire(t *testing.T) {
	store := newTestCounterStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k", 42, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, ttl, err := store.GetWithTTL(ctx, "k")
	if err != nil {
		t.Fatalf("GetWithTTL() error = %v", err)
	}
	if v != 42 {
		t.Errorf("value = %d, want 42", v)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want within (0, 1m]", ttl)
	}

	if err := store.Expire(ctx, "k", time.Hour); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	_, ttl, err = store.GetWithTTL(ctx, "k")
	if err != nil {
		t.Fatalf("GetWithTTL() error = %v", err)
	}
	if ttl <= time.Minute {
		t.Errorf("ttl after Expire = %v, want above 1m", ttl)
	}
}

func TestCounterStore_Flags(t *testing.T) {
	store := newTestCounterStore(t)
	ctx := context.Background()
	key := throttle.StateKey(throttle.ScopeSuspicious, "u1")

	set, _, err := store.GetFlag(ctx, key)
	if err != nil {
		t.Fatalf("GetFlag() error = %v", err)
	}
	if set {
		t.Error("flag set before SetFlag")
	}

	if err := store.SetFlag(ctx, key, time.Hour); err != nil {
		t.Fatalf("SetFlag() error = %v", err)
	}
	set, ttl, err := store.GetFlag(ctx, key)
	if err != nil {
		t.Fatalf("GetFlag() error = %v", err)
	}
	if !set {
		t.Error("flag not set after SetFlag")
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("flag ttl = %v, want within (0, 1h]", ttl)
	}
}

func TestCounterStore_ScanKeys(t *testing.T) {
	store := newTestCounterStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := throttle.Key(throttle.ScopeUserDay, fmt.Sprintf("u%d", i), 0)
		if err := store.Set(ctx, key, 1, time.Minute); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if err := store.Set(ctx, throttle.Key(throttle.ScopeUserHour, "u0", 0), 1, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	keys, err := store.ScanKeys(ctx, throttle.ScanPattern(throttle.ScopeUserDay))
	if err != nil {
		t.Fatalf("ScanKeys() error = %v", err)
	}
	if len(keys) != 5 {
		t.Errorf("ScanKeys(user-day) returned %d keys, want 5", len(keys))
	}

	n, err := store.ScanCount(ctx, throttle.ScanPattern(throttle.ScopeUserHour))
	if err != nil {
		t.Fatalf("ScanCount() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ScanCount(user-hour) = %d, want 1", n)
	}
}

func TestCounterStore_UnavailableWrapsSentinel(t *testing.T) {
	// A client pointed at a closed port fails fast; the error must match the
	// sentinel the evaluator fails closed on.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer rdb.Close()
	store := NewCounterStore(rdb,
		WithOpTimeout(200*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := store.Get(context.Background(), "k")
	if err == nil {
		t.Fatal("Get() against closed port succeeded")
	}
	if !errors.Is(err, throttle.ErrStoreUnavailable) {
		t.Errorf("error %v does not wrap ErrStoreUnavailable", err)
	}

	if err := store.Ping(context.Background()); !errors.Is(err, throttle.ErrStoreUnavailable) {
		t.Errorf("Ping() error %v does not wrap ErrStoreUnavailable", err)
	}
}
