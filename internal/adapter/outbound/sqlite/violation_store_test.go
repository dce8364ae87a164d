package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/fangate/fangate/internal/domain/throttle"
	"github.com/fangate/fangate/internal/domain/violation"
)

func newTestStore(t *testing.T) *ViolationStore {
	t.Helper()

	store, err := NewViolationStore(Config{
		Path: filepath.Join(t.TempDir(), "violations.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewViolationStore() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return store
}

func record(i int, userID string, at time.Time) violation.Record {
	return violation.Record{
		ID:          fmt.Sprintf("rec-%d", i),
		UserID:      userID,
		RecipientID: "r1",
		Layer:       throttle.LayerUser,
		Reason:      throttle.ReasonUserLimit,
		OccurredAt:  at,
	}
}

func TestNewViolationStore_RequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := NewViolationStore(Config{}, nil); err == nil {
		t.Fatal("NewViolationStore() with empty path succeeded")
	}
}

func TestViolationStore_AppendAndRecent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var records []violation.Record
	for i := 0; i < 5; i++ {
		records = append(records, record(i, "u1", base.Add(time.Duration(i)*time.Second)))
	}
	if err := store.Append(ctx, records...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	recent, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent(3) returned %d records", len(recent))
	}
	if recent[0].ID != "rec-4" || recent[2].ID != "rec-2" {
		t.Errorf("Recent(3) order = [%s .. %s], want [rec-4 .. rec-2]", recent[0].ID, recent[2].ID)
	}
	if !recent[0].OccurredAt.Equal(base.Add(4 * time.Second)) {
		t.Errorf("OccurredAt = %v, want %v", recent[0].OccurredAt, base.Add(4*time.Second))
	}
	if recent[0].Layer != throttle.LayerUser || recent[0].Reason != throttle.ReasonUserLimit {
		t.Errorf("layer/reason = %s/%s", recent[0].Layer, recent[0].Reason)
	}
}

func TestViolationStore_AppendEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if err := store.Append(context.Background()); err != nil {
		t.Fatalf("Append() with no records error = %v", err)
	}
}

func TestViolationStore_ScheduledRetryRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	retryAt := base.Add(2 * time.Second)
	withRetry := violation.Record{
		ID:               "rec-delay",
		UserID:           "u1",
		RecipientID:      "r1",
		Layer:            throttle.LayerToS,
		Reason:           throttle.ReasonMinDelayViolation,
		OccurredAt:       base,
		ScheduledRetryAt: &retryAt,
	}
	withoutRetry := record(1, "u1", base.Add(time.Second))

	if err := store.Append(ctx, withRetry, withoutRetry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	recent, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent() returned %d records, want 2", len(recent))
	}
	// Newest first: rec-1 has no retry, rec-delay has one.
	if recent[0].ScheduledRetryAt != nil {
		t.Errorf("rec-1 ScheduledRetryAt = %v, want nil", recent[0].ScheduledRetryAt)
	}
	if recent[1].ScheduledRetryAt == nil {
		t.Fatal("rec-delay ScheduledRetryAt is nil")
	}
	if !recent[1].ScheduledRetryAt.Equal(retryAt) {
		t.Errorf("ScheduledRetryAt = %v, want %v", recent[1].ScheduledRetryAt, retryAt)
	}
}

func TestViolationStore_PerUserQueries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Append(ctx,
		record(0, "u1", base),
		record(1, "u2", base.Add(time.Second)),
		record(2, "u1", base.Add(2*time.Second)),
	); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	n, err := store.CountForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("CountForUser() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountForUser(u1) = %d, want 2", n)
	}

	last, err := store.LastForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("LastForUser() error = %v", err)
	}
	if last == nil || last.ID != "rec-2" {
		t.Errorf("LastForUser(u1) = %+v, want rec-2", last)
	}

	last, err = store.LastForUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("LastForUser() error = %v", err)
	}
	if last != nil {
		t.Errorf("LastForUser(nobody) = %+v, want nil", last)
	}
}

func TestViolationStore_TopViolators(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	i := 0
	for user, count := range map[string]int{"u1": 3, "u2": 1, "u3": 5} {
		for j := 0; j < count; j++ {
			if err := store.Append(ctx, record(i, user, base.Add(time.Duration(i)*time.Second))); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			i++
		}
	}

	top, err := store.TopViolators(ctx, 2)
	if err != nil {
		t.Fatalf("TopViolators() error = %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("TopViolators(2) = %v, want 2 entries", top)
	}
	if top["u3"] != 5 || top["u1"] != 3 {
		t.Errorf("TopViolators(2) = %v, want u3:5 u1:3", top)
	}
}

func TestViolationStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "violations.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store, err := NewViolationStore(Config{Path: path}, logger)
	if err != nil {
		t.Fatalf("NewViolationStore() error = %v", err)
	}
	if err := store.Append(ctx, record(0, "u1", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewViolationStore(Config{Path: path}, logger)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	n, err := reopened.CountForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("CountForUser() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountForUser(u1) after reopen = %d, want 1", n)
	}
}
