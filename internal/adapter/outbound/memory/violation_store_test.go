package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fangate/fangate/internal/domain/throttle"
	"github.com/fangate/fangate/internal/domain/violation"
)

func makeRecord(i int, userID string) violation.Record {
	return violation.Record{
		ID:          fmt.Sprintf("rec-%d", i),
		UserID:      userID,
		RecipientID: "r1",
		Layer:       throttle.LayerUser,
		Reason:      throttle.ReasonUserLimit,
		OccurredAt:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second),
	}
}

func TestViolationStore_AppendAndRecent(t *testing.T) {
	t.Parallel()

	store := NewViolationStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, makeRecord(i, "u1")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	recent, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent(3) returned %d records", len(recent))
	}
	// Newest first.
	if recent[0].ID != "rec-4" || recent[2].ID != "rec-2" {
		t.Errorf("Recent(3) order = [%s .. %s], want [rec-4 .. rec-2]", recent[0].ID, recent[2].ID)
	}
}

func TestViolationStore_RingEviction(t *testing.T) {
	t.Parallel()

	store := NewViolationStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, makeRecord(i, "u1")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	recent, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("capped store holds %d records, want 3", len(recent))
	}
	if recent[0].ID != "rec-4" || recent[2].ID != "rec-2" {
		t.Errorf("oldest records not evicted: %s .. %s", recent[0].ID, recent[2].ID)
	}
}

func TestViolationStore_PerUserQueries(t *testing.T) {
	t.Parallel()

	store := NewViolationStore()
	ctx := context.Background()

	if err := store.Append(ctx,
		makeRecord(0, "u1"),
		makeRecord(1, "u2"),
		makeRecord(2, "u1"),
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
