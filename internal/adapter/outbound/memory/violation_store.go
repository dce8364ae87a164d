package memory

import (
	"context"
	"sync"

	"github.com/fangate/fangate/internal/domain/violation"
)

const defaultRecentCap = 1000

// ViolationStore implements violation.Store with a bounded in-memory ring
// buffer. Used for dev mode and tests; production deployments use the
// SQLite store.
type ViolationStore struct {
	mu     sync.Mutex
	recent []violation.Record
	cap    int
}

// NewViolationStore creates an in-memory violation store. An optional
// capacity parameter sets the ring buffer size (default 1000).
func NewViolationStore(capacity ...int) *ViolationStore {
	c := defaultRecentCap
	if len(capacity) > 0 && capacity[0] > 0 {
		c = capacity[0]
	}
	return &ViolationStore{
		recent: make([]violation.Record, 0, c),
		cap:    c,
	}
}

// Append implements violation.Store.
func (s *ViolationStore) Append(_ context.Context, records ...violation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if len(s.recent) >= s.cap {
			// Shift left, drop oldest.
			copy(s.recent, s.recent[1:])
			s.recent[len(s.recent)-1] = r
		} else {
			s.recent = append(s.recent, r)
		}
	}
	return nil
}

// Recent implements violation.Store, newest first.
func (s *ViolationStore) Recent(_ context.Context, limit int) ([]violation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]violation.Record, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// CountForUser implements violation.Store. The count is bounded by the ring
// buffer capacity.
func (s *ViolationStore) CountForUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.recent {
		if r.UserID == userID {
			n++
		}
	}
	return n, nil
}

// LastForUser implements violation.Store.
func (s *ViolationStore) LastForUser(_ context.Context, userID string) (*violation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.recent) - 1; i >= 0; i-- {
		if s.recent[i].UserID == userID {
			r := s.recent[i]
			return &r, nil
		}
	}
	return nil, nil
}

// Close implements violation.Store.
func (s *ViolationStore) Close() error { return nil }

// Compile-time interface verification.
var _ violation.Store = (*ViolationStore)(nil)
