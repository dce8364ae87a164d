package violation

import "context"

// Store persists violation records. Implementations are append-only; a
// failed append must never propagate into the throttling decision that
// produced the record.
type Store interface {
	// Append durably stores one or more records.
	Append(ctx context.Context, records ...Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// CountForUser returns the number of records for a user.
	CountForUser(ctx context.Context, userID string) (int64, error)

	// LastForUser returns the newest record for a user, or nil when the
	// user has none.
	LastForUser(ctx context.Context, userID string) (*Record, error)

	// Close releases underlying resources.
	Close() error
}
