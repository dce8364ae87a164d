// Package violation contains domain types for the rate-limit violation
// audit trail.
package violation

import (
	"time"

	"github.com/fangate/fangate/internal/domain/throttle"
)

// GlobalRecipient is the sentinel RecipientID for violations of
// platform-wide ceilings, where no single recipient is involved.
const GlobalRecipient = "*"

// Record is one denied send attempt. Records are append-only: created on
// every denial, never updated, retained for audit. Cleanup is an external
// concern.
type Record struct {
	// ID is a unique identifier for the record.
	ID string `json:"id"`

	// UserID is the sender whose attempt was denied.
	UserID string `json:"user_id"`

	// RecipientID is the intended recipient, or GlobalRecipient when the
	// denial came from a platform-wide layer.
	RecipientID string `json:"recipient_id"`

	// Layer is the quota layer that denied the attempt.
	Layer throttle.Layer `json:"layer"`

	// Reason is the denial reason.
	Reason throttle.Reason `json:"reason"`

	// OccurredAt is when the attempt was denied.
	OccurredAt time.Time `json:"occurred_at"`

	// ScheduledRetryAt is set when the limiter enqueued an automatic retry
	// for the throttled send.
	ScheduledRetryAt *time.Time `json:"scheduled_retry_at,omitempty"`
}
