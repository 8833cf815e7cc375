package outbox

import (
	"context"

	"github.com/google/uuid"
)

// Repository queues lifecycle events until the relay has published them.
// Each payment has its own queue: GetPending only hands out the oldest
// pending entry of a payment, so a later status never overtakes an earlier
// one on the stream.
type Repository interface {
	// Insert queues entry. The payment store calls it inside the
	// transaction that stores the change.
	Insert(ctx context.Context, entry *Entry) error

	// GetPending returns the head of up to limit payment queues, oldest first.
	GetPending(ctx context.Context, limit int) ([]*Entry, error)

	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkFailed counts a failed publish. Once MaxRetries is reached the
	// entry is parked as failed and its payment's queue moves on.
	MarkFailed(ctx context.Context, id uuid.UUID) error
}
