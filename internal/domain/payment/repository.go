package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Mutator computes the next version of a record from a fresh copy. Returning
// errors.ErrNoChange leaves the record untouched; any other error aborts.
type Mutator func(current Payment) (Payment, error)

// Repository defines the interface for payment persistence
type Repository interface {
	// Create persists a new payment
	Create(ctx context.Context, p *Payment) error

	// GetByID retrieves a payment by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)

	// FindByProviderReference retrieves the payment correlated with a provider charge
	FindByProviderReference(ctx context.Context, ref string) (*Payment, error)

	// CompareAndSwap applies mutate if the stored status equals expected,
	// failing with ErrOptimisticLockFailed otherwise. It is the only
	// mutation primitive.
	CompareAndSwap(ctx context.Context, id uuid.UUID, expected Status, mutate Mutator) (*Payment, error)

	// ListRetryable returns failed payments with retries left whose backoff elapsed
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]*Payment, error)

	// List lists payments with filters
	List(ctx context.Context, filter ListFilter) ([]*Payment, error)
}

// ListFilter defines filters for listing payments
type ListFilter struct {
	OwnerID   *string
	Status    *Status
	Method    *Method
	Exhausted bool
	Limit     int
	Offset    int
}

// HistoryEntry is an audit record of one accepted transition.
type HistoryEntry struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	EventType string
	EventData map[string]any
	CreatedAt time.Time
}

// NewHistoryEntry builds the audit record for a stored change.
func NewHistoryEntry(p *Payment, from Status) *HistoryEntry {
	data := map[string]any{
		"from":         string(from),
		"to":           string(p.Status),
		"amount_cents": p.Amount.ValueCents,
		"retry_count":  p.RetryCount,
	}
	if p.ProviderReference != nil {
		data["provider_reference"] = *p.ProviderReference
	}
	if p.FailureReason != nil && p.Status == StatusFailed {
		data["failure_reason"] = *p.FailureReason
	}
	if p.RefundAmount != nil {
		data["refund_amount_cents"] = *p.RefundAmount
	}
	return &HistoryEntry{
		ID:        uuid.New(),
		PaymentID: p.ID,
		EventType: "payment." + string(p.Status),
		EventData: data,
		CreatedAt: p.UpdatedAt,
	}
}
