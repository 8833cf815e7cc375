package outbox

import (
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/google/uuid"
)

// AggregatePayment is the aggregate type used for payment lifecycle events.
const AggregatePayment = "payment"

type Entry struct {
	ID            uuid.UUID
	Seq           int64 // assigned by the store; orders the entries of one payment
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       map[string]any
	Status        Status
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func NewEntry(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]any) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		RetryCount:    0,
		MaxRetries:    5,
		CreatedAt:     time.Now(),
	}
}

// NewLifecycleEntry describes a stored payment change for downstream consumers.
// Retry bookkeeping stays internal and is not published.
func NewLifecycleEntry(p *payment.Payment, from payment.Status) *Entry {
	payload := map[string]any{
		"payment_id":   p.ID.String(),
		"owner_id":     p.OwnerID,
		"method":       string(p.Method),
		"amount_cents": p.Amount.ValueCents,
		"currency":     p.Amount.Currency,
		"from":         string(from),
		"status":       string(p.Status),
	}
	if p.ProviderReference != nil {
		payload["provider_reference"] = *p.ProviderReference
	}
	if p.RefundAmount != nil {
		payload["refund_amount_cents"] = *p.RefundAmount
	}
	return NewEntry(AggregatePayment, p.ID, "payment."+string(p.Status), payload)
}
