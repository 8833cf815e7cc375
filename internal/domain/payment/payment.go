package payment

import (
	"fmt"
	"maps"
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry budget assigned to new payments.
const DefaultMaxRetries = 3

// Method identifies how the owner pays; each method is served by one provider.
type Method string

const (
	MethodCard   Method = "card"
	MethodWallet Method = "wallet"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	return m == MethodCard || m == MethodWallet
}

// Status represents the payment status in the state machine
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusRefunded,
}

// Payment is the aggregate root. Status and the bookkeeping fields are only
// changed through Apply.
type Payment struct {
	ID                uuid.UUID
	OwnerID           string
	Amount            Amount
	Method            Method
	Status            Status
	ProviderReference *string
	FailureReason     *string
	RetryCount        int
	MaxRetries        int
	NextRetryAt       *time.Time
	RefundAmount      *int64
	RefundReason      *string
	RefundedAt        *time.Time
	ProcessedAt       *time.Time
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Amount represents a monetary amount in the smallest currency unit (e.g. cents).
type Amount struct {
	ValueCents int64
	Currency   string
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	whole := a.ValueCents / 100
	frac := a.ValueCents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, a.Currency)
}

// Validate checks that the amount is valid.
func (a Amount) Validate() error {
	return validateAmount(a)
}

// NewPayment creates a pending payment owned by ownerID.
func NewPayment(ownerID string, amount Amount, method Method, metadata map[string]any, now time.Time) (*Payment, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if !method.Valid() {
		return nil, errors.NewValidationError("method", fmt.Sprintf("unsupported method %q", method))
	}
	if ownerID == "" {
		return nil, errors.ErrInvalidInput
	}

	md := make(map[string]any, len(metadata))
	maps.Copy(md, metadata)

	return &Payment{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Amount:     amount,
		Method:     method,
		Status:     StatusPending,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
		Metadata:   md,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Clone returns a deep copy so that callers can mutate without aliasing
// stored records.
func (p *Payment) Clone() *Payment {
	c := *p
	c.ProviderReference = clonePtr(p.ProviderReference)
	c.FailureReason = clonePtr(p.FailureReason)
	c.NextRetryAt = clonePtr(p.NextRetryAt)
	c.RefundAmount = clonePtr(p.RefundAmount)
	c.RefundReason = clonePtr(p.RefundReason)
	c.RefundedAt = clonePtr(p.RefundedAt)
	c.ProcessedAt = clonePtr(p.ProcessedAt)
	if p.Metadata != nil {
		c.Metadata = maps.Clone(p.Metadata)
	}
	return &c
}

// CanRetry checks if the payment is eligible for another automated attempt.
func (p *Payment) CanRetry() bool {
	return p.Status == StatusFailed && p.RetryCount < p.MaxRetries
}

// IsExhausted reports a failed payment with no retries left.
func (p *Payment) IsExhausted() bool {
	return p.Status == StatusFailed && p.RetryCount >= p.MaxRetries
}

// IsTerminal checks if no further automated transition applies.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusCancelled ||
		p.Status == StatusRefunded ||
		p.IsExhausted()
}

// RetryableAt reports whether the payment is due for a retry at now.
func (p *Payment) RetryableAt(now time.Time) bool {
	if !p.CanRetry() {
		return false
	}
	return p.NextRetryAt == nil || !p.NextRetryAt.After(now)
}

// Reference returns the provider reference or "".
func (p *Payment) Reference() string {
	if p.ProviderReference == nil {
		return ""
	}
	return *p.ProviderReference
}

func validateAmount(amount Amount) error {
	if amount.ValueCents <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if amount.Currency == "" {
		return errors.NewValidationError("currency", "cannot be empty")
	}
	// Simple currency validation (3-letter code)
	if len(amount.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	return nil
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func ptr[T any](v T) *T {
	return &v
}
