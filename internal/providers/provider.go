package providers

import (
	"context"
)

// ProviderResult is what an adapter reports back for one call.
type ProviderResult struct {
	TransactionID string
	Status        string // "success", "failed"
	ErrorMessage  string
}

// Provider is implemented by every provider adapter. Adapters report a
// business refusal as errors.ErrProviderRejected with ErrorMessage holding
// the provider's reason; any other error is treated as a transport failure.
type Provider interface {
	// Name returns the provider name.
	Name() string
	// ProcessPayment charges a payment through the provider.
	ProcessPayment(ctx context.Context, req ProcessRequest) (*ProviderResult, error)
	// RefundPayment refunds a captured charge through the provider.
	RefundPayment(ctx context.Context, req RefundRequest) (*ProviderResult, error)
}

type ProcessRequest struct {
	PaymentID string
	// IdempotencyKey is stable for one attempt so a replayed request never
	// creates a second charge.
	IdempotencyKey string
	AmountCents    int64 // in cents
	Currency       string
	Method         string
	Metadata       map[string]any
}

type RefundRequest struct {
	PaymentID     string
	TransactionID string
	AmountCents   int64 // in cents
	Currency      string
	Reason        string
}
