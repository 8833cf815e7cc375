package testutil

import (
	"sync"
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/providers"
	"github.com/google/uuid"
)

// Epoch is the fixed start time used by test clocks.
var Epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func NewTestPayment(ownerID string, amountCents int64, method payment.Method) *payment.Payment {
	return &payment.Payment{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Amount:     payment.Amount{ValueCents: amountCents, Currency: "USD"},
		Method:     method,
		Status:     payment.StatusPending,
		RetryCount: 0,
		MaxRetries: payment.DefaultMaxRetries,
		Metadata:   make(map[string]any),
		CreatedAt:  Epoch,
		UpdatedAt:  Epoch,
	}
}

func NewCompletedPayment(ownerID string, amountCents int64, method payment.Method, ref string) *payment.Payment {
	p := NewTestPayment(ownerID, amountCents, method)
	p.Status = payment.StatusCompleted
	p.ProviderReference = &ref
	processedAt := Epoch
	p.ProcessedAt = &processedAt
	return p
}

func UUIDPtr(id uuid.UUID) *uuid.UUID {
	return &id
}

// NewScriptedGateway wires zero-latency stripe and paypal mocks behind a
// gateway with the default method routes.
func NewScriptedGateway(opts ...providers.GatewayOption) (gw *providers.Gateway, stripe, paypal *providers.MockProvider) {
	stripe = providers.NewMockProvider(providers.ProviderStripe, providers.WithLatency(0))
	paypal = providers.NewMockProvider(providers.ProviderPayPal, providers.WithLatency(0))
	gw = providers.NewGateway(providers.NewFactory(stripe, paypal), opts...)
	return gw, stripe, paypal
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: Epoch}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
