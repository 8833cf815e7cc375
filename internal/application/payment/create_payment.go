package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CreatePaymentRequest holds the input for creating a payment.
type CreatePaymentRequest struct {
	OwnerID     string
	AmountCents int64
	Currency    string
	Method      payment.Method
	Metadata    map[string]any
}

// CreateAndSubmit validates and stores a new payment, then submits the first
// charge attempt. The returned record is completed or failed unless another
// actor moved it in between. A declined charge is not an error.
func (c *Coordinator) CreateAndSubmit(ctx context.Context, req CreatePaymentRequest) (*payment.Payment, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.CreateAndSubmit")
	defer span.End()

	p, err := payment.NewPayment(
		req.OwnerID,
		payment.Amount{ValueCents: req.AmountCents, Currency: strings.ToUpper(req.Currency)},
		req.Method,
		req.Metadata,
		c.now(),
	)
	if err != nil {
		return nil, err
	}
	p.MaxRetries = c.maxRetries

	if err := c.repo.Create(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create payment")
		return nil, fmt.Errorf("create payment: %w", err)
	}
	span.SetAttributes(
		attribute.String("payment.id", p.ID.String()),
		attribute.String("payment.method", string(p.Method)),
	)
	c.metrics.PaymentCreated(p.Method)
	c.logger.Info().
		Str("payment_id", p.ID.String()).
		Str("owner_id", p.OwnerID).
		Str("method", string(p.Method)).
		Int64("amount_cents", p.Amount.ValueCents).
		Msg("payment created")

	out, err := c.submit(ctx, p, "create")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit payment")
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.status", string(out.Payment.Status)))
	return out.Payment, nil
}
