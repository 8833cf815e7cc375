package payment

import (
	"context"
	"fmt"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/providers"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RefundRequest holds the input for refunding a completed payment.
type RefundRequest struct {
	PaymentID uuid.UUID
	// AmountCents of zero refunds the full amount.
	AmountCents int64
	Reason      string
}

// Refund returns money on a completed payment. The provider call and the
// state change run under a per-payment lock so that two refunds cannot both
// reach the provider.
func (c *Coordinator) Refund(ctx context.Context, req RefundRequest) (*payment.Payment, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Refund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", req.PaymentID.String()))

	p, err := c.refund(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund")
		return nil, err
	}
	return p, nil
}

func (c *Coordinator) refund(ctx context.Context, req RefundRequest) (*payment.Payment, error) {
	if req.AmountCents < 0 {
		return nil, domainErrors.NewValidationError("amount", "must not be negative")
	}

	lease, err := c.locker.Acquire(ctx, "refund:"+req.PaymentID.String(), c.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn().Err(err).Str("payment_id", req.PaymentID.String()).Msg("failed to release refund lock")
		}
	}()

	p, err := c.repo.GetByID(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != payment.StatusCompleted {
		return nil, domainErrors.NewDomainError(
			"invalid_refund",
			fmt.Sprintf("cannot refund payment in status %s", p.Status),
			domainErrors.ErrInvalidStateTransition,
		)
	}

	amount := req.AmountCents
	if amount == 0 {
		amount = p.Amount.ValueCents
	}
	if amount > p.Amount.ValueCents {
		return nil, domainErrors.ErrRefundExceedsAmount
	}

	outcome, err := c.gateway.Refund(ctx, providers.RefundCommand{
		PaymentID:         p.ID,
		Method:            p.Method,
		ProviderReference: p.Reference(),
		AmountCents:       amount,
		Currency:          p.Amount.Currency,
		Reason:            req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if !outcome.Accepted {
		c.logger.Warn().
			Str("payment_id", p.ID.String()).
			Str("reason", outcome.Reason).
			Msg("refund declined by provider")
		return nil, fmt.Errorf("refund %s: %s: %w", p.ID, outcome.Reason, domainErrors.ErrProviderRejected)
	}

	out, err := c.apply(ctx, p.ID, payment.StatusCompleted, payment.Event{
		Kind:              payment.EventProviderRefunded,
		ProviderReference: outcome.ProviderReference,
		AmountCents:       amount,
		Reason:            req.Reason,
	}, "refund")
	if err != nil {
		return nil, err
	}
	switch out.Result {
	case ResultRejected:
		return nil, out.Rejection
	case ResultConflicted:
		return nil, fmt.Errorf("refund %s: %w", p.ID, domainErrors.ErrOptimisticLockFailed)
	}
	return out.Payment, nil
}
