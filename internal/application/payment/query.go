package payment

import (
	"context"
	"fmt"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/auth"
	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// GetPayment returns a payment visible to the caller. Records owned by
// someone else are reported as not found.
func (c *Coordinator) GetPayment(ctx context.Context, id uuid.UUID, caller auth.Identity) (*payment.Payment, error) {
	p, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(p.OwnerID) {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return p, nil
}

// ListPayments lists payments for operators.
func (c *Coordinator) ListPayments(ctx context.Context, filter payment.ListFilter) ([]*payment.Payment, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	filter.Limit = min(filter.Limit, maxListLimit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return c.repo.List(ctx, filter)
}

// History returns the audit trail of a payment visible to the caller.
func (c *Coordinator) History(ctx context.Context, id uuid.UUID, caller auth.Identity) ([]*payment.HistoryEntry, error) {
	if _, err := c.GetPayment(ctx, id, caller); err != nil {
		return nil, err
	}
	hr, ok := c.repo.(HistoryReader)
	if !ok {
		return nil, fmt.Errorf("payment history: %w", domainErrors.ErrInvalidInput)
	}
	return hr.History(ctx, id)
}

// Cancel stops a payment that has not settled yet. Only the owner or an
// operator may cancel.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID, caller auth.Identity) (*payment.Payment, error) {
	p, err := c.GetPayment(ctx, id, caller)
	if err != nil {
		return nil, err
	}

	out, err := c.apply(ctx, p.ID, p.Status, payment.Event{Kind: payment.EventCancelRequested, Reason: "requested by " + caller.UserID}, "cancel")
	if err != nil {
		return nil, err
	}
	switch out.Result {
	case ResultRejected:
		return nil, out.Rejection
	case ResultConflicted:
		return nil, fmt.Errorf("cancel %s: %w", p.ID, domainErrors.ErrOptimisticLockFailed)
	}
	return out.Payment, nil
}
