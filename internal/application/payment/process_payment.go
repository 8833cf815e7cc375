package payment

import (
	"context"
	"errors"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/providers"
	"github.com/google/uuid"
)

const (
	// reasonNoRoute is recorded when no provider serves the payment method.
	reasonNoRoute          = "no_provider"
	reasonSettleRejected   = "settle_rejected"
	reasonUnrecordedCharge = "unrecorded_charge"
)

// submit claims p for a charge attempt and settles it with the provider's
// answer. The claim is a single CAS from p's current status; if another
// actor got there first the charge is not sent and the fresh record is
// returned with ResultConflicted (or ResultRejected when the claim is no
// longer valid, e.g. retries exhausted).
func (c *Coordinator) submit(ctx context.Context, p *payment.Payment, source string) (applied, error) {
	claimed, t, err := c.cas(ctx, p.ID, p.Status, payment.Event{Kind: payment.EventSubmitAttempt})

	var rejected *payment.RejectedError
	switch {
	case err == nil && t.Changed:
		c.observe(claimed, t, source)
	case err == nil:
		// Already processing: someone else holds this attempt.
		return applied{Payment: claimed, Result: ResultConflicted}, nil
	case errors.As(err, &rejected), errors.Is(err, domainErrors.ErrOptimisticLockFailed):
		current, gerr := c.repo.GetByID(ctx, p.ID)
		if gerr != nil {
			return applied{}, gerr
		}
		res := ResultConflicted
		if rejected != nil {
			res = ResultRejected
		}
		return applied{Payment: current, Result: res, Rejection: rejected}, nil
	default:
		return applied{}, err
	}

	outcome, err := c.gateway.Charge(ctx, providers.ChargeRequest{
		PaymentID:   claimed.ID,
		Attempt:     claimed.RetryCount,
		Method:      claimed.Method,
		AmountCents: claimed.Amount.ValueCents,
		Currency:    claimed.Amount.Currency,
	})
	if err != nil {
		c.logger.Error().Err(err).
			Str("payment_id", claimed.ID.String()).
			Str("method", string(claimed.Method)).
			Msg("no provider for payment method")
		outcome = providers.Outcome{Reason: reasonNoRoute}
	}

	res, err := c.apply(ctx, claimed.ID, payment.StatusProcessing, outcomeEvent(outcome), source)
	if err == nil && res.Result == ResultRejected && res.Payment.Status == payment.StatusProcessing {
		res, err = c.abandon(ctx, claimed.ID, outcome, res.Rejection, source)
	}
	res.Submitted = true
	return res, err
}

// abandon parks an attempt whose provider answer the state machine refused.
// The record leaves processing as an exhausted failure so that it is listed
// for an operator instead of being charged again.
func (c *Coordinator) abandon(ctx context.Context, id uuid.UUID, o providers.Outcome, rejected *payment.RejectedError, source string) (applied, error) {
	reason := reasonSettleRejected
	if o.Accepted {
		reason = reasonUnrecordedCharge
	}
	ev := c.logger.Error().
		Str("payment_id", id.String()).
		Str("provider_reference", o.ProviderReference).
		Bool("accepted", o.Accepted).
		Str("source", source)
	if rejected != nil {
		ev = ev.Str("rejection", rejected.Reason)
	}
	ev.Msg("provider answer refused, payment parked for reconciliation")

	res, err := c.apply(ctx, id, payment.StatusProcessing, payment.Event{
		Kind:   payment.EventProviderDeclined,
		Reason: reason,
		Final:  true,
	}, source)
	if res.Rejection == nil {
		res.Rejection = rejected
	}
	return res, err
}

// outcomeEvent turns a gateway answer into the event that settles an attempt.
func outcomeEvent(o providers.Outcome) payment.Event {
	if o.Accepted {
		return payment.Event{Kind: payment.EventProviderAccepted, ProviderReference: o.ProviderReference}
	}
	return payment.Event{Kind: payment.EventProviderDeclined, Reason: o.Reason}
}
