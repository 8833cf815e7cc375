package payment

import (
	"context"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// HandleWebhook verifies, normalizes and applies one provider notification.
// Deliveries that cannot be tied to a payment, or that the state machine
// refuses, are consumed and reported through the Result. Errors are returned
// for an unknown provider, a bad signature, a malformed body or a store
// failure; in the last case the provider is expected to redeliver.
func (c *Coordinator) HandleWebhook(ctx context.Context, raw webhook.RawWebhook) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.HandleWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.provider", raw.ProviderID))

	res, err := c.handleWebhook(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook")
		return "", err
	}
	span.SetAttributes(attribute.String("webhook.result", string(res)))
	c.metrics.WebhookProcessed(raw.ProviderID, res)
	return res, nil
}

func (c *Coordinator) handleWebhook(ctx context.Context, raw webhook.RawWebhook) (Result, error) {
	n, err := c.webhooks.Lookup(raw.ProviderID)
	if err != nil {
		return "", err
	}
	verifier := c.verifier
	if verifier == nil {
		verifier = n.Verifier()
	}
	if !verifier.Verify(raw.Body, raw.Signature, c.secrets[raw.ProviderID]) {
		c.logger.Warn().Str("provider", raw.ProviderID).Msg("webhook signature rejected")
		return "", domainErrors.ErrInvalidSignature
	}

	ev, err := n.Normalize(raw.Body)
	if errors.Is(err, domainErrors.ErrUnknownEvent) {
		c.logger.Debug().Err(err).Str("provider", raw.ProviderID).Msg("webhook event ignored")
		return ResultIgnored, nil
	}
	if err != nil {
		return "", err
	}

	log := c.logger.With().
		Str("provider", raw.ProviderID).
		Str("event", string(ev.Kind)).
		Str("provider_reference", ev.ProviderReference).
		Str("provider_event_id", ev.ProviderEventID).
		Logger()

	if c.dedupe != nil && ev.ProviderEventID != "" {
		first, err := c.dedupe.FirstSeen(ctx, raw.ProviderID, ev.ProviderEventID, c.dedupeTTL)
		switch {
		case err != nil:
			// The state machine is idempotent on its own; dedupe only saves work.
			log.Warn().Err(err).Msg("webhook dedupe unavailable")
		case !first:
			log.Debug().Msg("webhook delivery already processed")
			return ResultDuplicate, nil
		}
	}

	res, err := c.reconcile(ctx, ev)
	if err != nil {
		if c.dedupe != nil && ev.ProviderEventID != "" {
			if ferr := c.dedupe.Forget(ctx, raw.ProviderID, ev.ProviderEventID); ferr != nil {
				log.Warn().Err(ferr).Msg("failed to forget webhook delivery")
			}
		}
		return "", err
	}
	log.Info().Str("result", string(res)).Msg("webhook processed")
	return res, nil
}

// reconcile correlates ev with a stored payment and applies it.
func (c *Coordinator) reconcile(ctx context.Context, ev payment.Event) (Result, error) {
	p, err := c.correlate(ctx, ev)
	if errors.Is(err, domainErrors.ErrPaymentNotFound) {
		c.logger.Warn().
			Str("event", string(ev.Kind)).
			Str("provider_reference", ev.ProviderReference).
			Msg("webhook does not match any payment")
		return ResultIgnored, nil
	}
	if err != nil {
		return "", err
	}

	out, err := c.apply(ctx, p.ID, p.Status, ev, "webhook")
	if err != nil {
		return "", err
	}
	return out.Result, nil
}

// correlate finds the payment a provider event refers to: by provider
// reference first, then by the merchant payment id echoed in the payload.
// The fallback only matches a record that has no reference yet or the same
// one, so a stray id cannot hijack another charge.
func (c *Coordinator) correlate(ctx context.Context, ev payment.Event) (*payment.Payment, error) {
	if ev.ProviderReference != "" {
		p, err := c.repo.FindByProviderReference(ctx, ev.ProviderReference)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, domainErrors.ErrPaymentNotFound) {
			return nil, fmt.Errorf("find by provider reference: %w", err)
		}
	}
	if ev.PaymentID == nil {
		return nil, domainErrors.ErrPaymentNotFound
	}

	p, err := c.repo.GetByID(ctx, *ev.PaymentID)
	if err != nil {
		return nil, err
	}
	if ref := p.Reference(); ref != "" && ev.ProviderReference != "" && ref != ev.ProviderReference {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return p, nil
}
