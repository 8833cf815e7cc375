package webhook

import (
	"encoding/json"
	"strings"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/providers"
	"github.com/stripe/stripe-go/v78"
)

var stripeKinds = map[stripe.EventType]payment.EventKind{
	stripe.EventTypePaymentIntentSucceeded:     payment.EventProviderAccepted,
	stripe.EventTypeChargeSucceeded:            payment.EventProviderAccepted,
	stripe.EventTypePaymentIntentPaymentFailed: payment.EventProviderDeclined,
	stripe.EventTypeChargeFailed:               payment.EventProviderDeclined,
	stripe.EventTypePaymentIntentCanceled:      payment.EventProviderCanceled,
	stripe.EventTypeChargeRefunded:             payment.EventProviderRefunded,
}

// Stripe normalizes Stripe event objects. Charge events are correlated by
// their payment intent when present.
type Stripe struct{}

func (Stripe) Provider() string        { return providers.ProviderStripe }
func (Stripe) SignatureHeader() string { return "Stripe-Signature" }
func (Stripe) Verifier() Verifier      { return StripeVerifier{} }

func (s Stripe) Normalize(body []byte) (payment.Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return payment.Event{}, malformed(s.Provider(), err.Error())
	}
	if ev.Type == "" {
		return payment.Event{}, malformed(s.Provider(), "missing type")
	}

	kind, ok := stripeKinds[ev.Type]
	if !ok {
		return payment.Event{}, unknown(s.Provider(), string(ev.Type))
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return payment.Event{}, malformed(s.Provider(), "missing data object")
	}

	out := payment.Event{Kind: kind, ProviderEventID: ev.ID}
	var err error
	if strings.HasPrefix(string(ev.Type), "charge.") {
		err = fromCharge(ev.Data.Raw, &out)
	} else {
		err = fromPaymentIntent(ev.Data.Raw, &out)
	}
	if err != nil {
		return payment.Event{}, malformed(s.Provider(), err.Error())
	}
	if out.ProviderReference == "" {
		return payment.Event{}, malformed(s.Provider(), "missing object id")
	}
	return out, nil
}

func fromPaymentIntent(raw json.RawMessage, out *payment.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return err
	}
	out.ProviderReference = pi.ID
	out.PaymentID = parsePaymentID(pi.Metadata["payment_id"])

	switch out.Kind {
	case payment.EventProviderDeclined:
		if pi.LastPaymentError != nil {
			out.Reason = string(pi.LastPaymentError.Code)
		}
	case payment.EventProviderCanceled:
		out.Reason = string(pi.CancellationReason)
	}
	return nil
}

func fromCharge(raw json.RawMessage, out *payment.Event) error {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return err
	}
	out.ProviderReference = ch.ID
	if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
		out.ProviderReference = ch.PaymentIntent.ID
	}
	out.PaymentID = parsePaymentID(ch.Metadata["payment_id"])

	switch out.Kind {
	case payment.EventProviderDeclined:
		out.Reason = ch.FailureCode
	case payment.EventProviderRefunded:
		out.AmountCents = ch.AmountRefunded
	}
	return nil
}
