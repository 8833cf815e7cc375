package webhook

import (
	"encoding/json"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/providers"
	"github.com/cassiomorais/payment-lifecycle/pkg/money"
)

var paypalKinds = map[string]payment.EventKind{
	"PAYMENT.CAPTURE.COMPLETED": payment.EventProviderAccepted,
	"PAYMENT.CAPTURE.DENIED":    payment.EventProviderDeclined,
	"PAYMENT.CAPTURE.DECLINED":  payment.EventProviderDeclined,
	"PAYMENT.CAPTURE.REFUNDED":  payment.EventProviderRefunded,
	"CHECKOUT.ORDER.VOIDED":     payment.EventProviderCanceled,
}

type paypalEvent struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Resource  paypalResource `json:"resource"`
}

type paypalResource struct {
	ID       string `json:"id"`
	CustomID string `json:"custom_id"`
	Amount   *struct {
		Value        string `json:"value"`
		CurrencyCode string `json:"currency_code"`
	} `json:"amount"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	SupplementaryData *struct {
		RelatedIDs struct {
			CaptureID string `json:"capture_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// PayPal normalizes PayPal webhook notifications. Refund notifications carry
// the refund as resource; the captured charge is in supplementary_data.
type PayPal struct{}

func (PayPal) Provider() string        { return providers.ProviderPayPal }
func (PayPal) SignatureHeader() string { return "Paypal-Transmission-Sig" }
func (PayPal) Verifier() Verifier      { return HMACVerifier{} }

func (p PayPal) Normalize(body []byte) (payment.Event, error) {
	var ev paypalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return payment.Event{}, malformed(p.Provider(), err.Error())
	}
	if ev.EventType == "" {
		return payment.Event{}, malformed(p.Provider(), "missing event_type")
	}

	kind, ok := paypalKinds[ev.EventType]
	if !ok {
		return payment.Event{}, unknown(p.Provider(), ev.EventType)
	}

	res := ev.Resource
	ref := res.ID
	if kind == payment.EventProviderRefunded && res.SupplementaryData != nil && res.SupplementaryData.RelatedIDs.CaptureID != "" {
		ref = res.SupplementaryData.RelatedIDs.CaptureID
	}
	if ref == "" {
		return payment.Event{}, malformed(p.Provider(), "missing resource id")
	}

	out := payment.Event{
		Kind:              kind,
		ProviderReference: ref,
		PaymentID:         parsePaymentID(res.CustomID),
		ProviderEventID:   ev.ID,
	}

	switch kind {
	case payment.EventProviderDeclined, payment.EventProviderCanceled:
		if res.StatusDetails != nil {
			out.Reason = res.StatusDetails.Reason
		}
	case payment.EventProviderRefunded:
		if res.Amount != nil && res.Amount.Value != "" {
			cents, err := money.ParseCents(res.Amount.Value)
			if err != nil {
				return payment.Event{}, malformed(p.Provider(), err.Error())
			}
			out.AmountCents = cents
		}
	}

	return out, nil
}
