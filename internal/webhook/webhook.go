// Package webhook turns provider notifications into canonical payment events.
// It verifies and parses payloads only; correlation with stored payments
// happens in the application layer.
package webhook

import (
	"fmt"
	"sort"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/google/uuid"
)

// RawWebhook is an unparsed delivery as received from a provider.
type RawWebhook struct {
	ProviderID string
	Body       []byte
	Signature  string
}

// Normalizer maps one provider's payloads onto payment events.
type Normalizer interface {
	// Provider is the provider id used in the webhook route.
	Provider() string
	// SignatureHeader names the HTTP header carrying the signature.
	SignatureHeader() string
	// Verifier checks signatures in the provider's scheme.
	Verifier() Verifier
	// Normalize parses body. It returns ErrUnknownEvent for event types the
	// engine does not track and ErrMalformedPayload for unparseable bodies.
	Normalize(body []byte) (payment.Event, error)
}

// Registry dispatches payloads to the normalizer of their provider.
type Registry struct {
	normalizers map[string]Normalizer
}

// NewRegistry registers the given normalizers. With none, the stripe and
// paypal normalizers are registered.
func NewRegistry(normalizers ...Normalizer) *Registry {
	if len(normalizers) == 0 {
		normalizers = []Normalizer{Stripe{}, PayPal{}}
	}
	r := &Registry{normalizers: make(map[string]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.normalizers[n.Provider()] = n
	}
	return r
}

// Lookup returns the normalizer for providerID.
func (r *Registry) Lookup(providerID string) (Normalizer, error) {
	n, ok := r.normalizers[providerID]
	if !ok {
		return nil, fmt.Errorf("webhook provider %q: %w", providerID, domainErrors.ErrProviderNotFound)
	}
	return n, nil
}

// Providers lists the registered provider ids in sorted order.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.normalizers))
	for id := range r.normalizers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Normalize parses raw with the normalizer registered for its provider.
func (r *Registry) Normalize(raw RawWebhook) (payment.Event, error) {
	n, err := r.Lookup(raw.ProviderID)
	if err != nil {
		return payment.Event{}, err
	}
	return n.Normalize(raw.Body)
}

func malformed(provider, msg string) error {
	return fmt.Errorf("%s webhook: %s: %w", provider, msg, domainErrors.ErrMalformedPayload)
}

func unknown(provider, eventType string) error {
	return fmt.Errorf("%s webhook type %q: %w", provider, eventType, domainErrors.ErrUnknownEvent)
}

// parsePaymentID reads the merchant reference echoed back by a provider.
// Foreign or garbled values are ignored rather than failing the delivery.
func parsePaymentID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
