package controller

import (
	"errors"
	"io"
	"net/http"

	paymentApp "github.com/cassiomorais/payment-lifecycle/internal/application/payment"
	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/webhook"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBodySize = 1 << 20

// WebhookController receives provider callbacks. Any 2xx tells the provider
// to stop redelivering, so only authenticity, parse and store failures
// produce an error status.
type WebhookController struct {
	coordinator *paymentApp.Coordinator
	registry    *webhook.Registry
}

func NewWebhookController(coordinator *paymentApp.Coordinator, registry *webhook.Registry) *WebhookController {
	return &WebhookController{coordinator: coordinator, registry: registry}
}

// Receive handles POST /webhooks/{providerId}
func (h *WebhookController) Receive(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerId")
	n, err := h.registry.Lookup(providerID)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large", Code: "payload_too_large"})
			return
		}
		writeError(w, domainErrors.ErrMalformedPayload)
		return
	}

	res, err := h.coordinator.HandleWebhook(r.Context(), webhook.RawWebhook{
		ProviderID: providerID,
		Body:       body,
		Signature:  r.Header.Get(n.SignatureHeader()),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WebhookResponse{Result: string(res)})
}
