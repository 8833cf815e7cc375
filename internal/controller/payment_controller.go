package controller

import (
	"net/http"
	"strconv"

	paymentApp "github.com/cassiomorais/payment-lifecycle/internal/application/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/auth"
	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
)

// PaymentController handles payment-related HTTP requests.
type PaymentController struct {
	coordinator *paymentApp.Coordinator
}

func NewPaymentController(coordinator *paymentApp.Coordinator) *PaymentController {
	return &PaymentController{coordinator: coordinator}
}

// CreatePayment handles POST /api/v1/payments. The response carries the
// record after the first charge attempt, completed or failed.
func (h *PaymentController) CreatePayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, domainErrors.ErrUnauthorized)
		return
	}

	var req CreatePaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cents, err := toCents("amount", req.Amount, false)
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := h.coordinator.CreateAndSubmit(r.Context(), paymentApp.CreatePaymentRequest{
		OwnerID:     caller.UserID,
		AmountCents: cents,
		Currency:    req.Currency,
		Method:      payment.Method(req.Method),
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, FromPayment(p))
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *PaymentController) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, _ := auth.FromContext(r.Context())

	p, err := h.coordinator.GetPayment(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromPayment(p))
}

// GetHistory handles GET /api/v1/payments/{id}/history
func (h *PaymentController) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, _ := auth.FromContext(r.Context())

	entries, err := h.coordinator.History(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromHistory(entries))
}

// ListPayments handles GET /api/v1/payments (operators only).
func (h *PaymentController) ListPayments(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	payments, err := h.coordinator.ListPayments(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]*PaymentView, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, FromPayment(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefundPayment handles POST /api/v1/payments/{id}/refund (operators only).
func (h *PaymentController) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req RefundPaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cents, err := toCents("amount", req.Amount, true)
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := h.coordinator.Refund(r.Context(), paymentApp.RefundRequest{
		PaymentID:   id,
		AmountCents: cents,
		Reason:      req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromPayment(p))
}

// CancelPayment handles POST /api/v1/payments/{id}/cancel
func (h *PaymentController) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, _ := auth.FromContext(r.Context())

	p, err := h.coordinator.Cancel(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FromPayment(p))
}

func parseListFilter(r *http.Request) (payment.ListFilter, error) {
	q := r.URL.Query()
	var filter payment.ListFilter

	if s := q.Get("status"); s != "" {
		status := payment.Status(s)
		valid := false
		for _, known := range payment.AllStatuses {
			valid = valid || known == status
		}
		if !valid {
			return filter, domainErrors.NewValidationError("status", "unknown status")
		}
		filter.Status = &status
	}
	if s := q.Get("method"); s != "" {
		method := payment.Method(s)
		if !method.Valid() {
			return filter, domainErrors.NewValidationError("method", "unknown method")
		}
		filter.Method = &method
	}
	if s := q.Get("owner_id"); s != "" {
		filter.OwnerID = &s
	}
	if s := q.Get("exhausted"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return filter, domainErrors.NewValidationError("exhausted", "must be a boolean")
		}
		filter.Exhausted = b
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if s := q.Get(name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				return filter, domainErrors.NewValidationError(name, "must be a non-negative integer")
			}
			*dst = n
		}
	}
	return filter, nil
}
