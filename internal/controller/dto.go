package controller

import (
	"time"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/pkg/money"
)

// Request DTOs carry decimal amounts; controllers convert them to cents
// before calling the coordinator.

type CreatePaymentRequest struct {
	Amount   float64        `json:"amount" validate:"required,gt=0"`
	Currency string         `json:"currency" validate:"required,len=3,alpha"`
	Method   string         `json:"method" validate:"required,oneof=card wallet"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RefundPaymentRequest refunds the full amount when Amount is zero.
type RefundPaymentRequest struct {
	Amount float64 `json:"amount" validate:"gte=0"`
	Reason string  `json:"reason" validate:"max=255"`
}

// PaymentView is the external representation of a payment. Retry
// bookkeeping stays internal.
type PaymentView struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	Amount            float64   `json:"amount"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	Method            string    `json:"method"`
	ProviderReference *string   `json:"provider_reference,omitempty"`
	FailureReason     *string   `json:"failure_reason,omitempty"`
	RefundAmount      *float64  `json:"refund_amount,omitempty"`
	RefundReason      *string   `json:"refund_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type HistoryView struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

type WebhookResponse struct {
	Result string `json:"result"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func FromPayment(p *payment.Payment) *PaymentView {
	v := &PaymentView{
		ID:                p.ID.String(),
		OwnerID:           p.OwnerID,
		Amount:            money.ToFloat(p.Amount.ValueCents),
		Currency:          p.Amount.Currency,
		Status:            string(p.Status),
		Method:            string(p.Method),
		ProviderReference: p.ProviderReference,
		FailureReason:     p.FailureReason,
		RefundReason:      p.RefundReason,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.RefundAmount != nil {
		amount := money.ToFloat(*p.RefundAmount)
		v.RefundAmount = &amount
	}
	return v
}

func FromHistory(entries []*payment.HistoryEntry) []HistoryView {
	out := make([]HistoryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryView{EventType: e.EventType, Data: e.EventData, CreatedAt: e.CreatedAt})
	}
	return out
}

// toCents converts a request amount. Amounts that round to zero cents are
// rejected unless allowZero is set.
func toCents(field string, amount float64, allowZero bool) (int64, error) {
	cents, err := money.FromFloat(amount)
	if err != nil {
		return 0, domainErrors.NewValidationError(field, err.Error())
	}
	if cents < 0 || (cents == 0 && !allowZero) {
		return 0, domainErrors.NewValidationError(field, "must be at least 0.01")
	}
	return cents, nil
}
