package payment

import (
	"fmt"
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/google/uuid"
)

// EventKind is the canonical kind of an event applied to a payment.
type EventKind string

const (
	EventSubmitAttempt    EventKind = "submit_attempt"
	EventProviderAccepted EventKind = "provider_accepted"
	EventProviderDeclined EventKind = "provider_declined"
	EventProviderRefunded EventKind = "provider_refunded"
	EventProviderCanceled EventKind = "provider_canceled"
	// EventCancelRequested is raised by the owner or an operator, never by a provider.
	EventCancelRequested EventKind = "cancel_requested"
)

// ProviderEventKinds are the kinds a provider can report.
var ProviderEventKinds = []EventKind{
	EventSubmitAttempt,
	EventProviderAccepted,
	EventProviderDeclined,
	EventProviderRefunded,
	EventProviderCanceled,
}

// Event is the canonical, provider-agnostic input to Apply.
type Event struct {
	Kind              EventKind
	ProviderReference string
	// PaymentID is the merchant reference echoed back by the provider, if any.
	PaymentID *uuid.UUID
	// AmountCents is used by refunds; zero means the full amount.
	AmountCents int64
	Reason      string
	// ProviderEventID identifies a webhook delivery.
	ProviderEventID string
	// Final marks a decline that must not be retried automatically.
	Final bool
}

// Transition is the outcome of an accepted event.
type Transition struct {
	Payment Payment
	From    Status
	// Changed is false for idempotent re-delivery.
	Changed bool
	// LateSuccess marks failed -> completed, which needs operator reconciliation.
	LateSuccess bool
}

// RejectedError reports an event that is not valid for the current status.
type RejectedError struct {
	From   Status
	Kind   EventKind
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("event %s rejected in status %s: %s", e.Kind, e.From, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return errors.ErrInvalidStateTransition
}

const (
	baseBackoff = 60 * time.Minute
	maxBackoff  = 24 * time.Hour
)

// Backoff returns the delay before retry number n: min(60 * 2^n minutes, 24h).
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	// 60m * 2^5 already exceeds the cap; avoid shifting into overflow.
	if n >= 5 {
		return maxBackoff
	}
	return min(baseBackoff*time.Duration(1<<n), maxBackoff)
}

// targets maps each event kind to the status it drives the payment to.
var targets = map[EventKind]Status{
	EventSubmitAttempt:    StatusProcessing,
	EventProviderAccepted: StatusCompleted,
	EventProviderDeclined: StatusFailed,
	EventProviderRefunded: StatusRefunded,
	EventProviderCanceled: StatusCancelled,
	EventCancelRequested:  StatusCancelled,
}

// sources lists, per event kind, the statuses the event may move a payment out of.
var sources = map[EventKind][]Status{
	EventSubmitAttempt:    {StatusPending, StatusFailed},
	EventProviderAccepted: {StatusProcessing, StatusFailed},
	EventProviderDeclined: {StatusProcessing},
	EventProviderRefunded: {StatusCompleted},
	EventProviderCanceled: {StatusProcessing},
	EventCancelRequested:  {StatusPending, StatusProcessing},
}

// Apply is the authoritative transition function. It performs no I/O: given
// the current record and an event it returns the next record or a
// *RejectedError. The input is never modified.
func Apply(current Payment, ev Event, now time.Time) (Transition, error) {
	target, ok := targets[ev.Kind]
	if !ok {
		return Transition{}, reject(current.Status, ev.Kind, "unknown event kind")
	}

	if current.Status == target {
		if err := checkRedelivery(current, ev); err != nil {
			return Transition{}, err
		}
		return Transition{Payment: *current.Clone(), From: current.Status}, nil
	}

	if !allowedFrom(ev.Kind, current.Status) {
		return Transition{}, reject(current.Status, ev.Kind, fmt.Sprintf("no edge %s -> %s", current.Status, target))
	}

	next := *current.Clone()
	t := Transition{From: current.Status, Changed: true}

	switch ev.Kind {
	case EventSubmitAttempt:
		if current.Status == StatusFailed && current.RetryCount >= current.MaxRetries {
			return Transition{}, reject(current.Status, ev.Kind, "retries exhausted")
		}
		next.NextRetryAt = nil

	case EventProviderAccepted:
		if ev.ProviderReference == "" {
			return Transition{}, reject(current.Status, ev.Kind, "missing provider reference")
		}
		if ref := current.Reference(); ref != "" && ref != ev.ProviderReference {
			return Transition{}, reject(current.Status, ev.Kind, "provider reference mismatch")
		}
		next.ProviderReference = ptr(ev.ProviderReference)
		next.ProcessedAt = ptr(now)
		next.NextRetryAt = nil
		t.LateSuccess = current.Status == StatusFailed

	case EventProviderDeclined:
		reason := ev.Reason
		if reason == "" {
			reason = "declined"
		}
		next.FailureReason = ptr(reason)
		if ev.Final {
			next.RetryCount = current.MaxRetries
			next.NextRetryAt = nil
			break
		}
		next.RetryCount = min(current.RetryCount+1, current.MaxRetries)
		next.NextRetryAt = ptr(now.Add(Backoff(next.RetryCount)))

	case EventProviderRefunded:
		if ref := current.Reference(); ev.ProviderReference != "" && ref != "" && ref != ev.ProviderReference {
			return Transition{}, reject(current.Status, ev.Kind, "provider reference mismatch")
		}
		amount := ev.AmountCents
		if amount == 0 {
			amount = current.Amount.ValueCents
		}
		if amount < 0 {
			return Transition{}, reject(current.Status, ev.Kind, "negative refund amount")
		}
		if amount > current.Amount.ValueCents {
			return Transition{}, &RejectedError{From: current.Status, Kind: ev.Kind, Reason: errors.ErrRefundExceedsAmount.Error()}
		}
		next.RefundAmount = ptr(amount)
		if ev.Reason != "" {
			next.RefundReason = ptr(ev.Reason)
		}
		next.RefundedAt = ptr(now)

	case EventProviderCanceled, EventCancelRequested:
		next.NextRetryAt = nil
	}

	next.Status = target
	next.UpdatedAt = now
	t.Payment = next
	return t, nil
}

// checkRedelivery guards the idempotent no-op path against foreign events
// that merely share a target status.
func checkRedelivery(current Payment, ev Event) error {
	if ev.Kind == EventProviderAccepted {
		if ref := current.Reference(); ref != "" && ev.ProviderReference != "" && ref != ev.ProviderReference {
			return reject(current.Status, ev.Kind, "provider reference mismatch")
		}
	}
	return nil
}

func allowedFrom(kind EventKind, status Status) bool {
	for _, s := range sources[kind] {
		if s == status {
			return true
		}
	}
	return false
}

func reject(from Status, kind EventKind, reason string) *RejectedError {
	return &RejectedError{From: from, Kind: kind, Reason: reason}
}
