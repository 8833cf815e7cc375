package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/providers"
	"github.com/google/uuid"
)

// Gateway submits charges and refunds to the provider serving a method.
// Provider failures come back as a declined Outcome, not as an error.
type Gateway interface {
	Charge(ctx context.Context, req providers.ChargeRequest) (providers.Outcome, error)
	Refund(ctx context.Context, cmd providers.RefundCommand) (providers.Outcome, error)
}

// Locker hands out short-lived exclusive leases. Acquire returns
// errors.ErrLockAcquisitionFailed when the key is already held.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Deduplicator remembers provider delivery ids for a while.
type Deduplicator interface {
	// FirstSeen records id and reports whether it was new.
	FirstSeen(ctx context.Context, provider, id string, ttl time.Duration) (bool, error)
	// Forget drops id so that a redelivery is processed again.
	Forget(ctx context.Context, provider, id string) error
}

// HistoryReader exposes the audit trail kept by the store.
type HistoryReader interface {
	History(ctx context.Context, id uuid.UUID) ([]*payment.HistoryEntry, error)
}

// Metrics is the sink for lifecycle observations.
type Metrics interface {
	PaymentCreated(method payment.Method)
	TransitionApplied(from, to payment.Status, source string)
	TransitionRejected(kind payment.EventKind, source string)
	ConflictUnresolved(source string)
	LateSuccess(method payment.Method)
	WebhookProcessed(provider string, result Result)
	RetrySweep(report SweepReport, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) PaymentCreated(payment.Method)                            {}
func (noopMetrics) TransitionApplied(payment.Status, payment.Status, string) {}
func (noopMetrics) TransitionRejected(payment.EventKind, string)             {}
func (noopMetrics) ConflictUnresolved(string)                                {}
func (noopMetrics) LateSuccess(payment.Method)                               {}
func (noopMetrics) WebhookProcessed(string, Result)                          {}
func (noopMetrics) RetrySweep(SweepReport, time.Duration)                    {}

// LocalLocker serializes lock holders inside one process. It backs the
// coordinator and the in-process retry scheduler when no distributed locker
// is configured.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.keys[key]; taken {
		return nil, fmt.Errorf("lock %s: %w", key, domainErrors.ErrLockAcquisitionFailed)
	}
	l.keys[key] = struct{}{}
	return &localLease{l: l, key: key}, nil
}

type localLease struct {
	l   *LocalLocker
	key string
}

func (ll *localLease) Release(context.Context) error {
	ll.l.mu.Lock()
	defer ll.l.mu.Unlock()
	delete(ll.l.keys, ll.key)
	return nil
}
