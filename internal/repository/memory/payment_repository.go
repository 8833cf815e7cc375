// Package memory provides an in-process payment store for tests and local runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/google/uuid"
)

// PaymentRepository keeps payments in a map guarded by a RWMutex. Every read
// returns a copy so callers never alias stored records.
type PaymentRepository struct {
	mu       sync.RWMutex
	payments map[uuid.UUID]*payment.Payment
	refs     map[string]uuid.UUID
	history  map[uuid.UUID][]*payment.HistoryEntry
}

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{
		payments: make(map[uuid.UUID]*payment.Payment),
		refs:     make(map[string]uuid.UUID),
		history:  make(map[uuid.UUID][]*payment.HistoryEntry),
	}
}

func (r *PaymentRepository) Create(_ context.Context, p *payment.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.payments[p.ID]; exists {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	if ref := p.Reference(); ref != "" {
		if _, taken := r.refs[ref]; taken {
			return domainErrors.ErrDuplicateProviderReference
		}
		r.refs[ref] = p.ID
	}
	r.payments[p.ID] = p.Clone()
	r.history[p.ID] = append(r.history[p.ID], payment.NewHistoryEntry(p, ""))
	return nil
}

func (r *PaymentRepository) GetByID(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (r *PaymentRepository) FindByProviderReference(_ context.Context, ref string) (*payment.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.refs[ref]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return r.payments[id].Clone(), nil
}

func (r *PaymentRepository) CompareAndSwap(_ context.Context, id uuid.UUID, expected payment.Status, mutate payment.Mutator) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.payments[id]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	if current.Status != expected {
		return nil, fmt.Errorf("payment %s is %s, expected %s: %w", id, current.Status, expected, domainErrors.ErrOptimisticLockFailed)
	}

	next, err := mutate(*current.Clone())
	if errors.Is(err, domainErrors.ErrNoChange) {
		return current.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	if next.ID != id {
		return nil, fmt.Errorf("mutator changed payment id: %w", domainErrors.ErrInvalidInput)
	}

	oldRef, newRef := current.Reference(), next.Reference()
	if oldRef != "" && newRef != oldRef {
		return nil, fmt.Errorf("provider reference is immutable: %w", domainErrors.ErrInvalidStateTransition)
	}
	if newRef != "" && oldRef == "" {
		if owner, taken := r.refs[newRef]; taken && owner != id {
			return nil, domainErrors.ErrDuplicateProviderReference
		}
		r.refs[newRef] = id
	}

	stored := next.Clone()
	r.payments[id] = stored
	r.history[id] = append(r.history[id], payment.NewHistoryEntry(stored, current.Status))
	return stored.Clone(), nil
}

func (r *PaymentRepository) ListRetryable(_ context.Context, now time.Time, limit int) ([]*payment.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*payment.Payment
	for _, p := range r.payments {
		if p.RetryableAt(now) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return retryTime(out[i]).Before(retryTime(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *PaymentRepository) List(_ context.Context, filter payment.ListFilter) ([]*payment.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*payment.Payment
	for _, p := range r.payments {
		if matches(p, filter) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*payment.Payment{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// History returns the audit trail of a payment, oldest first.
func (r *PaymentRepository) History(_ context.Context, id uuid.UUID) ([]*payment.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.payments[id]; !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return append([]*payment.HistoryEntry(nil), r.history[id]...), nil
}

func matches(p *payment.Payment, f payment.ListFilter) bool {
	if f.OwnerID != nil && p.OwnerID != *f.OwnerID {
		return false
	}
	if f.Status != nil && p.Status != *f.Status {
		return false
	}
	if f.Method != nil && p.Method != *f.Method {
		return false
	}
	if f.Exhausted && !p.IsExhausted() {
		return false
	}
	return true
}

func retryTime(p *payment.Payment) time.Time {
	if p.NextRetryAt == nil {
		return time.Time{}
	}
	return *p.NextRetryAt
}
