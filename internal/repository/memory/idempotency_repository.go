package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/idempotency"
)

// IdempotencyRepository implements idempotency.Store in memory.
type IdempotencyRepository struct {
	mu      sync.RWMutex
	entries map[string]idempotency.Entry
	now     func() time.Time
}

func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		entries: make(map[string]idempotency.Entry),
		now:     time.Now,
	}
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (*idempotency.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok || !e.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return &e, nil
}

func (r *IdempotencyRepository) Set(_ context.Context, entry *idempotency.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[entry.Key] = *entry
	return nil
}
