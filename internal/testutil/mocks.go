package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/outbox"
	"github.com/google/uuid"
)

// --- Deduplicator Mock ---

// MemoryDeduplicator remembers delivery ids in a map; ttl is ignored.
type MemoryDeduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}

	FirstSeenFunc func(ctx context.Context, provider, id string, ttl time.Duration) (bool, error)
}

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{seen: make(map[string]struct{})}
}

func (m *MemoryDeduplicator) FirstSeen(ctx context.Context, provider, id string, ttl time.Duration) (bool, error) {
	if m.FirstSeenFunc != nil {
		return m.FirstSeenFunc(ctx, provider, id, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + ":" + id
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

func (m *MemoryDeduplicator) Forget(_ context.Context, provider, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, provider+":"+id)
	return nil
}

// Seen reports whether a delivery id is remembered.
func (m *MemoryDeduplicator) Seen(provider, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[provider+":"+id]
	return ok
}

// --- Outbox Repository Mock ---

// MockOutboxRepository is a mock implementation of outbox.Repository. By
// default it serves the oldest Pending entry of each payment and records
// what was marked.
type MockOutboxRepository struct {
	mu        sync.Mutex
	Pending   []*outbox.Entry
	Published []uuid.UUID
	Failed    []uuid.UUID

	InsertFunc        func(ctx context.Context, entry *outbox.Entry) error
	GetPendingFunc    func(ctx context.Context, limit int) ([]*outbox.Entry, error)
	MarkPublishedFunc func(ctx context.Context, id uuid.UUID) error
	MarkFailedFunc    func(ctx context.Context, id uuid.UUID) error
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pending = append(m.Pending, entry)
	return nil
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if m.GetPendingFunc != nil {
		return m.GetPendingFunc(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*outbox.Entry
	seen := make(map[uuid.UUID]bool)
	for _, e := range m.Pending {
		if seen[e.AggregateID] {
			continue
		}
		seen[e.AggregateID] = true
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if m.MarkPublishedFunc != nil {
		return m.MarkPublishedFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, id)
	m.drop(id)
	return nil
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed = append(m.Failed, id)
	for _, e := range m.Pending {
		if e.ID != id {
			continue
		}
		e.RetryCount++
		if e.RetryCount >= e.MaxRetries {
			e.Status = outbox.StatusFailed
			m.drop(id)
		}
		break
	}
	return nil
}

func (m *MockOutboxRepository) drop(id uuid.UUID) {
	for i, e := range m.Pending {
		if e.ID == id {
			m.Pending = append(m.Pending[:i], m.Pending[i+1:]...)
			return
		}
	}
}
