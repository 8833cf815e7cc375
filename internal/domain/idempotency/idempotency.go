// Package idempotency defines storage for replayable HTTP responses.
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long a stored response can be replayed.
const DefaultTTL = 24 * time.Hour

type Entry struct {
	Key            string
	ResponseBody   string
	ResponseStatus int
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Store persists responses by key. Get returns (nil, nil) when the key is
// unknown or expired.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry) error
}
