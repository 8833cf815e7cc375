package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator remembers webhook delivery ids with SET NX and a TTL.
type Deduplicator struct {
	client *redis.Client
	prefix string
}

func NewDeduplicator(client *redis.Client) *Deduplicator {
	return &Deduplicator{client: client, prefix: "webhook:seen"}
}

func (d *Deduplicator) key(provider, id string) string {
	return fmt.Sprintf("%s:%s:%s", d.prefix, provider, id)
}

// FirstSeen records the delivery and reports whether it was new.
func (d *Deduplicator) FirstSeen(ctx context.Context, provider, id string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(provider, id), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record webhook delivery: %w", err)
	}
	return ok, nil
}

// Forget drops the delivery so a redelivery is processed again.
func (d *Deduplicator) Forget(ctx context.Context, provider, id string) error {
	if err := d.client.Del(ctx, d.key(provider, id)).Err(); err != nil {
		return fmt.Errorf("forget webhook delivery: %w", err)
	}
	return nil
}
