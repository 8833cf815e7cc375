package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/outbox"
	"github.com/redis/go-redis/v9"
)

// LifecycleStream is the default stream lifecycle events are relayed to.
const LifecycleStream = "payments:lifecycle"

// StreamProducer appends outbox entries to a Redis Stream.
type StreamProducer struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamProducer publishes to stream, trimming it to about maxLen
// entries when maxLen is positive.
func NewStreamProducer(client *redis.Client, stream string, maxLen int64) *StreamProducer {
	if stream == "" {
		stream = LifecycleStream
	}
	return &StreamProducer{client: client, stream: stream, maxLen: maxLen}
}

func (p *StreamProducer) Stream() string { return p.stream }

// Publish appends entry and returns the stream message id.
func (p *StreamProducer) Publish(ctx context.Context, entry *outbox.Entry) (string, error) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_id":     entry.ID.String(),
			"aggregate_id": entry.AggregateID.String(),
			"event_type":   entry.EventType,
			"payload":      string(payload),
			"timestamp":    entry.CreatedAt.Unix(),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish lifecycle event: %w", err)
	}
	return id, nil
}
