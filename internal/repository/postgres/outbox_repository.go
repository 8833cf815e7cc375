package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxRepository keeps the lifecycle event queue in the outbox table.
// Entries are numbered by seq on insert; a payment's next entry is only
// handed out once every earlier one has left the pending state.
// GetPending locks the rows it returns, so the relay calls it inside a
// transaction.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *OutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal lifecycle payload for payment %s: %w", entry.AggregateID, err)
	}
	err = r.db(ctx).QueryRow(ctx,
		`INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, max_retries, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING seq`,
		entry.ID, entry.AggregateType, entry.AggregateID, entry.EventType, payload,
		string(entry.Status), entry.RetryCount, entry.MaxRetries, entry.CreatedAt,
	).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("queue %s for payment %s: %w", entry.EventType, entry.AggregateID, err)
	}
	return nil
}

// pendingHeadsQuery selects the oldest pending entry of each payment. A head
// held by another relay is skipped, and so is the rest of its payment's
// queue, because the held row still counts as pending in the subquery.
const pendingHeadsQuery = `
SELECT o.id, o.seq, o.aggregate_type, o.aggregate_id, o.event_type, o.payload,
       o.status, o.retry_count, o.max_retries, o.created_at, o.published_at
FROM outbox o
WHERE o.status = 'pending'
  AND NOT EXISTS (
      SELECT 1 FROM outbox earlier
      WHERE earlier.aggregate_id = o.aggregate_id
        AND earlier.status = 'pending'
        AND earlier.seq < o.seq
  )
ORDER BY o.seq
LIMIT $1
FOR UPDATE OF o SKIP LOCKED`

func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db(ctx).Query(ctx, pendingHeadsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending lifecycle events: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		e := &outbox.Entry{}
		var payload []byte
		var status string
		if err := rows.Scan(&e.ID, &e.Seq, &e.AggregateType, &e.AggregateID, &e.EventType, &payload,
			&status, &e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		e.Status = outbox.Status(status)
		if len(payload) > 0 {
			e.Payload = make(map[string]any)
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload of event %d: %w", e.Seq, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'published', published_at = now()
		 WHERE id = $1 AND status = 'pending'`, id,
	)
	if err != nil {
		return fmt.Errorf("mark lifecycle event published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lifecycle event %s is not pending", id)
	}
	return nil
}

// MarkFailed parks the entry once it runs out of attempts, which unblocks
// the payment's later events.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1,
		        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END
		 WHERE id = $1 AND status = 'pending'`, id,
	)
	if err != nil {
		return fmt.Errorf("mark lifecycle event failed: %w", err)
	}
	return nil
}
