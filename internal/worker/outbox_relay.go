// Package worker holds the background loops run by cmd/worker: the retry
// scheduler and the outbox relay.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/outbox"
	"github.com/cassiomorais/payment-lifecycle/pkg/retry"
	"github.com/rs/zerolog"
)

// TransactionManager runs fn inside one store transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Publisher appends an outbox entry to the event stream.
type Publisher interface {
	Publish(ctx context.Context, entry *outbox.Entry) (string, error)
}

// RelayMetrics receives one observation per relayed entry.
type RelayMetrics interface {
	ObserveRelay(status string, d time.Duration)
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ObserveRelay(string, time.Duration) {}

// OutboxRelay moves pending lifecycle events to the stream, at most the
// oldest pending one per payment each batch. Rows are
// read with FOR UPDATE SKIP LOCKED inside one transaction, so several relays
// can run side by side.
type OutboxRelay struct {
	tx        TransactionManager
	repo      outbox.Repository
	publisher Publisher
	batchSize int
	retry     retry.Config
	metrics   RelayMetrics
	logger    zerolog.Logger
}

type RelayOption func(*OutboxRelay)

func WithRelayRetry(cfg retry.Config) RelayOption {
	return func(r *OutboxRelay) { r.retry = cfg }
}

func WithRelayMetrics(m RelayMetrics) RelayOption {
	return func(r *OutboxRelay) {
		if m != nil {
			r.metrics = m
		}
	}
}

func NewOutboxRelay(tx TransactionManager, repo outbox.Repository, publisher Publisher, batchSize int, logger zerolog.Logger, opts ...RelayOption) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 10
	}
	r := &OutboxRelay{
		tx:        tx,
		repo:      repo,
		publisher: publisher,
		batchSize: batchSize,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
		},
		metrics: noopRelayMetrics{},
		logger:  logger.With().Str("component", "outbox_relay").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RelayOnce publishes one batch and returns how many entries went out.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		entries, err := r.repo.GetPending(txCtx, r.batchSize)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			start := time.Now()
			msgID, err := retry.DoWithResult(ctx, r.retry, func() (string, error) {
				return r.publisher.Publish(ctx, entry)
			})
			if err != nil {
				r.logger.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("Failed to publish outbox event")
				r.metrics.ObserveRelay("error", time.Since(start))
				if err := r.repo.MarkFailed(txCtx, entry.ID); err != nil {
					return err
				}
				continue
			}
			if err := r.repo.MarkPublished(txCtx, entry.ID); err != nil {
				return err
			}
			r.metrics.ObserveRelay("success", time.Since(start))
			r.logger.Debug().
				Str("outbox_id", entry.ID.String()).
				Str("event_type", entry.EventType).
				Str("message_id", msgID).
				Msg("outbox event published")
			published++
		}
		return nil
	})
	if err != nil {
		return published, fmt.Errorf("relay outbox: %w", err)
	}
	return published, nil
}

// Run relays on every tick until ctx is done.
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) error {
	return RunPeriodically(ctx, interval, func(ctx context.Context) error {
		_, err := r.RelayOnce(ctx)
		return err
	}, r.logger)
}
