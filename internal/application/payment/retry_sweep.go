package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one retry sweep.
type SweepReport struct {
	Scanned   int
	Claimed   int
	Skipped   int
	Completed int
	Failed    int
	Errors    int
}

func (r *SweepReport) add(res applied, err error) {
	if err != nil {
		r.Errors++
		return
	}
	if !res.Submitted {
		r.Skipped++
		return
	}
	r.Claimed++
	switch res.Payment.Status {
	case payment.StatusCompleted:
		r.Completed++
	case payment.StatusFailed:
		r.Failed++
	}
}

// RunRetrySweep re-submits failed payments whose backoff has elapsed at now.
// Items run concurrently, bounded by the configured worker count; each is
// claimed by a CAS from failed so that overlapping sweeps or webhooks never
// produce a second charge for the same attempt.
func (c *Coordinator) RunRetrySweep(ctx context.Context, now time.Time) (SweepReport, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.RunRetrySweep")
	defer span.End()
	start := time.Now()

	due, err := c.repo.ListRetryable(ctx, now, c.sweepBatch)
	if err != nil {
		span.RecordError(err)
		return SweepReport{}, fmt.Errorf("list retryable payments: %w", err)
	}

	var (
		mu     sync.Mutex
		report = SweepReport{Scanned: len(due)}
	)

	var g errgroup.Group
	g.SetLimit(c.sweepWorkers)
	for _, p := range due {
		g.Go(func() error {
			res, err := c.submit(ctx, p, "retry_sweep")
			if err != nil {
				c.logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("retry attempt failed")
			}
			mu.Lock()
			report.add(res, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("sweep.scanned", report.Scanned),
		attribute.Int("sweep.claimed", report.Claimed),
		attribute.Int("sweep.completed", report.Completed),
	)
	c.metrics.RetrySweep(report, time.Since(start))
	c.logger.Info().
		Int("scanned", report.Scanned).
		Int("claimed", report.Claimed).
		Int("skipped", report.Skipped).
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Int("errors", report.Errors).
		Msg("retry sweep finished")
	return report, nil
}
