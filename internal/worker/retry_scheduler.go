package worker

import (
	"context"
	"errors"
	"time"

	paymentApp "github.com/cassiomorais/payment-lifecycle/internal/application/payment"
	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/rs/zerolog"
)

// SweepLeaseKey is the lock taken by the replica running a retry sweep.
const SweepLeaseKey = "retry-sweep"

// Sweeper runs one retry sweep.
type Sweeper interface {
	RunRetrySweep(ctx context.Context, now time.Time) (paymentApp.SweepReport, error)
}

// RetryScheduler triggers the retry sweep on a fixed interval. A lease
// makes sure only one replica sweeps per tick.
type RetryScheduler struct {
	sweeper  Sweeper
	locker   paymentApp.Locker
	leaseTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func NewRetryScheduler(sweeper Sweeper, locker paymentApp.Locker, leaseTTL time.Duration, logger zerolog.Logger) *RetryScheduler {
	return &RetryScheduler{
		sweeper:  sweeper,
		locker:   locker,
		leaseTTL: leaseTTL,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "retry_scheduler").Logger(),
	}
}

// Tick runs one sweep if this replica wins the lease. It reports whether a
// sweep ran.
func (s *RetryScheduler) Tick(ctx context.Context) (bool, error) {
	lease, err := s.locker.Acquire(ctx, SweepLeaseKey, s.leaseTTL)
	if errors.Is(err, domainErrors.ErrLockAcquisitionFailed) {
		s.logger.Debug().Msg("retry sweep held by another replica")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Msg("failed to release sweep lease")
		}
	}()

	if _, err := s.sweeper.RunRetrySweep(ctx, s.now()); err != nil {
		return true, err
	}
	return true, nil
}

// Run ticks every interval until ctx is done.
func (s *RetryScheduler) Run(ctx context.Context, interval time.Duration) error {
	return RunPeriodically(ctx, interval, func(ctx context.Context) error {
		_, err := s.Tick(ctx)
		return err
	}, s.logger)
}
