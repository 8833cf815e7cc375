package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RunPeriodically calls fn every interval until ctx is done. A failed run is
// logged and the loop carries on.
func RunPeriodically(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error, logger zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := fn(ctx); err != nil {
			logger.Error().Err(err).Msg("periodic run failed")
		}
	}
}
