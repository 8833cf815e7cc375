package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/payment-lifecycle/internal/bootstrap"
	infraRedis "github.com/cassiomorais/payment-lifecycle/internal/infrastructure/redis"
	"github.com/cassiomorais/payment-lifecycle/internal/repository/postgres"
	"github.com/cassiomorais/payment-lifecycle/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "payments-worker", "payments_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	// The sweep lease and the outbox live in Redis and PostgreSQL; an
	// in-memory store is private to the api process.
	if app.Pool == nil || app.Redis == nil {
		app.Logger.Fatal().Msg("Worker requires the postgres storage driver")
	}

	retryCfg := app.Config.Retry
	workerCfg := app.Config.Worker

	scheduler := worker.NewRetryScheduler(app.Coordinator, app.Locker, retryCfg.LeaseTTL, app.Logger)

	producer := infraRedis.NewStreamProducer(app.Redis, workerCfg.Stream, workerCfg.StreamMaxLen)
	relay := worker.NewOutboxRelay(
		postgres.NewTxManager(app.Pool),
		postgres.NewOutboxRepository(app.Pool),
		producer,
		workerCfg.OutboxBatchSize,
		app.Logger,
		worker.WithRelayMetrics(app.Metrics.ForStream(producer.Stream())),
	)
	idempotencyRepo := postgres.NewIdempotencyRepository(app.Pool)

	app.Logger.Info().
		Dur("sweep_interval", retryCfg.SweepInterval).
		Str("stream", producer.Stream()).
		Msg("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Retry sweep, one replica per tick.
	g.Go(func() error {
		return scheduler.Run(gCtx, retryCfg.SweepInterval)
	})

	// 2. Outbox relay to the lifecycle stream.
	g.Go(func() error {
		return relay.Run(gCtx, workerCfg.OutboxPollInterval)
	})

	// 3. Expired idempotency responses.
	g.Go(func() error {
		return worker.RunPeriodically(gCtx, workerCfg.CleanupInterval, func(ctx context.Context) error {
			n, err := idempotencyRepo.Cleanup(ctx)
			if err == nil && n > 0 {
				app.Logger.Info().Int64("deleted", n).Msg("Expired idempotency keys removed")
			}
			return err
		}, app.Logger)
	})

	// 4. Metrics endpoint.
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", workerCfg.MetricsPort), Handler: promhttp.Handler()}
	if app.Config.Observability.EnableMetrics {
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// 5. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
		}
		return metricsSrv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}
