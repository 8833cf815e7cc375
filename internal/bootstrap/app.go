// Package bootstrap builds the shared runtime of the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	paymentApp "github.com/cassiomorais/payment-lifecycle/internal/application/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/idempotency"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/infrastructure/config"
	"github.com/cassiomorais/payment-lifecycle/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/payment-lifecycle/internal/infrastructure/redis"
	"github.com/cassiomorais/payment-lifecycle/internal/providers"
	"github.com/cassiomorais/payment-lifecycle/internal/repository/memory"
	"github.com/cassiomorais/payment-lifecycle/internal/repository/postgres"
	"github.com/cassiomorais/payment-lifecycle/internal/webhook"
	"github.com/cassiomorais/payment-lifecycle/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *observability.Metrics

	// Pool and Redis are nil with the memory storage driver.
	Pool  *pgxpool.Pool
	Redis *redis.Client

	Payments    payment.Repository
	Idempotency idempotency.Store
	Locker      paymentApp.Locker
	Webhooks    *webhook.Registry
	Coordinator *paymentApp.Coordinator
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.WithFields(
		observability.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout),
		map[string]any{"service": serviceName, "instance": cfg.InstanceID},
	)
	logger.Info().Str("storage", cfg.Storage.Driver).Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Msg("Tracing enabled")
		}
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Webhooks: webhook.NewRegistry(),
	}

	opts := []paymentApp.Option{
		paymentApp.WithLogger(logger),
		paymentApp.WithMetrics(metrics),
		paymentApp.WithWebhookSecrets(cfg.Webhook.Secrets),
		paymentApp.WithMaxRetries(cfg.Payment.MaxRetries),
		paymentApp.WithLockTTL(cfg.Payment.LockTTL),
		paymentApp.WithSweep(cfg.Retry.BatchSize, cfg.Retry.Workers),
	}

	switch cfg.Storage.Driver {
	case config.StorageMemory:
		app.Payments = memory.NewPaymentRepository()
		app.Idempotency = memory.NewIdempotencyRepository()
		app.Locker = paymentApp.NewLocalLocker()
		opts = append(opts, paymentApp.WithLocker(app.Locker))
		logger.Warn().Msg("Using in-memory storage, state is lost on restart")
	default:
		pool, err := postgres.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("Connected to PostgreSQL")

		redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Msg("Connected to Redis")

		app.Pool = pool
		app.Redis = redisClient
		app.Payments = postgres.NewPaymentRepository(pool)
		app.Idempotency = postgres.NewIdempotencyRepository(pool)
		app.Locker = infraRedis.NewLocker(redisClient)
		opts = append(opts,
			paymentApp.WithLocker(app.Locker),
			paymentApp.WithDeduplicator(infraRedis.NewDeduplicator(redisClient), cfg.Webhook.DedupeTTL),
		)
	}

	app.Coordinator = paymentApp.NewCoordinator(app.Payments, newGateway(cfg, metrics, logger), app.Webhooks, opts...)
	return app, nil
}

// InProcessScheduler returns the retry scheduler the API runs itself when
// storage is in memory, since no worker process can see that state. With
// shared storage the worker sweeps and it returns nil.
func (a *App) InProcessScheduler() *worker.RetryScheduler {
	if a.Config.Storage.Driver != config.StorageMemory {
		return nil
	}
	return worker.NewRetryScheduler(a.Coordinator, a.Locker, a.Config.Retry.LeaseTTL, a.Logger)
}

// newGateway registers the simulated stripe and paypal adapters behind a
// breaker each.
func newGateway(cfg *config.Config, metrics *observability.Metrics, logger zerolog.Logger) *providers.Gateway {
	cb := cfg.Payment.CircuitBreaker
	factory := providers.NewFactoryWithBreaker(providers.BreakerSettings{
		MaxRequests:   cb.MaxRequests,
		Interval:      cb.Interval,
		Timeout:       cb.Timeout,
		MinRequests:   cb.MinRequests,
		FailureRatio:  cb.FailureRatio,
		OnStateChange: metrics.BreakerStateChanged,
	})

	routes := make(map[payment.Method]string, len(cfg.Payment.Routes))
	for method, provider := range cfg.Payment.Routes {
		routes[payment.Method(method)] = provider
	}

	return providers.NewGateway(factory,
		providers.WithRoutes(routes),
		providers.WithCallTimeout(cfg.Payment.ProviderTimeout),
		providers.WithMetrics(metrics),
		providers.WithLogger(logger),
	)
}

func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
