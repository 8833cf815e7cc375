package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/infrastructure/config"
	"github.com/cassiomorais/payment-lifecycle/pkg/retry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewClient creates a new Redis client with configurable retry logic
func NewClient(ctx context.Context, cfg *config.RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	rc := retry.DefaultConfig()
	if cfg.ConnectRetries > 0 {
		rc.MaxAttempts = uint(cfg.ConnectRetries)
	}
	if cfg.ConnectRetryDelay > 0 {
		rc.InitialDelay = cfg.ConnectRetryDelay
	}
	rc.OnRetry = func(attempt uint, err error) {
		logger.Warn().Err(err).Uint("attempt", attempt+1).Msg("Redis not ready, retrying")
	}

	if err := retry.Do(ctx, rc, func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", rc.MaxAttempts, err)
	}

	return client, nil
}
