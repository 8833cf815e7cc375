package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/payment-lifecycle/internal/bootstrap"
	"github.com/cassiomorais/payment-lifecycle/internal/controller"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "payments-api", "payments")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	deps := controller.RouterDeps{
		Coordinator:      app.Coordinator,
		Webhooks:         app.Webhooks,
		IdempotencyStore: app.Idempotency,
		IdempotencyTTL:   app.Config.Worker.IdempotencyTTL,
		CORSConfig:       app.Config.Server.CORS,
		JWTSecret:        app.Config.Auth.JWTSecret,
		WebhookRateLimit: app.Config.Webhook.RateLimit,
		Logger:           app.Logger,
	}
	if app.Config.Observability.EnableMetrics {
		deps.HTTPMetrics = app.Metrics
		deps.MetricsHandler = promhttp.Handler()
	}
	if app.Pool != nil {
		deps.HealthChecks = append(deps.HealthChecks, controller.Check{Name: "database", Ping: app.Pool.Ping})
	}
	if app.Redis != nil {
		deps.HealthChecks = append(deps.HealthChecks, controller.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() },
		})
	}

	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      controller.NewRouter(deps),
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	if scheduler := app.InProcessScheduler(); scheduler != nil {
		app.Logger.Info().Dur("interval", app.Config.Retry.SweepInterval).Msg("Running retry sweep in process")
		go func() {
			if err := scheduler.Run(ctx, app.Config.Retry.SweepInterval); err != nil {
				app.Logger.Error().Err(err).Msg("Retry scheduler stopped")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
