package controller

import (
	"net/http"
	"time"

	paymentApp "github.com/cassiomorais/payment-lifecycle/internal/application/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/idempotency"
	"github.com/cassiomorais/payment-lifecycle/internal/infrastructure/config"
	customMW "github.com/cassiomorais/payment-lifecycle/internal/middleware"
	"github.com/cassiomorais/payment-lifecycle/internal/webhook"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	Coordinator      *paymentApp.Coordinator
	Webhooks         *webhook.Registry
	IdempotencyStore idempotency.Store
	IdempotencyTTL   time.Duration
	HTTPMetrics      customMW.HTTPObserver
	// MetricsHandler serves /metrics when set.
	MetricsHandler   http.Handler
	HealthChecks     []Check
	CORSConfig       config.CORSConfig
	JWTSecret        string
	WebhookRateLimit int
	Logger           zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Idempotency-Replayed"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.HTTPMetrics != nil {
		r.Use(customMW.Metrics(deps.HTTPMetrics))
	}

	healthH := NewHealthController(deps.HealthChecks...)
	paymentH := NewPaymentController(deps.Coordinator)
	webhookH := NewWebhookController(deps.Coordinator, deps.Webhooks)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.WebhookRateLimit > 0 {
			r.Use(customMW.RateLimit(deps.WebhookRateLimit, time.Minute))
		}
		r.Post("/webhooks/{providerId}", webhookH.Receive)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(customMW.RequireAuth(deps.JWTSecret))

		create := http.HandlerFunc(paymentH.CreatePayment)
		if deps.IdempotencyStore != nil {
			r.With(customMW.Idempotency(deps.IdempotencyStore, deps.IdempotencyTTL, deps.Logger)).Post("/payments", create)
		} else {
			r.Post("/payments", create)
		}
		r.Get("/payments/{id}", paymentH.GetPayment)
		r.Get("/payments/{id}/history", paymentH.GetHistory)
		r.Post("/payments/{id}/cancel", paymentH.CancelPayment)

		r.Group(func(r chi.Router) {
			r.Use(customMW.RequireAdmin())
			r.Get("/payments", paymentH.ListPayments)
			r.Post("/payments/{id}/refund", paymentH.RefundPayment)
		})
	})

	return r
}
