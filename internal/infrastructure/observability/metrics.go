package observability

import (
	"strconv"
	"time"

	paymentApp "github.com/cassiomorais/payment-lifecycle/internal/application/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// Metrics holds all application metrics. It is the Prometheus sink for the
// coordinator and the provider gateway.
type Metrics struct {
	// Payment metrics
	PaymentsCreated     *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	ConflictsUnresolved *prometheus.CounterVec
	LateSuccesses       *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal *prometheus.CounterVec

	// Provider metrics
	ProviderCalls        *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	// Retry sweep metrics
	RetrySweepItems    *prometheus.CounterVec
	RetrySweepDuration prometheus.Histogram

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Worker metrics
	WorkerMessagesProcessed  *prometheus.CounterVec
	WorkerProcessingDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		PaymentsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_created_total",
				Help:      "Total number of payments created by method",
			},
			[]string{"method"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_transitions_total",
				Help:      "Accepted state transitions by source",
			},
			[]string{"from", "to", "source"},
		),
		TransitionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_transitions_rejected_total",
				Help:      "Events refused by the state machine",
			},
			[]string{"event", "source"},
		),
		ConflictsUnresolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_conflicts_unresolved_total",
				Help:      "Events dropped after a second write conflict",
			},
			[]string{"source"},
		),
		LateSuccesses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_late_success_total",
				Help:      "Failed payments later confirmed by the provider",
			},
			[]string{"method"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Processed webhook deliveries by result",
			},
			[]string{"provider", "result"},
		),
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider calls by outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "operation"},
		),
		RetrySweepItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_sweep_items_total",
				Help:      "Payments handled by the retry sweep by outcome",
			},
			[]string{"outcome"},
		),
		RetrySweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_sweep_duration_seconds",
				Help:      "Retry sweep duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		WorkerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_messages_processed_total",
				Help:      "Total number of worker messages processed",
			},
			[]string{"stream", "status"},
		),
		WorkerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_processing_duration_seconds",
				Help:      "Worker message processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stream"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.PaymentsCreated,
		m.Transitions,
		m.TransitionsRejected,
		m.ConflictsUnresolved,
		m.LateSuccesses,
		m.WebhooksTotal,
		m.ProviderCalls,
		m.ProviderCallDuration,
		m.RetrySweepItems,
		m.RetrySweepDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.WorkerMessagesProcessed,
		m.WorkerProcessingDuration,
	)

	return m
}

func (m *Metrics) PaymentCreated(method payment.Method) {
	m.PaymentsCreated.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) TransitionApplied(from, to payment.Status, source string) {
	m.Transitions.WithLabelValues(string(from), string(to), source).Inc()
}

func (m *Metrics) TransitionRejected(kind payment.EventKind, source string) {
	m.TransitionsRejected.WithLabelValues(string(kind), source).Inc()
}

func (m *Metrics) ConflictUnresolved(source string) {
	m.ConflictsUnresolved.WithLabelValues(source).Inc()
}

func (m *Metrics) LateSuccess(method payment.Method) {
	m.LateSuccesses.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) WebhookProcessed(provider string, result paymentApp.Result) {
	m.WebhooksTotal.WithLabelValues(provider, string(result)).Inc()
}

func (m *Metrics) RetrySweep(r paymentApp.SweepReport, d time.Duration) {
	m.RetrySweepItems.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.RetrySweepItems.WithLabelValues("completed").Add(float64(r.Completed))
	m.RetrySweepItems.WithLabelValues("failed").Add(float64(r.Failed))
	m.RetrySweepItems.WithLabelValues("error").Add(float64(r.Errors))
	m.RetrySweepDuration.Observe(d.Seconds())
}

// ObserveProviderCall records one gateway call.
func (m *Metrics) ObserveProviderCall(provider, operation, outcome string, d time.Duration) {
	m.ProviderCalls.WithLabelValues(provider, operation, outcome).Inc()
	m.ProviderCallDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// BreakerStateChanged fits providers.BreakerSettings.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// StreamMetrics records relay observations for one stream.
type StreamMetrics struct {
	m      *Metrics
	stream string
}

func (m *Metrics) ForStream(stream string) StreamMetrics {
	return StreamMetrics{m: m, stream: stream}
}

func (s StreamMetrics) ObserveRelay(status string, d time.Duration) {
	s.m.WorkerMessagesProcessed.WithLabelValues(s.stream, status).Inc()
	s.m.WorkerProcessingDuration.WithLabelValues(s.stream).Observe(d.Seconds())
}

// ObserveHTTPRequest fits middleware.HTTPObserver.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
