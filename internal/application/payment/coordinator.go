// Package payment coordinates the payment lifecycle: it drives records
// through the state machine from three entry points (caller requests,
// provider webhooks and the retry sweep) using the store's compare-and-swap
// as the only write.
package payment

import (
	"context"
	"errors"
	"time"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/webhook"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Result classifies what happened to an event offered to a payment.
type Result string

const (
	ResultApplied    Result = "applied"
	ResultDuplicate  Result = "duplicate"
	ResultIgnored    Result = "ignored"
	ResultRejected   Result = "rejected"
	ResultConflicted Result = "conflicted"
)

const (
	defaultLockTTL      = 30 * time.Second
	defaultDedupeTTL    = 72 * time.Hour
	defaultSweepBatch   = 100
	defaultSweepWorkers = 8
)

// Coordinator is the reconciliation coordinator.
type Coordinator struct {
	repo     payment.Repository
	gateway  Gateway
	webhooks *webhook.Registry
	verifier webhook.Verifier
	secrets  map[string]string
	locker   Locker
	dedupe   Deduplicator
	metrics  Metrics
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	maxRetries   int
	lockTTL      time.Duration
	dedupeTTL    time.Duration
	sweepBatch   int
	sweepWorkers int
}

type Option func(*Coordinator)

// WithWebhookSecrets sets the signing secret per provider id.
func WithWebhookSecrets(secrets map[string]string) Option {
	return func(c *Coordinator) { c.secrets = secrets }
}

// WithVerifier replaces every provider's own signature check with v.
func WithVerifier(v webhook.Verifier) Option {
	return func(c *Coordinator) { c.verifier = v }
}

func WithLocker(l Locker) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.locker = l
		}
	}
}

func WithDeduplicator(d Deduplicator, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.dedupe = d
		if ttl > 0 {
			c.dedupeTTL = ttl
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l.With().Str("component", "coordinator").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMaxRetries overrides the retry budget given to new payments.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithSweep bounds one retry sweep: at most batch records, workers at a time.
func WithSweep(batch, workers int) Option {
	return func(c *Coordinator) {
		if batch > 0 {
			c.sweepBatch = batch
		}
		if workers > 0 {
			c.sweepWorkers = workers
		}
	}
}

func NewCoordinator(repo payment.Repository, gateway Gateway, webhooks *webhook.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:         repo,
		gateway:      gateway,
		webhooks:     webhooks,
		secrets:      map[string]string{},
		locker:       NewLocalLocker(),
		metrics:      noopMetrics{},
		logger:       zerolog.Nop(),
		tracer:       otel.Tracer("payment-lifecycle/coordinator"),
		now:          func() time.Time { return time.Now().UTC() },
		maxRetries:   payment.DefaultMaxRetries,
		lockTTL:      defaultLockTTL,
		dedupeTTL:    defaultDedupeTTL,
		sweepBatch:   defaultSweepBatch,
		sweepWorkers: defaultSweepWorkers,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// applied is the outcome of offering one event to one payment.
type applied struct {
	Payment    *payment.Payment
	Result     Result
	Transition payment.Transition
	Rejection  *payment.RejectedError
	// Submitted is set when a charge was sent to the provider.
	Submitted  bool
}

// cas applies ev to id if it is still in status expected. A re-delivered
// event is reported with Changed=false and leaves the record untouched.
func (c *Coordinator) cas(ctx context.Context, id uuid.UUID, expected payment.Status, ev payment.Event) (*payment.Payment, payment.Transition, error) {
	var t payment.Transition
	p, err := c.repo.CompareAndSwap(ctx, id, expected, func(current payment.Payment) (payment.Payment, error) {
		next, err := payment.Apply(current, ev, c.now())
		if err != nil {
			return payment.Payment{}, err
		}
		t = next
		if !next.Changed {
			return payment.Payment{}, domainErrors.ErrNoChange
		}
		return next.Payment, nil
	})
	return p, t, err
}

// apply offers ev to the payment, which the caller last saw in status from.
// On a conflict the record is re-read and the event re-applied once; a
// second conflict is logged and consumed. Only store failures are errors.
func (c *Coordinator) apply(ctx context.Context, id uuid.UUID, from payment.Status, ev payment.Event, source string) (applied, error) {
	expected := from
	for try := 0; ; try++ {
		p, t, err := c.cas(ctx, id, expected, ev)

		var rejected *payment.RejectedError
		switch {
		case err == nil:
			if !t.Changed {
				return applied{Payment: p, Result: ResultDuplicate, Transition: t}, nil
			}
			c.observe(p, t, source)
			return applied{Payment: p, Result: ResultApplied, Transition: t}, nil

		case errors.As(err, &rejected):
			c.logger.Warn().
				Str("payment_id", id.String()).
				Str("status", string(rejected.From)).
				Str("event", string(ev.Kind)).
				Str("source", source).
				Str("reason", rejected.Reason).
				Msg("event rejected by state machine")
			c.metrics.TransitionRejected(ev.Kind, source)
			current, gerr := c.repo.GetByID(ctx, id)
			if gerr != nil {
				return applied{}, gerr
			}
			return applied{Payment: current, Result: ResultRejected, Rejection: rejected}, nil

		case errors.Is(err, domainErrors.ErrOptimisticLockFailed):
			current, gerr := c.repo.GetByID(ctx, id)
			if gerr != nil {
				return applied{}, gerr
			}
			if try > 0 {
				c.logger.Warn().
					Str("payment_id", id.String()).
					Str("status", string(current.Status)).
					Str("event", string(ev.Kind)).
					Str("source", source).
					Msg("conflict persisted after re-read, event dropped")
				c.metrics.ConflictUnresolved(source)
				return applied{Payment: current, Result: ResultConflicted}, nil
			}
			expected = current.Status

		default:
			return applied{}, err
		}
	}
}

func (c *Coordinator) observe(p *payment.Payment, t payment.Transition, source string) {
	c.metrics.TransitionApplied(t.From, p.Status, source)
	c.logger.Info().
		Str("payment_id", p.ID.String()).
		Str("from", string(t.From)).
		Str("to", string(p.Status)).
		Str("source", source).
		Int("retry_count", p.RetryCount).
		Msg("payment transitioned")

	if t.LateSuccess {
		c.metrics.LateSuccess(p.Method)
		c.logger.Warn().
			Str("payment_id", p.ID.String()).
			Str("provider_reference", p.Reference()).
			Str("source", source).
			Msg("late success on failed payment, needs reconciliation")
	}
}
