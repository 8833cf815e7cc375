package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Normalized decline reasons for failures that never reached the provider's
// business logic.
const (
	ReasonTimeout        = "timeout"
	ReasonTransportError = "transport_error"
)

// Outcome is the normalized answer of a gateway call.
type Outcome struct {
	Accepted          bool
	ProviderReference string
	Reason            string
}

func accepted(ref string) Outcome { return Outcome{Accepted: true, ProviderReference: ref} }
func declined(reason string) Outcome { return Outcome{Reason: reason} }

// ChargeRequest asks the provider serving Method to charge a payment.
type ChargeRequest struct {
	PaymentID   uuid.UUID
	Attempt     int
	Method      payment.Method
	AmountCents int64
	Currency    string
}

// RefundCommand asks the provider serving Method to refund a captured charge.
type RefundCommand struct {
	PaymentID         uuid.UUID
	Method            payment.Method
	ProviderReference string
	AmountCents       int64
	Currency          string
	Reason            string
}

// Metrics receives one observation per provider call.
type Metrics interface {
	ObserveProviderCall(provider, operation, outcome string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveProviderCall(string, string, string, time.Duration) {}

// DefaultRoutes maps each method to the provider serving it.
var DefaultRoutes = map[payment.Method]string{
	payment.MethodCard:   ProviderStripe,
	payment.MethodWallet: ProviderPayPal,
}

// Gateway routes calls to provider adapters behind a per-call timeout and a
// circuit breaker. Provider failures never escape as errors: they come back
// as a declined Outcome.
type Gateway struct {
	factory *Factory
	routes  map[payment.Method]string
	timeout time.Duration
	metrics Metrics
	logger  zerolog.Logger
}

type GatewayOption func(*Gateway)

func WithRoutes(routes map[payment.Method]string) GatewayOption {
	return func(g *Gateway) { g.routes = routes }
}

func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

func WithMetrics(m Metrics) GatewayOption {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

func WithLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l.With().Str("component", "provider_gateway").Logger() }
}

func NewGateway(factory *Factory, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		factory: factory,
		routes:  DefaultRoutes,
		timeout: 30 * time.Second,
		metrics: noopMetrics{},
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ProviderFor returns the provider name serving method.
func (g *Gateway) ProviderFor(method payment.Method) (string, error) {
	name, ok := g.routes[method]
	if !ok {
		return "", fmt.Errorf("no provider for method %q: %w", method, domainErrors.ErrProviderNotFound)
	}
	return name, nil
}

// Charge submits one charge attempt. The error is non-nil only when no
// provider serves the method.
func (g *Gateway) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	name, err := g.ProviderFor(req.Method)
	if err != nil {
		return Outcome{}, err
	}
	p, breaker, err := g.factory.Get(name)
	if err != nil {
		return Outcome{}, err
	}

	preq := ProcessRequest{
		PaymentID:      req.PaymentID.String(),
		IdempotencyKey: fmt.Sprintf("%s-%d", req.PaymentID, req.Attempt),
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Method:         string(req.Method),
	}

	return g.call(ctx, name, "charge", func(ctx context.Context) (*ProviderResult, error) {
		return breaker.Execute(func() (*ProviderResult, error) {
			return p.ProcessPayment(ctx, preq)
		})
	}), nil
}

// Refund asks the provider to return money on a captured charge.
func (g *Gateway) Refund(ctx context.Context, cmd RefundCommand) (Outcome, error) {
	name, err := g.ProviderFor(cmd.Method)
	if err != nil {
		return Outcome{}, err
	}
	p, breaker, err := g.factory.Get(name)
	if err != nil {
		return Outcome{}, err
	}

	rreq := RefundRequest{
		PaymentID:     cmd.PaymentID.String(),
		TransactionID: cmd.ProviderReference,
		AmountCents:   cmd.AmountCents,
		Currency:      cmd.Currency,
		Reason:        cmd.Reason,
	}

	out := g.call(ctx, name, "refund", func(ctx context.Context) (*ProviderResult, error) {
		return breaker.Execute(func() (*ProviderResult, error) {
			return p.RefundPayment(ctx, rreq)
		})
	})
	if out.Accepted {
		// The refund keeps the original charge as the correlation key.
		out.ProviderReference = cmd.ProviderReference
	}
	return out, nil
}

type callResult struct {
	res *ProviderResult
	err error
}

func (g *Gateway) call(ctx context.Context, provider, op string, fn func(context.Context) (*ProviderResult, error)) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// The adapter runs in its own goroutine so a call that ignores ctx still
	// cannot hold the pipeline past the deadline.
	done := make(chan callResult, 1)
	go func() {
		res, err := fn(ctx)
		done <- callResult{res: res, err: err}
	}()

	var out Outcome
	select {
	case r := <-done:
		out = g.classify(provider, op, r.res, r.err)
	case <-ctx.Done():
		out = declined(timeoutOrTransport(ctx.Err()))
	}

	label := "accepted"
	if !out.Accepted {
		label = out.Reason
		if label != ReasonTimeout && label != ReasonTransportError {
			label = "declined"
		}
	}
	g.metrics.ObserveProviderCall(provider, op, label, time.Since(start))
	return out
}

func (g *Gateway) classify(provider, op string, res *ProviderResult, err error) Outcome {
	switch {
	case err == nil && res != nil && op == "charge" && res.TransactionID == "":
		// A charge nobody can correlate later is treated as not taken.
		err = errors.New("charge accepted without a transaction id")
		g.logger.Error().Err(err).
			Str("provider", provider).
			Msg("provider call failed")
		return declined(ReasonTransportError)
	case err == nil && res != nil:
		return accepted(res.TransactionID)
	case isRejection(err):
		reason := "declined"
		if res != nil && res.ErrorMessage != "" {
			reason = res.ErrorMessage
		}
		return declined(reason)
	default:
		if err == nil {
			err = errors.New("empty provider result")
		}
		reason := timeoutOrTransport(err)
		g.logger.Warn().Err(err).
			Str("provider", provider).
			Str("operation", op).
			Str("reason", reason).
			Msg("provider call failed")
		return declined(reason)
	}
}

func timeoutOrTransport(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domainErrors.ErrProviderTimeout) {
		return ReasonTimeout
	}
	return ReasonTransportError
}

func isRejection(err error) bool {
	return errors.Is(err, domainErrors.ErrProviderRejected)
}
