package providers

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/google/uuid"
)

// Step scripts the answer to one call of a MockProvider.
type Step struct {
	Reject string        // non-empty: the provider declines with this reason
	Err    error         // transport failure returned as-is
	Delay  time.Duration // added latency before answering
	Ref    string        // transaction id to report on success
}

func Succeed() Step { return Step{} }
func SucceedWith(ref string) Step { return Step{Ref: ref} }
func Decline(reason string) Step { return Step{Reject: reason} }
func FailWith(err error) Step { return Step{Err: err} }
func Stall(d time.Duration) Step { return Step{Delay: d} }

// MockProvider simulates a provider. It honours idempotency keys the way
// real processors do: a replayed key returns the first answer.
type MockProvider struct {
	name        string
	failureRate float64 // 0.0 to 1.0
	latency     time.Duration
	timeoutRate float64 // 0.0 to 1.0

	mu          sync.Mutex
	script      []Step
	refundSteps []Step
	seen        map[string]*ProviderResult
	charges     int
	refunds     int
}

type MockProviderOption func(*MockProvider)

func WithFailureRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.failureRate = rate }
}

func WithLatency(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.latency = d }
}

func WithTimeoutRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.timeoutRate = rate }
}

// WithScript queues answers for ProcessPayment; once drained the random
// behaviour applies again.
func WithScript(steps ...Step) MockProviderOption {
	return func(p *MockProvider) { p.script = append(p.script, steps...) }
}

// WithRefundScript queues answers for RefundPayment.
func WithRefundScript(steps ...Step) MockProviderOption {
	return func(p *MockProvider) { p.refundSteps = append(p.refundSteps, steps...) }
}

func NewMockProvider(name string, opts ...MockProviderOption) *MockProvider {
	p := &MockProvider{
		name:        name,
		failureRate: 0.0,
		latency:     100 * time.Millisecond,
		timeoutRate: 0.0,
		seen:        make(map[string]*ProviderResult),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *MockProvider) Name() string { return p.name }

// Script appends answers for subsequent charges.
func (p *MockProvider) Script(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, steps...)
}

// Charges returns the number of distinct charges the provider accepted.
func (p *MockProvider) Charges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}

// Refunds returns the number of refunds the provider accepted.
func (p *MockProvider) Refunds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunds
}

func (p *MockProvider) ProcessPayment(ctx context.Context, req ProcessRequest) (*ProviderResult, error) {
	if req.IdempotencyKey != "" {
		p.mu.Lock()
		prev, ok := p.seen[req.IdempotencyKey]
		p.mu.Unlock()
		if ok {
			return replay(prev)
		}
	}

	step, scripted := p.next(&p.script)
	if err := p.wait(ctx, step.Delay); err != nil {
		return nil, err
	}

	var result *ProviderResult
	switch {
	case scripted && step.Err != nil:
		return nil, step.Err
	case scripted && step.Reject != "":
		result = &ProviderResult{Status: "failed", ErrorMessage: step.Reject}
	case scripted:
		result = &ProviderResult{TransactionID: step.Ref, Status: "success"}
	default:
		// Simulate timeout
		if rand.Float64() < p.timeoutRate {
			return nil, domainErrors.ErrProviderTimeout
		}
		// Simulate failure
		if rand.Float64() < p.failureRate {
			result = &ProviderResult{Status: "failed", ErrorMessage: "card_declined"}
		} else {
			result = &ProviderResult{Status: "success"}
		}
	}

	if result.Status == "success" && result.TransactionID == "" {
		result.TransactionID = fmt.Sprintf("%s_txn_%s", p.name, uuid.New().String()[:8])
	}

	p.mu.Lock()
	if req.IdempotencyKey != "" {
		p.seen[req.IdempotencyKey] = result
	}
	if result.Status == "success" {
		p.charges++
	}
	p.mu.Unlock()

	return replay(result)
}

func (p *MockProvider) RefundPayment(ctx context.Context, req RefundRequest) (*ProviderResult, error) {
	step, scripted := p.next(&p.refundSteps)
	if err := p.wait(ctx, step.Delay); err != nil {
		return nil, err
	}

	switch {
	case scripted && step.Err != nil:
		return nil, step.Err
	case scripted && step.Reject != "":
		return &ProviderResult{Status: "failed", ErrorMessage: step.Reject}, domainErrors.ErrProviderRejected
	case req.TransactionID == "":
		return &ProviderResult{Status: "failed", ErrorMessage: "no such charge"}, domainErrors.ErrProviderRejected
	case !scripted && rand.Float64() < p.failureRate:
		return &ProviderResult{Status: "failed", ErrorMessage: "refund_failed"}, domainErrors.ErrProviderRejected
	}

	p.mu.Lock()
	p.refunds++
	p.mu.Unlock()

	return &ProviderResult{
		TransactionID: fmt.Sprintf("%s_refund_%s", p.name, uuid.New().String()[:8]),
		Status:        "success",
	}, nil
}

func (p *MockProvider) next(queue *[]Step) (Step, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(*queue) == 0 {
		return Step{}, false
	}
	step := (*queue)[0]
	*queue = (*queue)[1:]
	return step, true
}

// wait simulates latency.
func (p *MockProvider) wait(ctx context.Context, extra time.Duration) error {
	select {
	case <-time.After(p.latency + extra):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func replay(r *ProviderResult) (*ProviderResult, error) {
	out := *r
	if out.Status != "success" {
		return &out, domainErrors.ErrProviderRejected
	}
	return &out, nil
}
