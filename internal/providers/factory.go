package providers

import (
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/sony/gobreaker/v2"
)

// Provider names used by the default method routing.
const (
	ProviderStripe = "stripe"
	ProviderPayPal = "paypal"
)

// BreakerSettings tunes the circuit breaker created for each registered provider.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64

	// OnStateChange, if set, is told about every breaker state change.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerSettings trips after 10 calls with at least 60% transport failures.
var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:  10,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  10,
	FailureRatio: 0.6,
}

type Factory struct {
	providers       map[string]Provider
	circuitBreakers map[string]*gobreaker.CircuitBreaker[*ProviderResult]
	breaker         BreakerSettings
}

// NewFactory registers the given adapters. With none, the simulated stripe
// and paypal adapters are registered.
func NewFactory(providersList ...Provider) *Factory {
	return NewFactoryWithBreaker(DefaultBreakerSettings, providersList...)
}

func NewFactoryWithBreaker(settings BreakerSettings, providersList ...Provider) *Factory {
	f := &Factory{
		providers:       make(map[string]Provider),
		circuitBreakers: make(map[string]*gobreaker.CircuitBreaker[*ProviderResult]),
		breaker:         settings,
	}

	if len(providersList) == 0 {
		f.Register(NewMockProvider(ProviderStripe,
			WithLatency(200*time.Millisecond),
			WithFailureRate(0.05),
		))
		f.Register(NewMockProvider(ProviderPayPal,
			WithLatency(300*time.Millisecond),
			WithFailureRate(0.08),
		))
	} else {
		for _, p := range providersList {
			f.Register(p)
		}
	}

	return f
}

func (f *Factory) Register(p Provider) {
	s := f.breaker
	f.providers[p.Name()] = p
	f.circuitBreakers[p.Name()] = gobreaker.NewCircuitBreaker[*ProviderResult](gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		// A declined charge is a healthy provider answering; only transport
		// failures count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || isRejection(err)
		},
		OnStateChange: s.OnStateChange,
	})
}

func (f *Factory) Get(name string) (Provider, *gobreaker.CircuitBreaker[*ProviderResult], error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown provider %q: %w", name, domainErrors.ErrProviderNotFound)
	}
	breaker := f.circuitBreakers[name]
	return p, breaker, nil
}

// Names returns the registered provider names.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	return names
}
