package llm

import (
	"context"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
	"github.com/moonbeamcoffee/moonbeam/pkg/resilience"
)

// CircuitBreakerAdapter gates an LLMAdapter behind a rate-limit
// breaker. While the breaker is open every call fails fast with a
// RateLimitError, which downstream turns into the spoken fallback
// instead of leaving the caller in dead air.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	mu      sync.Mutex
	open    bool
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

// gate checks the breaker and tracks open/closed edges for metrics.
// Returns a non-nil error when the call must be denied.
func (a *CircuitBreakerAdapter) gate() error {
	if !a.breaker.Allow() {
		a.markOpen(true)
		a.record(metrics.EventBreakerDenied)
		return resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}
	}
	a.markOpen(false)
	return nil
}

func (a *CircuitBreakerAdapter) settle(err error) {
	if err == nil {
		a.breaker.OnSuccess()
		return
	}
	if resilience.IsRateLimit(err) {
		a.record(metrics.EventRateLimit)
	}
	a.breaker.OnError(err)
}

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	if err := a.gate(); err != nil {
		return Response{}, err
	}
	resp, err := a.inner.Generate(ctx, input)
	a.settle(err)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input Context) (<-chan string, error) {
	if err := a.gate(); err != nil {
		return nil, err
	}
	ch, err := a.inner.Stream(ctx, input)
	a.settle(err)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a *CircuitBreakerAdapter) MapTools(tools []Tool) (any, error) {
	return a.inner.MapTools(tools)
}

func (a *CircuitBreakerAdapter) ToProviderFormat(ctx Context) (any, error) {
	return a.inner.ToProviderFormat(ctx)
}

func (a *CircuitBreakerAdapter) FromProviderFormat(raw any) (Response, error) {
	return a.inner.FromProviderFormat(raw)
}

func (a *CircuitBreakerAdapter) record(name string) {
	if a.obs == nil {
		return
	}
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  a.inner.Name(),
			"component": "llm",
		},
	})
}

func (a *CircuitBreakerAdapter) markOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
	} else {
		a.record(metrics.EventBreakerClose)
	}
}
