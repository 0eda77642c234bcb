// Package metrics is the event sink for everything observable about a
// call: frame flow, stage latency, provider cost, breaker state.
// Observers compose; the engine wraps the configured sink in sampling
// and async layers.
package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Shared event names for resilience signals so dashboards can aggregate
// across components.
const (
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limited"
)

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
