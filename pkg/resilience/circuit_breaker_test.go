package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensOnRepeatedRateLimits(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	throttle := RateLimitError{Provider: "elevenlabs", Message: "429"}

	cb.OnError(throttle)
	if !cb.Allow() {
		t.Fatalf("breaker opened below threshold")
	}
	cb.OnError(throttle)
	if cb.Allow() {
		t.Fatalf("breaker stayed closed at threshold")
	}
}

func TestBreakerIgnoresHardErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(errors.New("connection reset"))
	if !cb.Allow() {
		t.Fatalf("hard error tripped the breaker")
	}
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(RateLimitError{Provider: "deepgram"})
	if cb.Allow() {
		t.Fatalf("breaker should be open")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("success did not close the breaker")
	}
}

func TestRetryPolicyStopsAfterBudget(t *testing.T) {
	policy := NewRetryPolicy(2, time.Millisecond)
	calls := 0
	err := policy.Do(func() error {
		calls++
		return errors.New("still down")
	})
	if err == nil {
		t.Fatalf("expected final error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want initial attempt plus two retries", calls)
	}
}

func TestRetryPolicyReturnsFirstSuccess(t *testing.T) {
	policy := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := policy.Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestIsRateLimitUnwraps(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), RateLimitError{Provider: "openai"})
	if !IsRateLimit(wrapped) {
		t.Fatalf("wrapped rate limit not detected")
	}
	if IsRateLimit(errors.New("plain")) {
		t.Fatalf("plain error misclassified")
	}
}
