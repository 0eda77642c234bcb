package resilience

import "time"

// RetryPolicy retries fn with a fixed backoff. Used where the caller
// cannot tolerate the full exponential policy, e.g. reconnecting a
// provider websocket mid-call.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

func (r RetryPolicy) Do(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || attempt == r.MaxRetries {
			return err
		}
		time.Sleep(r.Backoff)
	}
}
