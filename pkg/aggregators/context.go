// Package aggregators assembles streaming transcript tokens into the
// complete utterances the order-taking context consumes.
package aggregators

import "time"

// AggregatorConfig tunes segment assembly. MinLen guards against
// flushing stray single words; FlushTimeout bounds how long a trailing
// fragment waits for more tokens.
type AggregatorConfig struct {
	MinLen       int
	MaxTokens    int
	MaxHistory   int
	FlushTimeout time.Duration
}

type Aggregator interface {
	Configure(cfg AggregatorConfig) error
	AddToken(tok string)
	Flush() string
}
