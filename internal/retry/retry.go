// Package retry runs an operation under a bounded exponential-backoff policy.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"raffle-core/internal/clock"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the backoff before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// MaxJitter bounds the random delay added to every backoff.
	MaxJitter time.Duration
	// Retryable decides whether an error is transient. Nil retries nothing.
	Retryable func(error) bool
	// Clock drives the backoff sleeps. Nil uses the real clock.
	Clock clock.Clock
	// Jitter returns a value in [0, max). Nil uses math/rand.
	Jitter func(limit time.Duration) time.Duration
}

// DefaultPolicy keeps 3 retries within roughly 250ms.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  25 * time.Millisecond,
		MaxJitter:  10 * time.Millisecond,
		Retryable:  retryable,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseDelay * 2^attempt plus jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxJitter > 0 {
		jitter := p.Jitter
		if jitter == nil {
			jitter = func(limit time.Duration) time.Duration { return rand.N(limit) }
		}
		d += jitter(p.MaxJitter)
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retries are spent. It returns the last error and the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}

	attempt := 0
	for {
		err := fn(attempt)
		attempt++
		if err == nil {
			return attempt, nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt > p.MaxRetries {
			return attempt, err
		}

		select {
		case <-clk.After(p.Backoff(attempt - 1)):
		case <-ctx.Done():
			return attempt, err
		}
	}
}
