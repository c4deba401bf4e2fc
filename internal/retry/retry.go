// Package retry provides an explicit, testable retry policy used around
// provider calls. The policy is a plain value: attempts, backoff schedule,
// and a retryable-error predicate.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy configures retry behavior for an operation.
type Policy struct {
	MaxAttempts  int           // total attempts, including the first (min 1)
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // backoff cap
	Multiplier   float64       // backoff growth factor

	// Retryable decides whether a failure is worth another attempt.
	// A nil predicate retries everything.
	Retryable func(error) bool
}

// DefaultPolicy matches the provider-call contract: 3 attempts with
// exponential backoff capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the backoff delay after a given zero-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialDelay
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do runs fn under the policy. It returns the first success, the first
// non-retryable error, or the last error once attempts are exhausted.
// Context cancellation is honored between attempts and during backoff.
func Do[T any](ctx context.Context, p Policy, op string, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("%s: %w", op, err)
		}

		result, lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				log.Info().Str("op", op).Int("attempt", attempt+1).Msg("succeeded after retry")
			}
			return result, nil
		}

		if !p.retryable(lastErr) {
			return result, lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.Delay(attempt)
		log.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Dur("delay", delay).
			Err(lastErr).
			Msg("attempt failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, fmt.Errorf("%s: cancelled during backoff: %w", op, ctx.Err())
		}
	}

	return result, fmt.Errorf("%s: %d attempts exhausted: %w", op, attempts, lastErr)
}
