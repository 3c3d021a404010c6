package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const minDelayFloor = 100 * time.Millisecond

// Policy controls how an unreliable operation is retried. Retryable, when
// set, lets the caller mark certain errors as permanent.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	Retryable    func(error) bool
}

// Result reports what happened across all attempts.
type Result struct {
	Err      error
	Attempts int
	Elapsed  time.Duration
}

func (r Result) Success() bool { return r.Err == nil }

// Do runs op until it succeeds, the policy is exhausted, the error is
// non-retryable, or ctx is canceled.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) Result {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Delay(attempt - 1)):
			case <-ctx.Done():
				return Result{Err: ctx.Err(), Attempts: attempt, Elapsed: time.Since(start)}
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return Result{Attempts: attempt + 1, Elapsed: time.Since(start)}
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return Result{Err: lastErr, Attempts: attempt + 1, Elapsed: time.Since(start)}
		}
	}
	return Result{Err: lastErr, Attempts: policy.MaxAttempts, Elapsed: time.Since(start)}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, result
}

// Delay computes the backoff before retrying after attempt n (0-indexed):
// min(maxDelay, initialDelay * multiplier^n), optionally jittered by ±25%,
// floored at 100ms.
func (p Policy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		factor := 0.75 + rand.Float64()*0.5
		d = time.Duration(float64(d) * factor)
	}
	if d < minDelayFloor {
		d = minDelayFloor
	}
	return d
}
