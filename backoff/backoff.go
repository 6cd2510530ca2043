// Package backoff provides retry delay strategies for failed jobs.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a given retry attempt. The attempt
// number is 1-based: attempt 1 is the first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to the Strategy interface.
type Func func(attempt int) time.Duration

// Delay implements Strategy.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant returns a strategy that always waits the same duration.
func Constant(d time.Duration) Strategy {
	return Func(func(int) time.Duration { return d })
}

// Linear returns a strategy that waits attempt*step, capped at maxDelay.
func Linear(step, maxDelay time.Duration) Strategy {
	return Func(func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := time.Duration(attempt) * step
		if d > maxDelay {
			return maxDelay
		}

		return d
	})
}

// Exponential returns a strategy that doubles the delay each attempt,
// starting at initial and capped at maxDelay.
func Exponential(initial, maxDelay time.Duration) Strategy {
	return Func(func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := initial
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxDelay {
				return maxDelay
			}
		}
		if d > maxDelay {
			return maxDelay
		}

		return d
	})
}

// ExponentialWithJitter is like Exponential but randomizes each delay
// uniformly in [d/2, d) to avoid thundering herds of retries.
func ExponentialWithJitter(initial, maxDelay time.Duration) Strategy {
	base := Exponential(initial, maxDelay)

	return Func(func(attempt int) time.Duration {
		d := base.Delay(attempt)
		if d <= 0 {
			return 0
		}
		half := d / 2

		return half + rand.N(d-half)
	})
}

// Default is the strategy used when a queue does not configure its own:
// exponential with jitter, 500ms initial delay, 30s cap.
func Default() Strategy {
	return ExponentialWithJitter(500*time.Millisecond, 30*time.Second)
}
