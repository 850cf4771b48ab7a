// Package backoff provides retry delay strategies and the poller that
// drives a remote operation to completion without busy-looping.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before poll attempt n (1-indexed).
// Attempt 1 is the first poll after submission.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear grows the delay by Interval each attempt, capped at Max.
// Delay = min(Interval * attempt, Max).
type Linear struct {
	Interval time.Duration
	Max      time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(interval, maxDelay time.Duration) *Linear {
	return &Linear{Interval: interval, Max: maxDelay}
}

// Delay returns Interval * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := time.Duration(attempt) * l.Interval
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential multiplies the delay by Factor each attempt.
// Delay = min(Initial * Factor^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// NewExponential creates an exponential backoff strategy with the default
// doubling factor.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Factor: 2}
}

// Delay returns Initial * Factor^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	factor := e.Factor
	if factor <= 1 {
		factor = 2
	}
	d := time.Duration(float64(e.Initial) * math.Pow(factor, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * Factor^(attempt-1), Max)].
// This prevents thundering herd when many pollers wake simultaneously.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// NewExponentialWithJitter creates an exponential backoff with full jitter
// and the default doubling factor.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay, Factor: 2}
}

// Delay returns a random duration in [0, min(Initial * Factor^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	factor := e.Factor
	if factor <= 1 {
		factor = 2
	}
	base := float64(e.Initial) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// DefaultPollStrategy returns the default backoff used for status polling:
// exponential doubling from 100ms up to a 5s ceiling.
func DefaultPollStrategy() Strategy {
	return NewExponential(100*time.Millisecond, 5*time.Second)
}
