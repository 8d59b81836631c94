// Package backoff provides retry delay strategies for outbox events.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Kind names a strategy in configuration.
type Kind string

const (
	KindConstant    Kind = "constant"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
	KindJitter      Kind = "exponential_jitter"
)

// New builds the strategy named by kind.
func New(kind Kind, initial, maxDelay time.Duration) (Strategy, error) {
	if initial <= 0 {
		return nil, fmt.Errorf("backoff: initial delay must be positive, got %s", initial)
	}
	if maxDelay > 0 && maxDelay < initial {
		return nil, fmt.Errorf("backoff: max delay %s is below initial delay %s", maxDelay, initial)
	}
	switch kind {
	case KindConstant:
		return Constant{Interval: initial}, nil
	case KindLinear:
		return Linear{Initial: initial, Max: maxDelay}, nil
	case KindExponential, "":
		return Exponential{Initial: initial, Max: maxDelay}, nil
	case KindJitter:
		return ExponentialWithJitter{Initial: initial, Max: maxDelay}, nil
	}
	return nil, fmt.Errorf("backoff: unknown strategy %q", kind)
}

// Default is exponential from one second, capped at ten minutes.
func Default() Strategy {
	return Exponential{Initial: time.Second, Max: 10 * time.Minute}
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Linear waits Initial * attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Initial * time.Duration(attempt)
	if d < 0 || (l.Max > 0 && d > l.Max) {
		return l.Max
	}
	return d
}

// Exponential doubles the wait each attempt: Initial * 2^(attempt-1), capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return time.Duration(exponential(e.Initial, e.Max, attempt))
}

// ExponentialWithJitter waits a random duration in [base/2, base] where base
// is the Exponential delay. The lower bound still doubles every attempt.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := exponential(e.Initial, e.Max, attempt)
	half := base / 2
	return time.Duration(half + rand.Float64()*half) //nolint:gosec // jitter does not need crypto rand
}

func exponential(initial, maxDelay time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	limit := float64(maxDelay)
	if maxDelay <= 0 {
		limit = float64(1 << 62)
	}
	if d > limit || math.IsInf(d, 1) {
		return limit
	}
	return d
}
