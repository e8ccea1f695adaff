// Package retry provides the bounded polling primitive used for ledger
// confirmations and transient HTTP failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt ran without the condition being met.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a polling loop. A Multiplier of 0 or 1 gives a fixed delay.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Fixed returns a policy with a constant delay between attempts
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential returns a doubling policy capped at maxDelay
func Exponential(attempts int, base, maxDelay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: base, Multiplier: 2, MaxDelay: maxDelay}
}

// Within derives a fixed policy that polls every interval until total elapses
func Within(total, interval time.Duration) Policy {
	if interval <= 0 {
		interval = time.Second
	}
	attempts := int(total / interval)
	if attempts < 1 {
		attempts = 1
	}
	return Fixed(attempts, interval)
}

// Backoff returns the wait before the given attempt (attempt 0 never waits)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.Delay
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Func is one attempt. It reports done when the awaited condition holds; a
// non-nil error stops the loop immediately.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Poll runs fn until it reports done, returns an error, the attempts run out
// (ErrExhausted) or ctx ends.
func Poll(ctx context.Context, clock Clock, p Policy, fn Func) error {
	if clock == nil {
		clock = RealClock{}
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if wait := p.Backoff(attempt); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(wait):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
}
