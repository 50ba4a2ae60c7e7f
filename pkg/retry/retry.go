package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrExhausted is returned when a bounded policy runs out of attempts.
var ErrExhausted = errors.New("retry attempts exhausted")

// Permanent wraps an error that must never be retried. The retry loop
// stops immediately and returns the wrapped error.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Policy describes a reconnect/retry schedule. The same type is used for
// the discovery channel (bounded) and the relay socket (unbounded);
// call sites differ only in parameters.
type Policy struct {
	// MaxAttempts bounds the number of attempts. Zero means retry
	// forever (until the context is cancelled or a Permanent error).
	MaxAttempts int
	// Delay is the base delay between attempts.
	Delay time.Duration
	// Multiplier grows the delay between attempts; 1.0 keeps it fixed.
	Multiplier float64
	// MaxDelay caps the grown delay. Zero means no cap.
	MaxDelay time.Duration
	// OnExhausted is invoked once when a bounded policy gives up,
	// before Do returns ErrExhausted.
	OnExhausted func(lastErr error)
}

// FixedPolicy returns a policy with a constant delay between attempts.
func FixedPolicy(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: delay, Multiplier: 1.0}
}

// Do runs fn until it succeeds, the policy is exhausted, the context is
// cancelled, or fn returns a Permanent error.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; p.MaxAttempts == 0 || attempt < p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}

		// Skip the final sleep on the last bounded attempt.
		if p.MaxAttempts != 0 && attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delayFor(attempt)):
		}
	}

	if p.OnExhausted != nil {
		p.OnExhausted(lastErr)
	}
	return fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

func (p Policy) delayFor(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1.0
	}
	d := float64(p.Delay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}
