// Package retry provides bounded retries with exponential backoff for
// provider calls and reconnect loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy configures how attempts are spaced.
type Policy struct {
	// MaxAttempts bounds the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
	// Jitter randomizes each delay into [0.5, 1.5) of its base value.
	Jitter bool
}

// Default returns the policy used for provider calls.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Exponential builds a jittered exponential policy.
func Exponential(maxAttempts int, initial, max time.Duration) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
	return p
}

// Delay returns the backoff before attempt+1, where attempt counts failures
// so far starting at 1. Reconnect loops call this directly with an unbounded
// attempt counter; the result is clamped to MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Jitter {
		return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
	}
	return p.delayWithRand(attempt, 0.5)
}

func (p Policy) delayWithRand(attempt int, r float64) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt-1))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if !p.Jitter {
		return time.Duration(base)
	}
	return time.Duration(base * (0.5 + r))
}

// Do runs op until it succeeds, the error is permanent, the attempts are
// exhausted, or ctx is done. It returns nil on success and the last error
// otherwise; exhaustion wraps the last error with the attempt count.
func Do(ctx context.Context, p Policy, op func() error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt >= p.MaxAttempts {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var value T
	err := Do(ctx, p, func() error {
		var opErr error
		value, opErr = op()
		return opErr
	})
	return value, err
}

// Sleep waits for d unless ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
