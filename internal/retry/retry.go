// Package retry runs an operation a bounded number of times with full-jitter
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Default is used for short local contention, e.g. a file still held open by
// another process.
var Default = Policy{Attempts: 5, Base: 200 * time.Millisecond, Cap: 5 * time.Second}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out, or ctx is done. Sleeping between attempts honours ctx.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(attempt)
		if last == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return perm.err
		}

		if attempt < p.Attempts {
			t := time.NewTimer(p.jitter(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.Attempts, last)
}

// jitter returns a random duration between 0 and min(Cap, Base * 2^attempt).
func (p Policy) jitter(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	exp := p.Base * (1 << attempt)
	if p.Cap > 0 && exp > p.Cap {
		exp = p.Cap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}
