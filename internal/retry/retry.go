// Package retry runs an operation a bounded number of times with a fixed
// delay between attempts. It is the single remediation retry primitive
// shared by the watchdog and the hardware readers.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry run.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// Delay is the fixed pause between attempts.
	Delay time.Duration
}

// Outcome describes a finished retry run.
type Outcome struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Succeeded reports whether the last attempt returned nil.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// ErrNoAttempts is returned when the policy allows zero attempts.
var ErrNoAttempts = errors.New("retry policy allows no attempts")

// Do calls fn until it succeeds, MaxAttempts is reached, fn returns a
// Permanent error, or ctx is done. There is no wait after the final
// attempt.
func Do(ctx context.Context, p Policy, fn Func) Outcome {
	start := time.Now()
	if p.MaxAttempts < 1 {
		return Outcome{Err: ErrNoAttempts}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Err: err, Duration: time.Since(start)}
	}

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		return struct{}{}, fn(ctx, attempts)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return Outcome{Attempts: attempts, Err: err, Duration: time.Since(start)}
}

// Permanent wraps err so Do stops without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
