// Package retry provides a small retry-with-backoff combinator used wherever the service
// used to have ad hoc sleep loops: artifact deletion and transcription submission.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Options shapes one retry run. The zero value is not useful; use Defaults as a base.
type Options struct {
	// MaxAttempts caps the total number of calls (initial call included).
	MaxAttempts uint
	// InitialInterval seeds the exponential backoff.
	InitialInterval time.Duration
	// MaxInterval caps the backoff growth.
	MaxInterval time.Duration
	// Retryable decides whether an error is worth another attempt. A nil predicate
	// retries everything.
	Retryable func(error) bool
}

// Defaults is a conservative baseline: 5 attempts, 100ms seed, 2s cap.
func Defaults() Options {
	return Options{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Do runs fn until it succeeds, the predicate rejects the error, attempts run out, or the
// context is cancelled. The last error is returned on failure.
func Do(ctx context.Context, opts Options, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		bo.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		bo.MaxInterval = opts.MaxInterval
	}

	op := func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(opts.MaxAttempts))
	return err
}
