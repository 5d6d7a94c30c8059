// Package fallback runs an ordered list of alternatives until one succeeds.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned (wrapped) when every attempt failed.
var ErrExhausted = errors.New("all attempts failed")

// Attempt is one alternative in a chain.
type Attempt[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Options tune how First runs each attempt.
type Options struct {
	// Timeout bounds each attempt individually. Zero means no per-attempt bound.
	Timeout time.Duration
	// OnFailure is called after each failed attempt.
	OnFailure func(name string, err error)
}

// First runs attempts in order and returns the first success.
// When all fail the returned error wraps ErrExhausted and every attempt error.
func First[T any](ctx context.Context, attempts []Attempt[T], opts Options) (T, string, error) {
	var zero T
	if len(attempts) == 0 {
		return zero, "", fmt.Errorf("%w: no attempts configured", ErrExhausted)
	}

	errs := make([]error, 0, len(attempts))
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result, err := run(ctx, a, opts.Timeout)
		if err == nil {
			return result, a.Name, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
		if opts.OnFailure != nil {
			opts.OnFailure(a.Name, err)
		}
	}

	return zero, "", fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}

func run[T any](ctx context.Context, a Attempt[T], timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return a.Run(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.Run(attemptCtx)
}
