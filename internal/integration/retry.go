package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
)

// RetryPolicy retries an operation a bounded number of times with a fixed delay between attempts
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns the wrapped error as is
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, returns a permanent error, or the attempts run out.
// Exhaustion yields an error matching entities.ErrSourceUnavailable that keeps the last cause.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		last = err
		if attempt == attempts {
			break
		}

		logger.C(ctx).Debug().Err(err).Int("attempt", attempt).Dur("delay", p.Delay).Msg("request failed; retrying")
		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", entities.ErrSourceUnavailable, attempts, last)
}
