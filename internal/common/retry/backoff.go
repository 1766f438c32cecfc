// Package retry runs operations under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"practice-rules-engine/internal/common/config"
)

// Policy bounds a retry loop. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// FromConfig converts a millisecond-based config block.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: time.Duration(c.InitialDelay) * time.Millisecond,
		MaxDelay:     time.Duration(c.MaxDelay) * time.Millisecond,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ErrExhausted wraps the last error once every attempt failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Do calls op until it succeeds, returns a permanent error, the context ends
// or the attempts run out. onRetry, when set, is called before each wait.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay

	var err error
	for i := 1; i <= attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if i == attempts {
			break
		}

		if onRetry != nil {
			onRetry(i, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}
