package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// NoRetry marks an error as fatal to the job: no retry, straight to FAILED.
//
// Job bodies wrap permanent failures (revoked authorization, permanently
// invalid owner, malformed job) with NoRetry so the queue won't waste
// attempts on them.
//
// Example:
//
//	return dispatch.NoRetry(fmt.Errorf("authorization revoked: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before retrying, typically from a
// downstream Retry-After header on a 429. The delay is informational here;
// the quota tracker's failure reporting is what actually paces retries.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
