package publish

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is the sentinel matched by IsRateLimited.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuth marks rejected or missing credentials.
	ErrAuth = errors.New("authentication failed")
)

// RateLimitError carries an optional provider hint for the next attempt.
type RateLimitError struct {
	// RetryAfter is zero when the provider sent no hint.
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RateLimit wraps err as a rate-limit failure. A nil err is replaced with
// ErrRateLimited.
func RateLimit(err error, after time.Duration) error {
	if err == nil {
		err = ErrRateLimited
	}
	if after < 0 {
		after = 0
	}
	return &RateLimitError{RetryAfter: after, Err: err}
}

func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// RetryAfterHint extracts the provider's hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Auth wraps err so that errors.Is(err, ErrAuth) holds.
func Auth(err error) error {
	if err == nil {
		return ErrAuth
	}
	return fmt.Errorf("%w: %w", ErrAuth, err)
}
