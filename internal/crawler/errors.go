package crawler

import (
	"errors"
	"fmt"
)

// ErrInterrupted is a sentinel a handler can return to drop the
// current request silently: it is marked handled without invoking
// either the error or failed-request handler.
var ErrInterrupted = errors.New("crawler: interrupted")

// RetryableError marks err as eligible for retry up to the configured
// request-retry budget. Handlers that hit a transient condition
// (timeout, 5xx, rate limiting) should wrap their error in this.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return fmt.Sprintf("crawler: retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// SessionError marks err as evidence the active session is
// compromised (blocked, banned, CAPTCHA-walled). The crawler rotates
// the session and reclaims the request rather than counting it as an
// ordinary retry, unless the per-request rotation budget is spent.
type SessionError struct{ Err error }

func (e *SessionError) Error() string { return fmt.Sprintf("crawler: session error: %v", e.Err) }
func (e *SessionError) Unwrap() error { return e.Err }

// asRetryable reports whether err (or something it wraps) is a *RetryableError.
func asRetryable(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// asSessionError reports whether err (or something it wraps) is a *SessionError.
func asSessionError(err error) (*SessionError, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
