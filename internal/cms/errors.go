package cms

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the requested resource does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrTokenExpired is returned when the CMS rejects a sync token
	ErrTokenExpired = errors.New("sync token expired or invalid")
)

// AuthError is returned for 401 and 403 responses
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// RateLimitedError is returned for 429 responses
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientError wraps network failures, timeouts and 5xx responses
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient CMS failure (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient CMS failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// MalformedResponseError is returned when a response cannot be decoded
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed CMS response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// HTTPError represents any other unexpected HTTP status
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// IsRetryable reports whether err is worth retrying: transient failures and rate limits
func IsRetryable(err error) bool {
	var transient *TransientError
	var limited *RateLimitedError
	return errors.As(err, &transient) || errors.As(err, &limited)
}
