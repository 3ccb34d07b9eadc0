package hostd

import (
	"errors"
	"fmt"
)

var (
	// ErrSandboxGone signals the host daemon no longer knows the
	// sandbox (404 on setup/exec). Callers fall back to creating a
	// fresh sandbox instead of marking the record unhealthy.
	ErrSandboxGone = errors.New("host sandbox gone")

	// ErrRetriesExhausted wraps the last transient error once all
	// attempts are spent
	ErrRetriesExhausted = errors.New("host retries exhausted")
)

// TransientError marks a failure that is eligible for retry: 5xx
// responses, connection resets, EOF, DNS failures, deadline exceeded.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient host error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConflictError is a 409 on create: another sandbox already holds the
// name. ExistingID identifies the stale sandbox to delete.
type ConflictError struct {
	Name       string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sandbox name %q in use by %s", e.Name, e.ExistingID)
}

// APIError is a non-retryable host daemon response (4xx other than
// the handled conflict and not-found cases)
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("host daemon returned %d: %s", e.StatusCode, e.Body)
}
