// Package autherr defines the error taxonomy shared by the credential lifecycle packages.
package autherr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionTerminated means the session cannot be renewed anymore: the renewal cap was
	// exhausted, the refresh credential is gone, or the session ended while a renewal was in
	// flight. Callers must send the user through a new login.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrNetwork means no response was received at all.
	ErrNetwork = errors.New("network error")

	// ErrUnauthorized means the server rejected the access credential (401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPermissionDenied means the credential is valid but lacks rights (403).
	// It is never a renewal condition.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidGrant means the identity provider rejected the refresh credential itself.
	ErrInvalidGrant = errors.New("refresh token expired or invalid")
)

// RecoverableError is a renewal failure that still leaves retry budget.
type RecoverableError struct {
	Attempt     int
	MaxAttempts int
	Err         error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("renewal attempt %d/%d failed: %v", e.Attempt, e.MaxAttempts, e.Err)
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// Terminated wraps cause so that errors.Is(err, ErrSessionTerminated) holds while the
// original failure stays reachable.
func Terminated(cause error) error {
	switch {
	case cause == nil:
		return ErrSessionTerminated
	case errors.Is(cause, ErrSessionTerminated):
		return cause
	}
	return fmt.Errorf("%w: %w", ErrSessionTerminated, cause)
}

// IsRecoverable reports whether err leaves the session alive.
func IsRecoverable(err error) bool {
	var rec *RecoverableError
	return errors.As(err, &rec)
}

// IsRetryable reports whether an operation that failed with err may be attempted again.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSessionTerminated),
		errors.Is(err, ErrInvalidGrant),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
