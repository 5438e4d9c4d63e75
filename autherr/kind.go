package autherr

import (
	"context"
	"errors"
)

// Kind is the category reported to the host application's error reporter.
type Kind string

const (
	KindTokenExpired      Kind = "token_expired"
	KindRefreshFailed     Kind = "refresh_failed"
	KindNetworkError      Kind = "network_error"
	KindUnauthorized      Kind = "unauthorized"
	KindSessionTerminated Kind = "session_terminated"
)

// Classify maps err onto the reporting taxonomy.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrSessionTerminated):
		return KindSessionTerminated
	case errors.Is(err, ErrPermissionDenied):
		return KindUnauthorized
	case errors.Is(err, ErrUnauthorized):
		return KindTokenExpired
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindNetworkError
	}
	return KindRefreshFailed
}
