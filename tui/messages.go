package tui

import (
	"time"

	"github.com/go-authgate/tokenkeeper/notify"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct {
	ServerURL string
	Instance  string
}

// MsgSessionResumed signals that a stored session was picked up.
type MsgSessionResumed struct{ Info SessionInfo }

// MsgSessionNotFound signals that no session was stored.
type MsgSessionNotFound struct{}

// MsgLoggingIn signals that a password login is in progress.
type MsgLoggingIn struct{ Username string }

// MsgLoggedIn signals that a fresh session started.
type MsgLoggedIn struct{ Info SessionInfo }

// MsgSessionUpdated carries the latest session details for the panel.
type MsgSessionUpdated struct{ Info SessionInfo }

// MsgRenewalWarning signals that a preventive renewal started.
type MsgRenewalWarning struct{ Remaining time.Duration }

// MsgRenewalSucceeded signals that the session was renewed.
type MsgRenewalSucceeded struct{}

// MsgNotice carries a user-facing notification.
type MsgNotice struct{ Notice notify.Notice }

// MsgAPICallOK signals that an authenticated probe succeeded.
type MsgAPICallOK struct {
	Status  int
	Elapsed time.Duration
}

// MsgAPICallFailed signals that an authenticated probe failed.
type MsgAPICallFailed struct{ Err error }

// MsgSessionTerminated signals that the session ended for good.
type MsgSessionTerminated struct{ Err error }

// MsgDone signals a clean shutdown.
type MsgDone struct{ Info SessionInfo }

// MsgFatal signals a fatal error that should terminate the program.
type MsgFatal struct{ Err error }
