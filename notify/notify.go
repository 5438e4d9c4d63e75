// Package notify defines the fire-and-forget user notification sink and the host error
// reporter used by the credential lifecycle components.
package notify

import (
	"log/slog"
	"time"

	"github.com/go-authgate/tokenkeeper/autherr"
)

// Level is the severity of a Notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Persistent is the Notice duration that disables auto-dismiss.
const Persistent time.Duration = 0

// Notice is a generic user-facing message.
type Notice struct {
	Level    Level
	Title    string
	Message  string
	Duration time.Duration
}

// Notifier shows messages to the user. Implementations must not block.
type Notifier interface {
	// RenewalWarning announces that the access credential is about to expire.
	RenewalWarning(remaining time.Duration)
	// RenewalSucceeded announces a successful renewal.
	RenewalSucceeded()
	Notify(n Notice)
}

// ErrorReporter receives authentication failures for the host application.
type ErrorReporter interface {
	ReportAuthError(kind autherr.Kind, err error)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RenewalWarning(time.Duration)        {}
func (Nop) RenewalSucceeded()                   {}
func (Nop) Notify(Notice)                       {}
func (Nop) ReportAuthError(autherr.Kind, error) {}

// Safe wraps n so that a panicking sink is logged instead of unwinding into renewal code.
func Safe(n Notifier, logger *slog.Logger) Notifier {
	if n == nil {
		n = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &safeNotifier{next: n, logger: logger}
}

// SafeReporter is the ErrorReporter counterpart of Safe.
func SafeReporter(r ErrorReporter, logger *slog.Logger) ErrorReporter {
	if r == nil {
		r = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &safeReporter{next: r, logger: logger}
}

type safeNotifier struct {
	next   Notifier
	logger *slog.Logger
}

func (s *safeNotifier) RenewalWarning(remaining time.Duration) {
	defer s.recover("renewal_warning")
	s.next.RenewalWarning(remaining)
}

func (s *safeNotifier) RenewalSucceeded() {
	defer s.recover("renewal_succeeded")
	s.next.RenewalSucceeded()
}

func (s *safeNotifier) Notify(n Notice) {
	defer s.recover("notify")
	s.next.Notify(n)
}

func (s *safeNotifier) recover(call string) {
	if r := recover(); r != nil {
		s.logger.Warn("notification sink panicked", "call", call, "panic", r)
	}
}

type safeReporter struct {
	next   ErrorReporter
	logger *slog.Logger
}

func (s *safeReporter) ReportAuthError(kind autherr.Kind, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("error reporter panicked", "kind", kind, "panic", r)
		}
	}()
	s.next.ReportAuthError(kind, err)
}
