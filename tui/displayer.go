package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/tokenkeeper/notify"
)

// SessionInfo is what the CLI shows about the current session.
type SessionInfo struct {
	Preview     string
	TokenType   string
	Email       string
	ExpiresAt   time.Time
	NextRenewal time.Time
}

// Displayer abstracts all output of the session keeper. It receives the renewal notifications
// as a notify.Notifier plus the lifecycle events of the CLI itself.
type Displayer interface {
	notify.Notifier

	Banner(serverURL, instance string)
	SessionResumed(info SessionInfo)
	SessionNotFound()
	LoggingIn(username string)
	LoggedIn(info SessionInfo)
	SessionUpdated(info SessionInfo)
	APICallOK(status int, elapsed time.Duration)
	APICallFailed(err error)
	SessionTerminated(err error)
	Done(info SessionInfo)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(serverURL, instance string) {
	fmt.Fprintln(p.w, "=== AuthGate Session Keeper ===")
	fmt.Fprintf(p.w, "Server: %s (instance %s)\n", serverURL, instance)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionResumed(info SessionInfo) {
	fmt.Fprintf(p.w, "Resumed stored session, expires in %s\n", formatDuration(time.Until(info.ExpiresAt)))
}

func (p *PlainDisplayer) SessionNotFound() {
	fmt.Fprintln(p.w, "No stored session found")
}

func (p *PlainDisplayer) LoggingIn(username string) {
	fmt.Fprintf(p.w, "Signing in as %s...\n", username)
}

func (p *PlainDisplayer) LoggedIn(info SessionInfo) {
	fmt.Fprintf(p.w, "Signed in, access token expires in %s\n", formatDuration(time.Until(info.ExpiresAt)))
}

func (p *PlainDisplayer) SessionUpdated(info SessionInfo) {
	fmt.Fprintf(p.w, "Session: token %s, next renewal in %s\n",
		info.Preview, formatDuration(time.Until(info.NextRenewal)))
}

func (p *PlainDisplayer) RenewalWarning(remaining time.Duration) {
	fmt.Fprintf(p.w, "Session expires in %s, renewing...\n", formatDuration(remaining))
}

func (p *PlainDisplayer) RenewalSucceeded() {
	fmt.Fprintln(p.w, "Session renewed successfully!")
}

func (p *PlainDisplayer) Notify(n notify.Notice) {
	fmt.Fprintf(p.w, "[%s] %s: %s\n", n.Level, n.Title, n.Message)
}

func (p *PlainDisplayer) APICallOK(status int, elapsed time.Duration) {
	fmt.Fprintf(p.w, "API call successful (%d, %s)\n", status, elapsed.Round(time.Millisecond))
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) SessionTerminated(err error) {
	fmt.Fprintf(p.w, "Session terminated: %v\n", err)
	fmt.Fprintln(p.w, "Sign in again to continue.")
}

func (p *PlainDisplayer) Done(info SessionInfo) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session:")
	fmt.Fprintf(p.w, "Access Token: %s\n", info.Preview)
	fmt.Fprintf(p.w, "Token Type: %s\n", info.TokenType)
	fmt.Fprintf(p.w, "Expires In: %s\n", formatDuration(time.Until(info.ExpiresAt)))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_, _ string)               {}
func (NoopDisplayer) SessionResumed(_ SessionInfo)     {}
func (NoopDisplayer) SessionNotFound()                 {}
func (NoopDisplayer) LoggingIn(_ string)               {}
func (NoopDisplayer) LoggedIn(_ SessionInfo)           {}
func (NoopDisplayer) SessionUpdated(_ SessionInfo)     {}
func (NoopDisplayer) RenewalWarning(_ time.Duration)   {}
func (NoopDisplayer) RenewalSucceeded()                {}
func (NoopDisplayer) Notify(_ notify.Notice)           {}
func (NoopDisplayer) APICallOK(_ int, _ time.Duration) {}
func (NoopDisplayer) APICallFailed(_ error)            {}
func (NoopDisplayer) SessionTerminated(_ error)        {}
func (NoopDisplayer) Done(_ SessionInfo)               {}
func (NoopDisplayer) Fatal(_ error)                    {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(serverURL, instance string) {
	t.p.Send(MsgBanner{ServerURL: serverURL, Instance: instance})
}

func (t *ProgramDisplayer) SessionResumed(info SessionInfo) {
	t.p.Send(MsgSessionResumed{Info: info})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) LoggingIn(username string) {
	t.p.Send(MsgLoggingIn{Username: username})
}

func (t *ProgramDisplayer) LoggedIn(info SessionInfo) {
	t.p.Send(MsgLoggedIn{Info: info})
}

func (t *ProgramDisplayer) SessionUpdated(info SessionInfo) {
	t.p.Send(MsgSessionUpdated{Info: info})
}

func (t *ProgramDisplayer) RenewalWarning(remaining time.Duration) {
	t.p.Send(MsgRenewalWarning{Remaining: remaining})
}

func (t *ProgramDisplayer) RenewalSucceeded() {
	t.p.Send(MsgRenewalSucceeded{})
}

func (t *ProgramDisplayer) Notify(n notify.Notice) {
	t.p.Send(MsgNotice{Notice: n})
}

func (t *ProgramDisplayer) APICallOK(status int, elapsed time.Duration) {
	t.p.Send(MsgAPICallOK{Status: status, Elapsed: elapsed})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) SessionTerminated(err error) {
	t.p.Send(MsgSessionTerminated{Err: err})
}

func (t *ProgramDisplayer) Done(info SessionInfo) {
	t.p.Send(MsgDone{Info: info})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
