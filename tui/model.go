package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/go-authgate/tokenkeeper/notify"
)

const maxStatusLines = 12

// tickMsg is fired every second to update the countdowns.
type tickMsg time.Time

// noticeExpiredMsg removes a timed notice.
type noticeExpiredMsg struct{ id int }

// state represents the current phase of the session.
type state int

const (
	stateInit       state = iota
	stateLoggingIn        // password login in progress
	stateActive           // session held, renewals scheduled
	stateRenewing         // renewal in flight
	stateTerminated       // session ended, sign-in required
	stateDone             // clean shutdown
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
	statusErr             // failure
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// activeNotice is a notification currently on screen.
type activeNotice struct {
	id     int
	notice notify.Notice
}

// Model is the BubbleTea model for the session keeper TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int
	now     time.Time

	serverURL string
	instance  string
	username  string

	// Session panel
	session    SessionInfo
	hasSession bool
	errMsg     string

	notices    []activeNotice
	nextNotice int

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleNoticeBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
		now:     time.Now(),
	}
}

// Init starts the spinner animation and the countdown clock.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickAfterSecond())
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.now = time.Time(msg)
		if m.state == stateDone || m.state == stateError {
			return m, nil
		}
		return m, tickAfterSecond()

	case noticeExpiredMsg:
		m.dropNotice(msg.id)
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		m.serverURL = msg.ServerURL
		m.instance = msg.Instance
		return m, nil

	case MsgSessionResumed:
		m.setSession(msg.Info)
		m.addStatus(statusOK, "Resumed stored session")
		return m, nil

	case MsgSessionNotFound:
		m.addStatus(statusInfo, "No stored session")
		return m, nil

	case MsgLoggingIn:
		m.username = msg.Username
		m.state = stateLoggingIn
		m.addStatus(statusInfo, "Signing in as "+msg.Username+"...")
		return m, nil

	case MsgLoggedIn:
		m.setSession(msg.Info)
		m.addStatus(statusOK, "Signed in")
		return m, nil

	case MsgSessionUpdated:
		m.setSession(msg.Info)
		return m, nil

	case MsgRenewalWarning:
		m.state = stateRenewing
		m.addStatus(
			statusInfo,
			fmt.Sprintf("Session expires in %s, renewing...", formatDuration(msg.Remaining)),
		)
		return m, nil

	case MsgRenewalSucceeded:
		if m.state == stateRenewing {
			m.state = stateActive
		}
		m.addStatus(statusOK, "Session renewed")
		return m, nil

	case MsgNotice:
		if m.state == stateRenewing && msg.Notice.Level == notify.LevelWarning {
			m.state = stateActive
		}
		m.addStatus(noticeKind(msg.Notice.Level), msg.Notice.Title+": "+msg.Notice.Message)
		return m, m.showNotice(msg.Notice)

	case MsgAPICallOK:
		m.addStatus(
			statusOK,
			fmt.Sprintf("API call successful (%d, %s)", msg.Status, msg.Elapsed.Round(time.Millisecond)),
		)
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("API call failed: %v", msg.Err))
		return m, nil

	case MsgSessionTerminated:
		m.state = stateTerminated
		m.hasSession = false
		m.errMsg = msg.Err.Error()
		m.addStatus(statusErr, "Session terminated")
		return m, nil

	case MsgDone:
		m.setSession(msg.Info)
		m.state = stateDone
		return m, tea.Quit

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	return tea.NewView(m.render())
}

func (m Model) render() string {
	switch m.state {
	case stateDone:
		return m.viewDone()
	case stateError:
		return m.viewError()
	default:
		return m.viewMain()
	}
}

// viewMain is shown while the session is being kept.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  AuthGate Session Keeper  "))
	b.WriteString("\n")
	if m.serverURL != "" {
		b.WriteString(styleDim.Render(fmt.Sprintf("  %s · instance %s", m.serverURL, m.instance)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateLoggingIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Signing in as " + m.username + "...\n")

	case stateRenewing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Renewing session...\n")

	case stateTerminated:
		b.WriteString(styleErr.Render("  ✗ Session expired. Please sign in again."))
		b.WriteString("\n")
		b.WriteString(styleDim.Render("  " + m.errMsg))
		b.WriteString("\n")

	case stateActive:
		b.WriteString(styleOK.Render("  ● Session active"))
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	if m.hasSession {
		b.WriteString("\n")
		b.WriteString(m.viewSession())
	}

	for _, n := range m.notices {
		b.WriteString("\n")
		b.WriteString(styleNoticeBox.Render(noticeStyle(n.notice.Level).Render(n.notice.Title) +
			"\n" + n.notice.Message))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSession() string {
	var b strings.Builder

	b.WriteString(styleBold.Render("Access Token: "))
	b.WriteString(m.session.Preview + "\n")

	if m.session.Email != "" {
		b.WriteString(styleBold.Render("Account:      "))
		b.WriteString(m.session.Email + "\n")
	}

	b.WriteString(styleBold.Render("Expires In:   "))
	b.WriteString(formatDuration(m.session.ExpiresAt.Sub(m.now)) + "\n")

	if !m.session.NextRenewal.IsZero() {
		b.WriteString(styleBold.Render("Next Renewal: "))
		b.WriteString(formatDuration(m.session.NextRenewal.Sub(m.now)) + "\n")
	}
	return b.String()
}

// viewDone is shown after a clean shutdown.
func (m Model) viewDone() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Session kept until shutdown"))
	b.WriteString("\n\n")
	if m.hasSession {
		b.WriteString(m.viewSession())
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session keeper failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		case statusErr:
			b.WriteString(styleErr.Render("  ✗ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) setSession(info SessionInfo) {
	m.session = info
	m.hasSession = true
	if m.state != stateRenewing {
		m.state = stateActive
	}
}

// addStatus appends a line to the status log, keeping the latest maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if extra := len(m.statusLines) - maxStatusLines; extra > 0 {
		m.statusLines = m.statusLines[extra:]
	}
}

// showNotice puts n on screen. Timed notices schedule their own removal; persistent ones stay.
func (m *Model) showNotice(n notify.Notice) tea.Cmd {
	m.nextNotice++
	id := m.nextNotice
	m.notices = append(m.notices, activeNotice{id: id, notice: n})
	if n.Duration == notify.Persistent {
		return nil
	}
	return tea.Tick(n.Duration, func(time.Time) tea.Msg {
		return noticeExpiredMsg{id: id}
	})
}

func (m *Model) dropNotice(id int) {
	for i, n := range m.notices {
		if n.id == id {
			m.notices = append(m.notices[:i:i], m.notices[i+1:]...)
			return
		}
	}
}

func noticeKind(level notify.Level) statusKind {
	switch level {
	case notify.LevelSuccess:
		return statusOK
	case notify.LevelWarning:
		return statusWarn
	case notify.LevelError:
		return statusErr
	}
	return statusInfo
}

func noticeStyle(level notify.Level) lipgloss.Style {
	switch level {
	case notify.LevelSuccess:
		return styleOK.Bold(true)
	case notify.LevelWarning:
		return styleWarn.Bold(true)
	case notify.LevelError:
		return styleErr.Bold(true)
	}
	return styleBold
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
