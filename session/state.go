package session

import (
	"time"

	"github.com/go-authgate/tokenkeeper/renewal"
)

// State is the session state as an application would present it. StateRetryScheduled follows
// a recoverable renewal failure while the old credential is kept.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateValid           State = "valid"
	StateNearExpiry      State = "near_expiry"
	StateRenewing        State = "renewing"
	StateRetryScheduled  State = "retry_scheduled"
	StateTerminated      State = "terminated"
)

// State derives the session state from the coordinator view.
func (m *Manager) State() State {
	return stateOf(m.coordinator.Status(), time.Now(), m.scheduler.Buffer())
}

func stateOf(st renewal.Status, now time.Time, buffer time.Duration) State {
	switch {
	case st.Phase == renewal.PhaseTerminated:
		return StateTerminated
	case st.Phase == renewal.PhaseInactive, st.Phase == renewal.PhaseStopped:
		return StateUnauthenticated
	case st.Renewing:
		return StateRenewing
	case st.Attempts > 0:
		return StateRetryScheduled
	case st.ExpiresAt.Sub(now) <= buffer:
		return StateNearExpiry
	}
	return StateValid
}
