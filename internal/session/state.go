// Package session owns the agent session lifecycle: the state machine,
// the credential-conflict guard, the launch protocol with bounded
// retries, and the registry that maps agents to live platform
// connections.
package session

// State is one position in the session lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateVerifying  State = "verifying"
	StateActive     State = "active"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// validTransition reports whether a session may move from one state to
// the next. Connecting and Verifying loop back to Connecting on each
// retry attempt; Failed is reachable from any launch state, including
// Idle when the credential claim itself fails. Stopped and Failed are
// terminal for the session object; a restarted agent gets a fresh
// session at Idle.
func validTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateConnecting || to == StateFailed || to == StateStopped
	case StateConnecting:
		return to == StateVerifying || to == StateConnecting || to == StateFailed || to == StateStopped
	case StateVerifying:
		return to == StateActive || to == StateConnecting || to == StateFailed || to == StateStopped
	case StateActive:
		return to == StateStopping
	case StateStopping:
		return to == StateStopped
	}
	return false
}
