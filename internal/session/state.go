package session

import "fmt"

// State is the lifecycle of a live connection.
//
//	Disconnected → Connecting → Connected → Disconnected (manual stop)
//	                               └→ Reconnecting → Connecting … → Errored
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange describes one transition of a [Transport].
type StateChange struct {
	From, To State

	// Attempt is the reconnect attempt scheduled or in progress; 0 outside
	// reconnection.
	Attempt int

	// Err is the failure that caused the transition, if any.
	Err error
}
