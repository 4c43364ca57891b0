package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionActive is returned by Start while a session is connecting,
// active or closing.
var ErrSessionActive = errors.New("session: already active")

// State is the lifecycle position of a [Controller].
type State int

const (
	Idle State = iota
	Connecting
	Active
	Closing
	Closed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// busy reports whether Start must be refused.
func (s State) busy() bool {
	return s == Connecting || s == Active || s == Closing
}

// Snapshot is a point-in-time copy of the session's observable state.
type Snapshot struct {
	// ID is empty until the first Start.
	ID string

	State State

	// Speaking is true while the model is mid-turn.
	Speaking bool

	StartedAt time.Time

	// ClosedAt is zero while the session is open.
	ClosedAt time.Time

	// LastError is nil after a clean close.
	LastError error
}
