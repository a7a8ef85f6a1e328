package livetalk

import (
	"fmt"

	"github.com/MrWong99/livetalk/pkg/transcript"
)

// State is a position in the session lifecycle.
//
//	Idle ─Start→ Connecting ─open→ Listening
//	   any ─error→ Error,  any ─close/End→ Closed
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions except End can happen.
func (s State) Terminal() bool { return s == StateError || s == StateClosed }

// Status lines shown next to the session.
const (
	StatusIdle       = ""
	StatusConnecting = "Connecting…"
	StatusListening  = "Connected. Speak now!"
	StatusError      = "Error"
	StatusFailed     = "Failed to start"
	StatusEnded      = "Session ended."
)

// Snapshot is a consistent view of a controller at one instant.
type Snapshot struct {
	State  State
	Status string

	// Error is the user-facing error message, empty unless State is
	// StateError.
	Error string

	// Entries are the finalized transcript turns so far.
	Entries []transcript.Entry
}
