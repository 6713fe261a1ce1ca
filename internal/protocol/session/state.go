package session

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("session: invalid state transition")

type State int32

const (
	StateConnecting State = iota
	StateEstablished
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Usable reports whether envelopes may be queued in this state.
func (s State) Usable() bool {
	return s == StateEstablished || s == StateDegraded
}

// A session object never returns to Connecting; reconnecting builds a new
// session.
var transitions = map[State][]State{
	StateConnecting:  {StateEstablished, StateClosed},
	StateEstablished: {StateDegraded, StateClosed},
	StateDegraded:    {StateEstablished, StateClosed},
}

func checkTransition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
