// Package bridge drives VIO interfaces: each one owns a producer channel,
// two output topics and the lifecycle that decides when records flow.
package bridge

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned by lifecycle operations that the
// current state does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the lifecycle state of an interface.
type State int32

const (
	// StateNew is the state before the first AdvertiseTopics.
	StateNew State = iota
	// StateAdvertised means topics exist but records are not processed.
	StateAdvertised
	// StateRunning means the channel is open and records are published.
	StateRunning
	// StateCleaned is terminal; topics and messages have been released.
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAdvertised:
		return "advertised"
	case StateRunning:
		return "running"
	case StateCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type event int

const (
	evAdvertise event = iota
	evStart
	evStop
	evDisconnect
	evClean
)

func (e event) String() string {
	return [...]string{"advertise", "start", "stop", "disconnect", "clean"}[e]
}

// transition is the single legal transition table. ok is false when the
// event does not move the machine from the given state.
func transition(from State, ev event) (to State, ok bool) {
	switch ev {
	case evAdvertise:
		if from != StateCleaned {
			return StateAdvertised, true
		}
	case evStart:
		if from == StateAdvertised {
			return StateRunning, true
		}
	case evStop, evDisconnect:
		if from == StateRunning {
			return StateAdvertised, true
		}
	case evClean:
		if from != StateCleaned {
			return StateCleaned, true
		}
	}
	return from, false
}

func invalid(from State, ev event) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
}
