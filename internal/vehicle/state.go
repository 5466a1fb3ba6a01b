package vehicle

import (
	"errors"
	"fmt"
	"strings"
)

// State is the vehicle operating state. Exactly one state is current at any
// time. The legal transitions are:
//
// NotReadyToFly   -> ReadyToFly
// ReadyToFly      -> Armed | OneDofTestReady
// Armed           -> Flying | Disarmed
// Flying          -> Disarmed
// OneDofTestReady -> Disarmed
// Disarmed        -> ReadyToFly | Disarmed (no-op)
// any             -> Exiting
//
// Running marks that process execution has begun. It is never entered by the
// state machine and only leaves towards Exiting.
type State uint8

const (
	NotReadyToFly State = iota
	ReadyToFly
	Armed
	Flying
	OneDofTestReady
	Disarmed
	Running
	Exiting
)

var (
	// ErrIllegalTransition is returned when a requested state change is not
	// in the legal transition table.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrActuationInhibited is returned when actuation is requested while
	// the current state does not permit actuator authority.
	ErrActuationInhibited = errors.New("actuation inhibited")
)

var stateNames = map[State]string{
	NotReadyToFly:   "not-ready-to-fly",
	ReadyToFly:      "ready-to-fly",
	Armed:           "armed",
	Flying:          "flying",
	OneDofTestReady: "one-dof-test-ready",
	Disarmed:        "disarmed",
	Running:         "running",
	Exiting:         "exiting",
}

// legal maps a state to the set of states it may move to, Exiting aside.
var legal = map[State][]State{
	NotReadyToFly:   {ReadyToFly},
	ReadyToFly:      {Armed, OneDofTestReady},
	Armed:           {Flying, Disarmed},
	Flying:          {Disarmed},
	OneDofTestReady: {Disarmed},
	Disarmed:        {ReadyToFly},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// PermitsActuation reports whether actuator commands with non-zero authority
// may be issued in this state.
func (s State) PermitsActuation() bool {
	return s == Armed || s == Flying || s == OneDofTestReady
}

// States returns every defined state in declaration order.
func States() []State {
	return []State{NotReadyToFly, ReadyToFly, Armed, Flying, OneDofTestReady, Disarmed, Running, Exiting}
}

// ParseState parses a state name as returned by State.String.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state '%s'", name)
}

// IllegalTransitionError describes a rejected state change.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Transition validates a state change against the legal transition table and
// returns the resulting state. On failure the returned state is from.
func Transition(from, to State) (State, error) {
	if _, ok := stateNames[to]; !ok {
		return from, &IllegalTransitionError{From: from, To: to}
	}
	if to == Exiting {
		return Exiting, nil
	}
	if from == Disarmed && to == Disarmed {
		return Disarmed, nil
	}
	for _, s := range legal[from] {
		if s == to {
			return to, nil
		}
	}
	return from, &IllegalTransitionError{From: from, To: to}
}
