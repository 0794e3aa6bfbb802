package session

import "fmt"

// State is the coarse status of one monitored assistant process.
type State string

const (
	StateIdle       State = "idle"
	StateWorking    State = "working"
	StateNeedsInput State = "needs_input"
	StateDone       State = "done"
)

// States lists every valid state in display order.
var States = []State{StateWorking, StateNeedsInput, StateIdle, StateDone}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateWorking, StateNeedsInput, StateDone:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// ParseState converts a stored or wire value back into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("session: unknown state %q", v)
	}
	return s, nil
}

// DetectionMethod records which update source last set a session's state.
type DetectionMethod string

const (
	// MethodPush marks state reported by the monitored process through a hook.
	MethodPush DetectionMethod = "push"
	// MethodPoll marks state inferred by scanning pane output.
	MethodPoll DetectionMethod = "poll"
)

// Valid reports whether m is push or poll.
func (m DetectionMethod) Valid() bool {
	return m == MethodPush || m == MethodPoll
}

// ParseDetectionMethod converts a stored value back into a DetectionMethod.
func ParseDetectionMethod(v string) (DetectionMethod, error) {
	m := DetectionMethod(v)
	if !m.Valid() {
		return "", fmt.Errorf("session: unknown detection method %q", v)
	}
	return m, nil
}
