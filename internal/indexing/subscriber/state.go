package subscriber

import (
	"errors"
	"slices"
	"time"
)

// State is the subscriber lifecycle state.
type State string

const (
	StateConnecting  State = "connecting"
	StateStreaming   State = "streaming"
	StateReconciling State = "reconciling"
	StateFailed      State = "failed"
)

// States lists every state, for metrics.
var States = []State{StateConnecting, StateStreaming, StateReconciling, StateFailed}

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateConnecting:  {StateStreaming, StateFailed},
	StateStreaming:   {StateReconciling, StateConnecting, StateFailed},
	StateReconciling: {StateStreaming, StateConnecting, StateFailed},
	StateFailed:      {},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// Description returns a human-readable description of a state.
func (s State) Description() string {
	switch s {
	case StateConnecting:
		return "Connecting - opening a head subscription"
	case StateStreaming:
		return "Streaming - persisting announced heads"
	case StateReconciling:
		return "Reconciling - repairing a reorganized suffix"
	case StateFailed:
		return "Failed - stopped after a fatal error"
	default:
		return "Unknown state"
	}
}
