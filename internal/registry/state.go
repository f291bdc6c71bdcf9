package registry

import "fmt"

// State is the lifecycle position of a download or explore request.
type State string

const (
	StateCreated      State = "created"
	StateAwaitingAck  State = "awaiting_ack"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateRejected     State = "rejected"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateFailed
}

// Reason qualifies a Rejected or Failed request.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonTimeout   Reason = "timeout"
	ReasonCancelled Reason = "cancelled"
	ReasonIntegrity Reason = "integrity"
	ReasonIO        Reason = "io"
	ReasonTransport Reason = "transport"
	ReasonTooLarge  Reason = "too-large"
	ReasonProtocol  Reason = "protocol"
)

// validTransitions is the transition matrix shared by downloads and explores.
// Every non-terminal state may fail.
var validTransitions = map[State]map[State]bool{
	StateCreated:      {StateAwaitingAck: true, StateFailed: true},
	StateAwaitingAck:  {StateTransferring: true, StateCompleted: true, StateRejected: true, StateFailed: true},
	StateTransferring: {StateCompleted: true, StateRejected: true, StateFailed: true},
	StateCompleted:    {},
	StateRejected:     {},
	StateFailed:       {},
}

// TransitionError reports a forbidden state change.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

func canTransition(from, to State) bool {
	return from == to || validTransitions[from][to]
}
