package presentment

import "fmt"

// State is the state of a presentment session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateWaitingForSource
	StateProcessing
	StateWaitingForDocumentSelection
	StateWaitingForConsent
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateWaitingForSource:
		return "WAITING_FOR_SOURCE"
	case StateProcessing:
		return "PROCESSING"
	case StateWaitingForDocumentSelection:
		return "WAITING_FOR_DOCUMENT_SELECTION"
	case StateWaitingForConsent:
		return "WAITING_FOR_CONSENT"
	case StateCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the legal moves between states other than IDLE. Every state
// may return to IDLE, through reset, cancel or failure.
var transitions = map[State][]State{
	StateIdle:                        {StateConnecting},
	StateConnecting:                  {StateWaitingForSource},
	StateWaitingForSource:            {StateWaitingForConsent, StateWaitingForDocumentSelection},
	StateWaitingForDocumentSelection: {StateWaitingForConsent},
	StateWaitingForConsent:           {StateProcessing},
	StateProcessing:                  {StateCompleted},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	if to == StateIdle {
		return from != StateIdle
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateChange is published to subscribers on every transition. Err is set when the
// session returned to IDLE because of a failure.
type StateChange struct {
	Previous State
	State    State
	Err      error
}
