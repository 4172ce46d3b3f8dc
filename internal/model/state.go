package model

// State is a MediaRequest lifecycle state
type State string

const (
	StateSubmitted        State = "submitted"
	StateEnriching        State = "enriching"
	StateDeduplicated     State = "deduplicated"
	StateAlreadyAvailable State = "already_available"
	StatePending          State = "pending"
	StateFailed           State = "failed"
)

var transitions = map[State][]State{
	StateSubmitted: {StateEnriching},
	StateEnriching: {StateDeduplicated, StateAlreadyAvailable, StatePending, StateFailed},
	StatePending:   {StateAlreadyAvailable},
}

// Terminal reports whether no further transitions leave this state
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Active is the opposite of Terminal. Only active requests take part in deduplication.
func (s State) Active() bool {
	return !s.Terminal()
}

// CanTransition reports whether from → to is an edge of the lifecycle
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState returns the state named by s
func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case StateSubmitted, StateEnriching, StateDeduplicated, StateAlreadyAvailable, StatePending, StateFailed:
		return st, true
	}
	return "", false
}

// ActiveStates lists the states that take part in deduplication
func ActiveStates() []State {
	return []State{StateSubmitted, StateEnriching, StatePending}
}
