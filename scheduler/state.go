package scheduler

// State is a scheduler's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateCompleted
	StateSkipped
	StateIntercepted
	StateNotApplicable
	StateEscalated
	// StateInert: the page is not part of a task; nothing runs.
	StateInert
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateCompleted:
		return "completed"
	case StateSkipped:
		return "skipped"
	case StateIntercepted:
		return "intercepted"
	case StateNotApplicable:
		return "not_applicable"
	case StateEscalated:
		return "escalated"
	case StateInert:
		return "inert"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s != StateIdle && s != StateArmed
}
