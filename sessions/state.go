package sessions

// State is the lifecycle state of a session within one tab.
type State int

const (
	StateActive State = iota
	StateWarning
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// IsEnding reports whether the session has started ending (Ending or Ended).
func (s State) IsEnding() bool {
	return s == StateEnding || s == StateEnded
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateEnded
}
