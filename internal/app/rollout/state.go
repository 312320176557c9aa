package rollout

// State is the promotion state machine's tagged state. RollingBack and
// Promoted are terminal.
type State int

const (
	StateIdle State = iota
	StateAdvancing
	StateSoaking
	StateRollingBack
	StatePromoted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAdvancing:
		return "Advancing"
	case StateSoaking:
		return "Soaking"
	case StateRollingBack:
		return "RollingBack"
	case StatePromoted:
		return "Promoted"
	default:
		return "Unknown"
	}
}

func (s State) terminal() bool {
	return s == StateRollingBack || s == StatePromoted
}
