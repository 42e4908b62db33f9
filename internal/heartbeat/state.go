package heartbeat

// State is the connection phase of a Channel.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StateNames lists every state label, used for the connection state gauge.
func StateNames() []string {
	return []string{Idle.String(), Connecting.String(), Connected.String(), Disconnected.String()}
}

var transitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {Connected, Disconnected, Idle},
	Connected:    {Disconnected, Idle},
	Disconnected: {Connecting, Idle},
}

// CanTransition reports whether from -> to is a legal move. Staying in the
// same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
