package session

// State is the coordinator's session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// allowedTransitions is the complete edge set. Anything missing is refused.
// ready is reachable from connected/reconnecting when a host's viewer leaves.
var allowedTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateReady, StateConnected, StateError, StateDisconnected},
	StateReady:        {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateReconnecting, StateReady, StateError, StateDisconnected},
	StateReconnecting: {StateConnected, StateReady, StateError, StateDisconnected},
	StateError:        {StateDisconnected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is emitted on every accepted transition.
type StateChange struct {
	From State
	To   State
	// Err is set when To is StateError.
	Err error
}

// Role is the part this node plays in the current session.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleViewer:
		return "viewer"
	default:
		return "none"
	}
}
