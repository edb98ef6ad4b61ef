package transport

// State is the lifecycle state of a SessionManager.
type State int32

const (
	// StateDisconnected: not connected and not trying. Initial state, and
	// the state after the retry budget runs out with auto-reconnect off.
	StateDisconnected State = iota

	// StateConnecting: first connection attempt in progress.
	StateConnecting

	// StateConnected: a live broker connection exists.
	StateConnected

	// StateReconnecting: waiting for, or performing, a reconnect attempt.
	StateReconnecting

	// StateClosed: stopped. Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
