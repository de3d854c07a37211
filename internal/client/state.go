// ABOUTME: Connection state enum for the transport session
// ABOUTME: Disconnected, Connecting, Connected, Reconnecting and Closed
package client

// State is the connection state
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further connection attempts will be made
func (s State) Terminal() bool {
	return s == Disconnected || s == Closed
}
