// Package router owns the per-group voice presence state machine: deciding which channel
// the participant should occupy and executing join/move/disconnect with the guards that
// keep it from oscillating, parking in safe channels, or reconnect-storming.
package router

// State is a group session's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Moving
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Moving:
		return "moving"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
