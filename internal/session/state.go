package session

import "fmt"

// State is the lifecycle state of a Session.
type State uint8

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Active reports whether a start attempt would be rejected.
func (s State) Active() bool {
	return s == StateStarting || s == StateStreaming || s == StateStopping
}
