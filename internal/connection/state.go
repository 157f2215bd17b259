package connection

import (
	"fmt"
	"time"
)

// StateKind enumerates connection states.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (k StateKind) String() string {
	switch k {
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

// State is the connection state. Attempt and NextDelay are set while
// reconnecting.
type State struct {
	Kind      StateKind
	Attempt   int
	NextDelay time.Duration
}

func (s State) String() string {
	if s.Kind == StateReconnecting {
		return fmt.Sprintf("reconnecting(attempt=%d, next=%s)", s.Attempt, s.NextDelay)
	}
	return s.Kind.String()
}

// IsConnected reports whether the state is Connected.
func (s State) IsConnected() bool {
	return s.Kind == StateConnected
}

// IsTerminal reports whether the connection has shut down for good.
func (s State) IsTerminal() bool {
	return s.Kind == StateClosed
}
