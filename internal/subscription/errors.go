package subscription

import (
	"errors"
	"fmt"
)

// Terminal and validation errors surfaced to stream consumers and callers.
var (
	ErrConnectionClosed     = errors.New("connection closed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrStreamClosed         = errors.New("stream closed")
	ErrUnsubscribed         = errors.New("unsubscribed")
	ErrEmptyTargets         = errors.New("at least one target id is required")
	ErrNoKinds              = errors.New("at least one message kind is required")
)

// SubscriptionError reports that the server rejected a directive.
type SubscriptionError struct {
	Reason string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription failed: %s", e.Reason)
}

// LaggedError reports that a slow consumer missed Count messages.
// The stream stays usable after it is returned.
type LaggedError struct {
	Count uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("stream lagged, %d messages dropped", e.Count)
}

// IsLagged reports whether err is a non-terminal lag notification.
func IsLagged(err error) bool {
	var lagged *LaggedError
	return errors.As(err, &lagged)
}
