package connection

import (
	"sync"
	"time"
)

// HeartbeatState is a snapshot of the liveness probe timing.
type HeartbeatState struct {
	LastPingSent     time.Time
	LastPongReceived time.Time
	Interval         time.Duration
	Timeout          time.Duration
}

// Expired reports whether no pong has been seen for longer than the timeout.
func (s HeartbeatState) Expired(now time.Time) bool {
	return now.Sub(s.LastPongReceived) > s.Timeout
}

// heartbeat tracks PING/PONG timing for one socket.
type heartbeat struct {
	mu    sync.Mutex
	state HeartbeatState
}

// newHeartbeat starts the clock at now, so a fresh socket gets a full timeout
// before its first pong is due.
func newHeartbeat(interval, timeout time.Duration, now time.Time) *heartbeat {
	return &heartbeat{state: HeartbeatState{
		LastPingSent:     now,
		LastPongReceived: now,
		Interval:         interval,
		Timeout:          timeout,
	}}
}

func (h *heartbeat) pingSent(at time.Time) {
	h.mu.Lock()
	h.state.LastPingSent = at
	h.mu.Unlock()
}

func (h *heartbeat) pongReceived(at time.Time) {
	h.mu.Lock()
	h.state.LastPongReceived = at
	h.mu.Unlock()
}

func (h *heartbeat) expired(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Expired(now)
}

func (h *heartbeat) snapshot() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
