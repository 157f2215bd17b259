package connection

import (
	"errors"
	"time"

	"github.com/rickgao/polymarket-data/internal/subscription"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrTimeout       = errors.New("heartbeat timeout")
	ErrAlreadyClosed = errors.New("already closed")
)

// Heartbeat frames are bare text, not JSON.
var (
	pingFrame = []byte("PING")
	pongFrame = []byte("PONG")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Parser turns one inbound frame into events. A returned error marks the
// frame as malformed; it is logged and dropped.
type Parser interface {
	Parse(data []byte) ([]subscription.Event, error)
}

// Augmenter decorates outbound directives, e.g. with credentials.
// Reset is called at the start of every session.
type Augmenter interface {
	Reset()
	Augment(d *subscription.Directive) error
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL               string        // WebSocket URL (e.g., wss://ws-subscriptions-clob.polymarket.com/ws/market)
	HeartbeatInterval time.Duration // How often a PING frame is sent
	HeartbeatTimeout  time.Duration // Max time without PONG before the socket is considered dead
	HandshakeTimeout  time.Duration // Dial handshake deadline
	WriteTimeout      time.Duration // Write deadline for sends
	BufferSize        int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        10000,
	}
}

// ReconnectConfig controls the reconnect backoff.
type ReconnectConfig struct {
	MaxAttempts       int           // Consecutive failed attempts before giving up (0 = unbounded)
	InitialBackoff    time.Duration // Delay before the first retry
	MaxBackoff        time.Duration // Upper bound on any delay
	BackoffMultiplier float64       // Growth factor per failed attempt
	Jitter            float64       // Randomization factor in [0, 1)
}

// DefaultReconnectConfig returns sensible defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Config configures a Connection.
type Config struct {
	Client    ClientConfig
	Reconnect ReconnectConfig
	Channel   subscription.Channel
}

// DefaultConfig returns sensible defaults for channel at url.
func DefaultConfig(url string, channel subscription.Channel) Config {
	client := DefaultClientConfig()
	client.URL = url
	return Config{
		Client:    client,
		Reconnect: DefaultReconnectConfig(),
		Channel:   channel,
	}
}

// Stats provides statistics about a connection.
type Stats struct {
	State          State
	Sessions       int64
	Reconnects     int64
	Frames         int64
	ParseErrors    int64
	DirectivesSent int64
	Backoff        time.Duration  // Last reconnect delay; zero once a session is up
	Heartbeat      HeartbeatState // Zero unless a socket is live
}
