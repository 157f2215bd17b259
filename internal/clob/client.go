package clob

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/rickgao/polymarket-data/internal/auth"
	"github.com/rickgao/polymarket-data/internal/connection"
	"github.com/rickgao/polymarket-data/internal/router"
	"github.com/rickgao/polymarket-data/internal/subscription"
)

// DefaultEndpoint is the production WebSocket base URL.
const DefaultEndpoint = "wss://ws-subscriptions-clob.polymarket.com"

// Channel paths appended to the endpoint.
const (
	MarketPath = "/ws/market"
	UserPath   = "/ws/user"
)

// Config configures a Client.
type Config struct {
	Endpoint    string
	Client      connection.ClientConfig
	Reconnect   connection.ReconnectConfig
	BufferSize  int               // Per-stream buffer; 0 uses subscription.DefaultBufferSize
	Credentials *auth.Credentials // Required for the user channel
	SendSecret  bool              // Include the raw secret in the user auth block
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:   DefaultEndpoint,
		Client:     connection.DefaultClientConfig(),
		Reconnect:  connection.DefaultReconnectConfig(),
		BufferSize: subscription.DefaultBufferSize,
	}
}

// Client multiplexes typed streams over one connection per channel.
// Connections are created on first use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   connection.Dialer

	mu       sync.Mutex
	channels map[subscription.Channel]*channel
	closed   bool
}

// channel bundles the pieces serving one channel.
type channel struct {
	conn    *connection.Connection
	manager *subscription.Manager
}

// Interest lets the parser see what the manager's streams want.
func (ch *channel) Interest() subscription.Kind {
	return ch.manager.Interest()
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the WebSocket client factory of every connection.
func WithDialer(dial connection.Dialer) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// New creates a client. Nothing is dialed until the first subscription.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		logger:   slog.Default(),
		channels: make(map[subscription.Channel]*channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChannelURL joins the endpoint with a channel path. A path already present
// on the endpoint is replaced.
func ChannelURL(endpoint string, ch subscription.Channel) string {
	base := strings.TrimRight(endpoint, "/")
	for _, suffix := range []string{MarketPath, UserPath, "/ws"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	if ch == subscription.ChannelUser {
		return base + UserPath
	}
	return base + MarketPath
}

func (c *Client) channel(kind subscription.Channel) (*channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, subscription.ErrConnectionClosed
	}
	if ch, ok := c.channels[kind]; ok {
		return ch, nil
	}
	if kind == subscription.ChannelUser && c.cfg.Credentials == nil {
		return nil, auth.ErrMissingCredentials
	}

	logger := c.logger.With("channel", kind.String())

	cfg := connection.Config{
		Client:    c.cfg.Client,
		Reconnect: c.cfg.Reconnect,
		Channel:   kind,
	}
	cfg.Client.URL = ChannelURL(c.cfg.Endpoint, kind)

	ch := &channel{}
	opts := []connection.Option{
		connection.WithLogger(c.logger),
		connection.WithDialer(c.dial),
	}
	if kind == subscription.ChannelUser {
		opts = append(opts, connection.WithAugmenter(auth.NewAugmenter(
			c.cfg.Credentials,
			auth.WithSecret(c.cfg.SendSecret),
			auth.WithLogger(logger),
		)))
	}

	ch.conn = connection.New(cfg, router.NewParser(kind, ch), opts...)
	ch.manager = subscription.NewManager(ch.conn,
		subscription.WithLogger(logger),
		subscription.WithBufferSize(c.cfg.BufferSize),
	)
	c.channels[kind] = ch

	logger.Debug("channel created", "url", cfg.Client.URL)
	return ch, nil
}

// existing returns the channel if it was ever created.
func (c *Client) existing(kind subscription.Channel) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[kind]
}

// Subscribe opens an untyped subscription.
func (c *Client) Subscribe(ctx context.Context, req subscription.Request) (*subscription.Subscription, error) {
	ch, err := c.channel(req.Channel)
	if err != nil {
		return nil, err
	}
	return ch.manager.Subscribe(ctx, req)
}

// Unsubscribe releases one reference per id on a channel.
func (c *Client) Unsubscribe(kind subscription.Channel, ids []string) error {
	if len(ids) == 0 {
		return subscription.ErrEmptyTargets
	}
	ch := c.existing(kind)
	if ch == nil {
		return nil
	}
	return ch.manager.Unsubscribe(kind, ids)
}

// Connect dials a channel ahead of the first subscription. It does not wait
// for the handshake; watch ConnectionState for that.
func (c *Client) Connect(kind subscription.Channel) error {
	ch, err := c.channel(kind)
	if err != nil {
		return err
	}
	ch.conn.Start(ch.manager)
	return nil
}

// ConnectionState reports the state of a channel's connection.
func (c *Client) ConnectionState(kind subscription.Channel) connection.State {
	ch := c.existing(kind)
	if ch == nil {
		return connection.State{Kind: connection.StateDisconnected}
	}
	return ch.conn.State()
}

// ChannelStats reports connection and manager statistics. ok is false if
// the channel was never used.
func (c *Client) ChannelStats(kind subscription.Channel) (conn connection.Stats, streams subscription.ManagerStats, ok bool) {
	ch := c.existing(kind)
	if ch == nil {
		return connection.Stats{}, subscription.ManagerStats{}, false
	}
	return ch.conn.Stats(), ch.manager.Stats(), true
}

// SubscriptionCount returns the number of live server-side subscriptions
// across channels.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, ch := range c.channels {
		n += ch.manager.Registry().Len()
	}
	return n
}

// Close shuts every connection down. Live streams end with
// subscription.ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.conn.Close()
	}
	return nil
}
