package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/polymarket-data/internal/metrics"
	"github.com/rickgao/polymarket-data/internal/subscription"
)

// Connection keeps one logical channel connected. It dials lazily on the
// first subscription, reconnects with backoff, replays the registry after
// every handshake and feeds parsed frames to its handler.
type Connection struct {
	cfg       Config
	logger    *slog.Logger
	dial      Dialer
	parser    Parser
	augmenter Augmenter
	label     string

	outbox  *outbox
	handler subscription.Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	state   State
	live    Client
	started bool
	closed  bool

	sessions    atomic.Int64
	reconnects  atomic.Int64
	frames      atomic.Int64
	parseErrors atomic.Int64
	directives  atomic.Int64
	delay       atomic.Int64
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the WebSocket client factory.
func WithDialer(dial Dialer) Option {
	return func(c *Connection) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithAugmenter decorates outbound directives.
func WithAugmenter(a Augmenter) Option {
	return func(c *Connection) {
		c.augmenter = a
	}
}

// New creates a connection. Nothing is dialed until Start.
func New(cfg Config, parser Parser, opts ...Option) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:    cfg,
		logger: slog.Default(),
		dial:   NewClient,
		parser: parser,
		label:  cfg.Channel.String(),
		outbox: newOutbox(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("channel", c.label)
	metrics.ConnectionState.WithLabelValues(c.label).Set(float64(StateDisconnected))
	return c
}

// Start launches the reconnect loop with h as the event handler. Only the
// first call has an effect. After Close, h is closed with
// ErrConnectionClosed instead.
func (c *Connection) Start(h subscription.Handler) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h.CloseAll(subscription.ErrConnectionClosed)
		return
	}
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.handler = h
	c.mu.Unlock()

	go c.run()
}

// Send queues a directive for the live session. It never blocks.
func (c *Connection) Send(d subscription.Directive) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return subscription.ErrConnectionClosed
	}
	return c.outbox.push(d)
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the connection has shut down for good.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Stats returns current statistics.
func (c *Connection) Stats() Stats {
	c.mu.RLock()
	state, live := c.state, c.live
	c.mu.RUnlock()

	stats := Stats{
		State:          state,
		Sessions:       c.sessions.Load(),
		Reconnects:     c.reconnects.Load(),
		Frames:         c.frames.Load(),
		ParseErrors:    c.parseErrors.Load(),
		DirectivesSent: c.directives.Load(),
		Backoff:        time.Duration(c.delay.Load()),
	}
	if live != nil && live.IsConnected() {
		stats.Heartbeat = live.Heartbeat()
	}
	return stats
}

// Close shuts the connection down and ends every stream with
// ErrConnectionClosed. It waits for the reconnect loop to exit.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.logger.Info("closing connection")
	c.cancel()

	if started {
		<-c.done
		return nil
	}

	c.setState(State{Kind: StateClosed})
	close(c.done)
	return nil
}

// run is the reconnect state machine.
func (c *Connection) run() {
	defer close(c.done)
	defer c.shutdown()

	backoff := NewBackoff(c.cfg.Reconnect)

	for {
		c.setState(State{Kind: StateConnecting, Attempt: backoff.Attempt()})

		client := c.dial(c.cfg.Client, c.logger)
		err := client.Connect(c.ctx)
		if err == nil {
			backoff.Reset()
			c.delay.Store(int64(backoff.Current()))
			c.sessions.Add(1)
			metrics.SessionsTotal.WithLabelValues(c.label).Inc()

			err = c.session(client)
			client.Close()
			if c.ctx.Err() != nil {
				return
			}

			reason := "error"
			if errors.Is(err, ErrTimeout) {
				reason = "timeout"
			}
			metrics.DisconnectsTotal.WithLabelValues(c.label, reason).Inc()
			c.logger.Warn("connection lost", "reason", reason, "error", err)
		} else {
			client.Close()
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("connect failed",
				"url", c.cfg.Client.URL,
				"attempt", backoff.Attempt()+1,
				"error", err,
			)
		}

		delay, ok := backoff.Next()
		if !ok {
			c.logger.Error("reconnect attempts exhausted",
				"attempts", backoff.Attempt(),
				"max_attempts", c.cfg.Reconnect.MaxAttempts,
			)
			return
		}

		c.delay.Store(int64(backoff.Current()))
		c.reconnects.Add(1)
		metrics.ReconnectsTotal.WithLabelValues(c.label).Inc()
		c.setState(State{Kind: StateReconnecting, Attempt: backoff.Attempt(), NextDelay: delay})
		c.logger.Info("attempting reconnection", "attempt", backoff.Attempt(), "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session serves one live socket until it fails. Subscriptions are replayed
// before the first inbound frame is read.
func (c *Connection) session(client Client) error {
	if c.augmenter != nil {
		c.augmenter.Reset()
	}
	c.outbox.open()
	defer c.outbox.shut()

	c.mu.Lock()
	c.live = client
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.live = nil
		c.mu.Unlock()
	}()

	c.setState(State{Kind: StateConnected})
	c.logger.Info("connected", "url", c.cfg.Client.URL)

	c.handler.ReplayAll()

	writeErr := make(chan error, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(client, stop, writeErr)
	}()
	defer func() {
		close(stop)
		client.Close()
		wg.Wait()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case err := <-client.Errors():
			return err
		case err := <-writeErr:
			return err
		case msg, ok := <-client.Messages():
			if !ok {
				return ErrNotConnected
			}
			c.handleFrame(msg)
		}
	}
}

// writeLoop drains the outbox into the socket in FIFO order.
func (c *Connection) writeLoop(client Client, stop <-chan struct{}, errc chan<- error) {
	for {
		select {
		case <-stop:
			return
		case <-c.outbox.ready:
		}

		for _, d := range c.outbox.drain() {
			if c.augmenter != nil {
				if err := c.augmenter.Augment(&d); err != nil {
					c.logger.Error("failed to augment directive, dropping",
						"operation", d.Operation,
						"error", err,
					)
					continue
				}
			}

			data, err := json.Marshal(d)
			if err != nil {
				c.logger.Error("failed to encode directive", "error", err)
				continue
			}

			if err := client.Send(data); err != nil {
				select {
				case errc <- err:
				default:
				}
				return
			}

			c.directives.Add(1)
			metrics.DirectivesTotal.WithLabelValues(c.label, string(d.Operation)).Inc()
			c.logger.Debug("directive written",
				"operation", d.Operation,
				"targets", len(d.Targets),
				"auth", d.Auth != nil,
			)
		}
	}
}

func (c *Connection) handleFrame(msg TimestampedMessage) {
	c.frames.Add(1)
	metrics.FramesTotal.WithLabelValues(c.label).Inc()

	events, err := c.parser.Parse(msg.Data)
	if err != nil {
		c.parseErrors.Add(1)
		metrics.ParseErrorsTotal.WithLabelValues(c.label).Inc()
		c.logger.Warn("failed to parse message", "error", err, "size", len(msg.Data))
		return
	}
	if len(events) == 0 {
		return
	}

	for i := range events {
		events[i].ReceivedAt = msg.ReceivedAt
	}
	c.handler.Dispatch(events)
}

// shutdown runs once when the reconnect loop exits.
func (c *Connection) shutdown() {
	c.outbox.shut()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.setState(State{Kind: StateClosed})
	c.handler.CloseAll(subscription.ErrConnectionClosed)
	c.logger.Info("connection closed")
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	metrics.ConnectionState.WithLabelValues(c.label).Set(float64(s.Kind))
	if prev.Kind != s.Kind {
		c.logger.Debug("state changed", "from", prev, "to", s)
	}
}
