package config

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/rickgao/polymarket-data/internal/auth"
	"github.com/rickgao/polymarket-data/internal/clob"
	"github.com/rickgao/polymarket-data/internal/connection"
	"github.com/rickgao/polymarket-data/internal/subscription"
)

// ToClientConfig maps the connection section onto a WebSocket client config.
// The URL is left empty.
func (c *Config) ToClientConfig() connection.ClientConfig {
	return connection.ClientConfig{
		HeartbeatInterval: c.Connection.HeartbeatInterval,
		HeartbeatTimeout:  c.Connection.HeartbeatTimeout,
		HandshakeTimeout:  c.Connection.HandshakeTimeout,
		WriteTimeout:      c.Connection.WriteTimeout,
		BufferSize:        c.Connection.BufferSize,
	}
}

// ToReconnectConfig maps the connection section onto a reconnect policy.
func (c *Config) ToReconnectConfig() connection.ReconnectConfig {
	return connection.ReconnectConfig{
		MaxAttempts:       c.Connection.MaxAttempts,
		InitialBackoff:    c.Connection.InitialBackoff,
		MaxBackoff:        c.Connection.MaxBackoff,
		BackoffMultiplier: c.Connection.BackoffMultiplier,
		Jitter:            c.Connection.Jitter,
	}
}

// ToConnectionConfig builds the core config of one channel.
func (c *Config) ToConnectionConfig(ch subscription.Channel) connection.Config {
	client := c.ToClientConfig()
	client.URL = clob.ChannelURL(c.API.WSURL, ch)
	return connection.Config{
		Client:    client,
		Reconnect: c.ToReconnectConfig(),
		Channel:   ch,
	}
}

// ToClobConfig builds the client facade config. Credentials are parsed only
// when the api section carries them.
func (c *Config) ToClobConfig() (clob.Config, error) {
	cfg := clob.Config{
		Endpoint:   c.API.WSURL,
		Client:     c.ToClientConfig(),
		Reconnect:  c.ToReconnectConfig(),
		BufferSize: c.Streams.BufferSize,
		SendSecret: c.API.SendSecret,
	}
	if c.API.HasCredentials() {
		creds, err := auth.NewCredentials(c.API.APIKey, c.API.Secret, c.API.Passphrase)
		if err != nil {
			return clob.Config{}, fmt.Errorf("load api credentials: %w", err)
		}
		cfg.Credentials = creds
	}
	return cfg, nil
}

// NewLogger builds the process logger described by the log section.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
