package config

import (
	"errors"
	"fmt"
	"log/slog"
)

// Validate checks that all required fields are set and values are valid.
// Database and recorder settings are checked by ValidateRecorder.
func (c *Config) Validate() error {
	if err := c.Log.validate(); err != nil {
		return err
	}

	if c.API.WSURL == "" {
		return errors.New("api.ws_url is required")
	}
	if c.API.HasCredentials() {
		if c.API.APIKey == "" {
			return errors.New("api.api_key is required when credentials are set")
		}
		if c.API.Secret == "" {
			return errors.New("api.secret is required when credentials are set")
		}
		if c.API.Passphrase == "" {
			return errors.New("api.passphrase is required when credentials are set")
		}
	}

	conn := &c.Connection
	if conn.HeartbeatInterval <= 0 {
		return errors.New("connection.heartbeat_interval must be > 0")
	}
	if conn.HeartbeatTimeout <= conn.HeartbeatInterval {
		return fmt.Errorf("connection.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			conn.HeartbeatTimeout, conn.HeartbeatInterval)
	}
	if conn.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}
	if conn.MaxAttempts < 0 {
		return errors.New("connection.max_attempts must be >= 0")
	}
	if conn.InitialBackoff <= 0 {
		return errors.New("connection.initial_backoff must be > 0")
	}
	if conn.MaxBackoff < conn.InitialBackoff {
		return fmt.Errorf("connection.max_backoff (%s) cannot be less than initial_backoff (%s)",
			conn.MaxBackoff, conn.InitialBackoff)
	}
	if conn.BackoffMultiplier < 1 {
		return errors.New("connection.backoff_multiplier must be >= 1")
	}
	if conn.Jitter < 0 || conn.Jitter >= 1 {
		return fmt.Errorf("connection.jitter must be in [0, 1), got %g", conn.Jitter)
	}

	if c.Streams.BufferSize < 1 {
		return errors.New("streams.buffer_size must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

// ValidateRecorder checks the settings the record command needs on top of Validate.
func (c *Config) ValidateRecorder() error {
	if err := c.Database.Timescale.validate("database.timescale"); err != nil {
		return err
	}
	if c.Recorder.BatchSize < 1 {
		return errors.New("recorder.batch_size must be >= 1")
	}
	if c.Recorder.FlushInterval <= 0 {
		return errors.New("recorder.flush_interval must be > 0")
	}
	if c.Recorder.BufferSize < 1 {
		return errors.New("recorder.buffer_size must be >= 1")
	}
	return nil
}

func (l LogConfig) validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return fmt.Errorf("log.level %q is invalid", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
