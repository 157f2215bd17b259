package config

import "time"

// Config is the root configuration for a polystream instance.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Connection ConnectionConfig `yaml:"connection"`
	Streams    StreamsConfig    `yaml:"streams"`
	Database   DatabaseConfig   `yaml:"database"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// APIConfig holds CLOB endpoint and credential settings.
type APIConfig struct {
	WSURL      string `yaml:"ws_url"`
	APIKey     string `yaml:"api_key"`    // UUID issued with the L2 credentials
	Secret     string `yaml:"secret"`     // URL-safe base64 HMAC secret
	Passphrase string `yaml:"passphrase"` // Required alongside the key
	SendSecret bool   `yaml:"send_secret"`
}

// HasCredentials reports whether any credential field is set.
func (a *APIConfig) HasCredentials() bool {
	return a.APIKey != "" || a.Secret != "" || a.Passphrase != ""
}

// ConnectionConfig holds heartbeat and reconnect settings shared by both channels.
type ConnectionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	MaxAttempts       int           `yaml:"max_attempts"` // 0 retries forever
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            float64       `yaml:"jitter"`
}

// StreamsConfig selects what the CLI subscribes to.
type StreamsConfig struct {
	BufferSize     int      `yaml:"buffer_size"`
	Assets         []string `yaml:"assets"`
	Markets        []string `yaml:"markets"`
	CustomFeatures bool     `yaml:"custom_features"`
}

// DatabaseConfig holds the TimescaleDB connection used by the recorder.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds event recorder batching settings.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
