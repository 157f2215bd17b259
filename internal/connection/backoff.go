package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff tracks reconnect attempts and the delay before the next one.
// It is owned by a single reconnect loop and is not safe for concurrent use.
type Backoff struct {
	cfg     ReconnectConfig
	exp     *backoff.ExponentialBackOff
	attempt int
	current time.Duration
}

// NewBackoff creates a backoff from cfg, filling zero fields with defaults.
func NewBackoff(cfg ReconnectConfig) *Backoff {
	def := DefaultReconnectConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialBackoff
	exp.MaxInterval = cfg.MaxBackoff
	exp.Multiplier = cfg.BackoffMultiplier
	exp.RandomizationFactor = cfg.Jitter
	exp.Reset()

	return &Backoff{cfg: cfg, exp: exp}
}

// Next records a failed attempt and returns the delay before the next one.
// ok is false once MaxAttempts consecutive attempts have failed.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts {
		return 0, false
	}
	b.attempt++

	delay = b.exp.NextBackOff()
	if delay > b.cfg.MaxBackoff {
		delay = b.cfg.MaxBackoff
	}
	b.current = delay
	return delay, true
}

// Reset clears the attempt count after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.current = 0
	b.exp.Reset()
}

// Attempt returns the number of consecutive failed attempts.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Current returns the most recent delay handed out.
func (b *Backoff) Current() time.Duration {
	return b.current
}
