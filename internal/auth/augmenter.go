package auth

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rickgao/polymarket-data/internal/subscription"
)

// Augmenter attaches credentials to the first user channel subscribe of
// each session. Reset marks the start of a session.
type Augmenter struct {
	creds         *Credentials
	logger        *slog.Logger
	now           func() time.Time
	includeSecret bool

	mu   sync.Mutex
	sent bool
}

// AugmenterOption configures an Augmenter.
type AugmenterOption func(*Augmenter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) AugmenterOption {
	return func(a *Augmenter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithSecret includes the raw secret in the auth block.
func WithSecret(include bool) AugmenterOption {
	return func(a *Augmenter) {
		a.includeSecret = include
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AugmenterOption {
	return func(a *Augmenter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAugmenter creates an augmenter for creds.
func NewAugmenter(creds *Credentials, opts ...AugmenterOption) *Augmenter {
	a := &Augmenter{
		creds:  creds,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reset arms the augmenter for a new session.
func (a *Augmenter) Reset() {
	a.mu.Lock()
	a.sent = false
	a.mu.Unlock()
}

// Augment signs d if it is the first user subscribe of the session.
// Other directives pass through untouched.
func (a *Augmenter) Augment(d *subscription.Directive) error {
	if d.Channel != subscription.ChannelUser || d.Operation != subscription.OpSubscribe {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sent {
		return nil
	}

	ts := a.now().Unix()
	sig, err := a.creds.SignWebSocket(ts)
	if err != nil {
		return err
	}

	d.Auth = &subscription.Auth{
		APIKey:     a.creds.Key.String(),
		Passphrase: a.creds.Passphrase,
		Timestamp:  strconv.FormatInt(ts, 10),
		Signature:  sig,
	}
	if a.includeSecret {
		d.Auth.Secret = a.creds.Secret
	}
	a.sent = true

	a.logger.Debug("attached credentials to user subscribe", "api_key", d.Auth.APIKey)
	return nil
}
