// Package auth provides CLOB API credentials and L2 HMAC signatures.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ErrMissingCredentials is returned when a user channel operation has no credentials.
var ErrMissingCredentials = errors.New("API credentials are required")

// WebSocketPath is the path signed for user channel authentication.
const WebSocketPath = "/ws/user"

// Credentials holds the L2 API key triple.
type Credentials struct {
	Key        uuid.UUID // API key id
	Secret     string    // URL-safe base64 HMAC secret
	Passphrase string

	secret []byte
}

// NewCredentials validates and decodes an API key triple.
func NewCredentials(key, secret, passphrase string) (*Credentials, error) {
	if key == "" || secret == "" || passphrase == "" {
		return nil, ErrMissingCredentials
	}

	id, err := uuid.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("parse API key: %w", err)
	}

	raw, err := decodeSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("decode API secret: %w", err)
	}

	return &Credentials{
		Key:        id,
		Secret:     secret,
		Passphrase: passphrase,
		secret:     raw,
	}, nil
}

// Sign returns the URL-safe base64 HMAC-SHA256 of timestamp + method + path + body.
func (c *Credentials) Sign(timestamp int64, method, path, body string) (string, error) {
	key := c.secret
	if key == nil {
		raw, err := decodeSecret(c.Secret)
		if err != nil {
			return "", fmt.Errorf("decode API secret: %w", err)
		}
		key = raw
	}

	message := strconv.FormatInt(timestamp, 10) + method + path + body

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignWebSocket signs the user channel handshake context at timestamp (Unix seconds).
func (c *Credentials) SignWebSocket(timestamp int64) (string, error) {
	return c.Sign(timestamp, "GET", WebSocketPath, "")
}

// decodeSecret accepts padded or unpadded URL-safe base64, and standard
// base64 as issued by older key derivations.
func decodeSecret(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
	} {
		raw, err := enc.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
