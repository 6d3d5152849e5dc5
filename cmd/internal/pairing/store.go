package pairing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"pairlink/cmd/security/keys"
)

// DefaultSessionTTL is the validity window written on every refresh.
const DefaultSessionTTL = 7 * 24 * time.Hour

// ErrNotFound is returned by Store.Get and Store.Latest when nothing is stored.
var ErrNotFound = errors.New("pairing: session config not found")

// SessionConfig is the persisted state needed to resume a session.
// LocalKey is the hex private key; stores may seal it at rest.
type SessionConfig struct {
	ChannelID        string     `json:"channel_id"`
	ValidUntil       time.Time  `json:"valid_until"`
	LocalKey         string     `json:"local_key,omitempty"`
	OtherKey         string     `json:"other_key,omitempty"`
	RelayPersistence bool       `json:"relay_persistence"`
	LastActive       *time.Time `json:"last_active,omitempty"`
}

// Expired reports whether the config can no longer be resumed at now.
func (c SessionConfig) Expired(now time.Time) bool {
	return !c.ValidUntil.After(now)
}

// Keys restores the local key material, if any was stored.
func (c SessionConfig) Keys() (*keys.KeyMaterial, error) {
	if c.LocalKey == "" {
		return nil, nil
	}
	secret, err := hex.DecodeString(c.LocalKey)
	if err != nil {
		return nil, fmt.Errorf("pairing: stored local key: %w", err)
	}
	defer clear(secret)
	return keys.FromSecret(secret)
}

// nextValidUntil extends prev by ttl from now, strictly after prev.
func nextValidUntil(prev, now time.Time, ttl time.Duration) time.Time {
	next := now.Add(ttl)
	if !next.After(prev) {
		next = prev.Add(time.Millisecond)
	}
	return next
}

// Store persists SessionConfig records keyed by channel id.
//
// Requirements:
//   - Put is an upsert keyed by ChannelID
//   - Get and Latest return ErrNotFound when nothing matches
//   - Latest returns the record with the greatest ValidUntil
type Store interface {
	Get(ctx context.Context, channelID string) (SessionConfig, error)
	Put(ctx context.Context, cfg SessionConfig) error
	Delete(ctx context.Context, channelID string) error
	Latest(ctx context.Context) (SessionConfig, error)
	Close() error
}
