package relay

import (
	"context"
	"errors"
	"time"

	v1 "pairlink/shared/contracts/pairing/v1"
)

// ErrNotFound is returned by ChannelStore.Get for unknown keys.
var ErrNotFound = errors.New("relay: channel record not found")

// ChannelRecord is what the relay remembers about a channel between sockets.
// Key is the hashed channel id; raw ids are never stored.
type ChannelRecord struct {
	Key              string
	OriginatorKey    string
	NonOriginatorKey string
	Persistence      bool
	Rejected         bool
	UpdatedAt        time.Time
}

// PublicKey returns the last public key announced by role.
func (r ChannelRecord) PublicKey(role v1.Role) string {
	if role == v1.RoleOriginator {
		return r.OriginatorKey
	}
	return r.NonOriginatorKey
}

// SetPublicKey records the key announced by role.
func (r *ChannelRecord) SetPublicKey(role v1.Role, key string) {
	if role == v1.RoleOriginator {
		r.OriginatorKey = key
		return
	}
	r.NonOriginatorKey = key
}

// ChannelStore persists channel records.
//
// Requirements:
//   - Put is an upsert keyed by Key
//   - Get returns ErrNotFound for unknown keys
//   - PurgeBefore removes records not updated since cutoff
type ChannelStore interface {
	Get(ctx context.Context, key string) (ChannelRecord, error)
	Put(ctx context.Context, rec ChannelRecord) error
	Delete(ctx context.Context, key string) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
