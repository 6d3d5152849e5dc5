package relay

import (
	"log/slog"
	"sync"

	v1 "pairlink/shared/contracts/pairing/v1"
)

// Channel is the rendezvous of at most one originator and one non-originator.
//
// Join and Leave are safe under concurrent Broadcast. Broadcast never blocks:
// frames for a full queue are dropped and counted.
type Channel struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[v1.Role]*Client
}

func newChannel(log *slog.Logger, id string) *Channel {
	return &Channel{
		log:     log,
		ID:      id,
		members: make(map[v1.Role]*Client, 2),
	}
}

// join places client in role. A previous holder of the role is returned so the
// caller can retire it; a reconnecting peer replaces its stale socket.
func (ch *Channel) join(client *Client, role v1.Role) (replaced *Client) {
	ch.mu.Lock()
	prev := ch.members[role]
	ch.members[role] = client
	ch.mu.Unlock()

	if prev != nil && prev != client {
		ch.log.Info("relay.member.replaced", "channel_id", ch.ID, "role", string(role), "session_id", client.SessionID, "replaced_session_id", prev.SessionID)
		return prev
	}
	ch.log.Info("relay.member.join", "channel_id", ch.ID, "role", string(role), "session_id", client.SessionID)
	return nil
}

// leave removes client if it still holds its role.
func (ch *Channel) leave(client *Client) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for role, m := range ch.members {
		if m == client {
			delete(ch.members, role)
			ch.log.Info("relay.member.leave", "channel_id", ch.ID, "role", string(role), "session_id", client.SessionID)
			return true
		}
	}
	return false
}

// Count returns the number of members.
func (ch *Channel) Count() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.members)
}

// Member returns the client holding role.
func (ch *Channel) Member(role v1.Role) *Client {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.members[role]
}

// Broadcast sends f to every member except from (nil sends to all).
// It returns the number of members the frame was dropped for.
func (ch *Channel) Broadcast(from *Client, f v1.Frame) (dropped int) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	for _, m := range ch.members {
		if m == nil || m == from {
			continue
		}
		if !m.enqueue(f) {
			dropped++
		}
	}
	return dropped
}
