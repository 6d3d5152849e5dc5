package relay

import (
	"log/slog"
	"sync"

	v1 "pairlink/shared/contracts/pairing/v1"
)

// Hub owns the live channels. Channel records outlive sockets in ChannelStore;
// the hub only tracks who is connected right now.
type Hub struct {
	log *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		log:      log,
		channels: make(map[string]*Channel),
	}
}

// Join adds client to channel id, creating the channel on first use.
// Lookup and membership change happen under the hub lock so a concurrent last
// Leave cannot drop a channel that is being joined.
func (h *Hub) Join(id string, client *Client, role v1.Role) (ch *Channel, created bool, replaced *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[id]
	if !ok {
		ch = newChannel(h.log, id)
		h.channels[id] = ch
		created = true
	}
	replaced = ch.join(client, role)
	return ch, created, replaced
}

// Leave removes client from channel id and drops the channel once empty.
func (h *Hub) Leave(id string, client *Client) (ch *Channel, removed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[id]
	if !ok {
		return nil, false
	}
	removed = ch.leave(client)
	if ch.Count() == 0 {
		delete(h.channels, id)
	}
	return ch, removed
}

// Get returns the live channel for id.
func (h *Hub) Get(id string) (*Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	return ch, ok
}

// Len returns the number of live channels.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}
