package relay

import (
	"sync"

	v1 "pairlink/shared/contracts/pairing/v1"
)

// Client is one connected relay session (websocket or in-process).
//
// Send is never closed by the relay so concurrent broadcasters cannot panic;
// done signals shutdown and Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Frame

	done           chan struct{}
	closeOnce      sync.Once
	disconnectOnce sync.Once

	mu        sync.Mutex
	channelID string
	role      v1.Role
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueue
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Frame, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals shutdown. It does not close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Channel returns the joined channel id and role, empty when not joined.
func (c *Client) Channel() (string, v1.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID, c.role
}

func (c *Client) setChannel(id string, role v1.Role) {
	c.mu.Lock()
	c.channelID, c.role = id, role
	c.mu.Unlock()
}

func (c *Client) clearChannel(id string) {
	c.mu.Lock()
	if c.channelID == id {
		c.channelID, c.role = "", ""
	}
	c.mu.Unlock()
}

// enqueue delivers without blocking. It reports false when the client is
// closing or its queue is full.
func (c *Client) enqueue(f v1.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- f:
		return true
	default:
		return false
	}
}
