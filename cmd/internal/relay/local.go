package relay

import (
	"context"
	"net"
	"sync"

	v1 "pairlink/shared/contracts/pairing/v1"
)

// LocalConn is an in-process relay connection. It lets a session talk to a
// Router without a network hop (embedded relays, tests).
type LocalConn struct {
	router *Router
	client *Client
	once   sync.Once
}

// Attach registers a new in-process client on the router.
func (r *Router) Attach() *LocalConn {
	return &LocalConn{router: r, client: r.NewClient()}
}

// SessionID is the relay-side session id of this connection.
func (l *LocalConn) SessionID() string { return l.client.SessionID }

// Send hands f to the router as if it arrived on the wire.
func (l *LocalConn) Send(ctx context.Context, f v1.Frame) error {
	select {
	case <-l.client.Done():
		return net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Refusals come back as error frames; the connection stays usable.
	_ = l.router.Handle(ctx, l.client, f)
	return nil
}

// Recv returns the next frame queued for this client.
func (l *LocalConn) Recv(ctx context.Context) (v1.Frame, error) {
	select {
	case <-l.client.Done():
		return v1.Frame{}, net.ErrClosed
	default:
	}
	select {
	case f := <-l.client.Send:
		return f, nil
	case <-l.client.Done():
		return v1.Frame{}, net.ErrClosed
	case <-ctx.Done():
		return v1.Frame{}, ctx.Err()
	}
}

// Close disconnects from the relay. It is idempotent.
func (l *LocalConn) Close() error {
	l.once.Do(func() {
		l.router.Disconnect(l.client)
	})
	return nil
}
