package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pairlink/cmd/internal/relay"
	v1 "pairlink/shared/contracts/pairing/v1"

	"github.com/coder/websocket"
)

// Conn is one relay connection carrying v1 frames.
type Conn interface {
	Send(ctx context.Context, f v1.Frame) error
	Recv(ctx context.Context) (v1.Frame, error)
	Close() error
}

// Dialer opens relay connections. Reconnection dials again.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

const (
	defaultWSReadLimit    = 256 << 10
	defaultWSWriteTimeout = 5 * time.Second
)

// WSDialer connects to a relay websocket endpoint.
type WSDialer struct {
	// URL is the ws:// or wss:// endpoint, e.g. wss://relay.example/ws.
	URL string
	// Origin is sent as the Origin header when set.
	Origin     string
	HTTPClient *http.Client

	ReadLimit    int64
	WriteTimeout time.Duration
}

// Dial opens a websocket with the pairlink subprotocol.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("transport: empty relay url")
	}
	h := http.Header{}
	if d.Origin != "" {
		h.Set("Origin", d.Origin)
	}

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", d.URL, err)
	}
	if sp := c.Subprotocol(); sp != v1.Subprotocol {
		_ = c.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("transport: relay did not select %s (got %q)", v1.Subprotocol, sp)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultWSReadLimit
	}
	c.SetReadLimit(limit)

	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWSWriteTimeout
	}
	return &wsConn{c: c, writeTimeout: timeout}, nil
}

type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) Send(ctx context.Context, f v1.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	return w.c.Write(ctx, websocket.MessageText, b)
}

func (w *wsConn) Recv(ctx context.Context) (v1.Frame, error) {
	for {
		mt, b, err := w.c.Read(ctx)
		if err != nil {
			return v1.Frame{}, err
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		var f v1.Frame
		if err := json.Unmarshal(b, &f); err != nil {
			// A relay speaking garbage is treated like a dead socket.
			return v1.Frame{}, fmt.Errorf("transport: decode frame: %w", err)
		}
		return f, nil
	}
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}

// LocalDialer attaches to an in-process relay router.
type LocalDialer struct {
	Router *relay.Router
}

func (d LocalDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Router == nil {
		return nil, errors.New("transport: nil relay router")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Router.Attach(), nil
}
