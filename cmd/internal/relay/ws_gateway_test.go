package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"pairlink/cmd/internal/ids"
	v1 "pairlink/shared/contracts/pairing/v1"

	"github.com/coder/websocket"
)

func TestWSGateway_OriginRequired(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	gw := NewWSGateway(nil, nil, cfg)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	_, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure without origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 403, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_OriginNotAllowed(t *testing.T) {
	t.Parallel()

	gw := NewWSGateway(nil, nil, DefaultGatewayConfig())
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	_, resp, err := dialWS(t, ts.URL, "https://evil.example")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, err=%v", err)
	}
}

func TestWSGateway_PairAndRelay(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	gw := NewWSGateway(nil, NewRouter(nil, nil, nil), cfg)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	dapp := mustDialWS(t, ts.URL)
	defer func() { _ = dapp.Close(websocket.StatusNormalClosure, "bye") }()
	wallet := mustDialWS(t, ts.URL)
	defer func() { _ = wallet.Close(websocket.StatusNormalClosure, "bye") }()

	id := ids.NewChannelID()
	writeFrameWS(t, dapp, v1.TypeJoinChannel, id, v1.JoinChannelPayload{ChannelID: id, Role: v1.RoleOriginator})
	_ = readUntilType(t, dapp, v1.TypeClientsWaitingToJoin, 4)

	writeFrameWS(t, wallet, v1.TypeJoinChannel, id, v1.JoinChannelPayload{ChannelID: id, Role: v1.RoleNonOriginator})
	_ = readUntilType(t, wallet, v1.TypeClientsConnected, 4)
	_ = readUntilType(t, dapp, v1.TypeClientsConnected, 4)

	writeFrameWS(t, wallet, v1.TypeMessage, id, v1.MessagePayload{
		ChannelID:  id,
		SenderRole: v1.RoleNonOriginator,
		Handshake:  &v1.HandshakeMessage{Type: v1.HandshakeCHECK},
	})
	f := readUntilType(t, dapp, v1.TypeMessage, 4)
	var mp v1.MessagePayload
	if err := f.Decode(&mp); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if mp.Handshake == nil || mp.Handshake.Type != v1.HandshakeCHECK {
		t.Fatalf("unexpected relayed handshake: %+v", mp.Handshake)
	}

	_ = wallet.Close(websocket.StatusNormalClosure, "bye")
	_ = readUntilType(t, dapp, v1.TypeClientsDisconnected, 4)
}

func TestWSGateway_BadJSONKeepsConnection(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	gw := NewWSGateway(nil, nil, cfg)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := mustDialWS(t, ts.URL)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
	f := readUntilType(t, conn, v1.TypeError, 2)
	var ep v1.ErrorPayload
	if err := f.Decode(&ep); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if ep.Code != "bad_json" {
		t.Fatalf("expected bad_json, got %q", ep.Code)
	}

	id := ids.NewChannelID()
	writeFrameWS(t, conn, v1.TypeJoinChannel, id, v1.JoinChannelPayload{ChannelID: id, Role: v1.RoleOriginator})
	_ = readUntilType(t, conn, v1.TypeJoinChannelAck, 4)
}

func TestGatewayConfig_FromEnv(t *testing.T) {
	t.Setenv("PAIRLINK_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("PAIRLINK_WS_ALLOWED_ORIGINS", "https://a.example, https://b.example:8443")
	t.Setenv("PAIRLINK_WS_SEND_QUEUE", "4")
	t.Setenv("PAIRLINK_WS_WRITE_TIMEOUT", "nonsense")

	cfg := LoadGatewayConfigFromEnv()
	if cfg.OriginRequired {
		t.Fatalf("expected origin not required")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.SendQueueSize != wsMinSendQueueSize {
		t.Fatalf("expected queue clamped to %d, got %d", wsMinSendQueueSize, cfg.SendQueueSize)
	}
	if cfg.WriteTimeout != wsDefaultWriteTimeout {
		t.Fatalf("malformed duration must keep default, got %v", cfg.WriteTimeout)
	}

	pats := deriveOriginPatterns(cfg.AllowedOrigins)
	if strings.Join(pats, ",") != "a.example,b.example" {
		t.Fatalf("unexpected origin patterns: %v", pats)
	}
}

// ---- helpers ----

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDialWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func writeFrameWS(t *testing.T, conn *websocket.Conn, typ, channelID string, payload any) {
	t.Helper()
	b, err := json.Marshal(mustFrame(t, typ, channelID, payload))
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Frame {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var f v1.Frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("did not receive frame type %q", typ)
	return v1.Frame{}
}
