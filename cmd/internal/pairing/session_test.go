package pairing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pairlink/cmd/internal/relay"
	"pairlink/cmd/internal/rpc"
	"pairlink/cmd/internal/transport"
	"pairlink/cmd/security/token"
	v1 "pairlink/shared/contracts/pairing/v1"
)

const waitTimeout = 3 * time.Second

type recorder struct {
	ch chan Event

	mu       sync.Mutex
	statuses []Status
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 256)} }

func (r *recorder) Observe(ev Event) {
	if ev.Kind == EventStatusChanged {
		r.mu.Lock()
		r.statuses = append(r.statuses, ev.Status)
		r.mu.Unlock()
	}
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) statusLog() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-r.ch:
			if match(ev) {
				return ev
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for event")
			return Event{}
		}
	}
}

func (r *recorder) waitKind(t *testing.T, kind EventKind) Event {
	t.Helper()
	return r.waitFor(t, func(ev Event) bool { return ev.Kind == kind })
}

func (r *recorder) waitMessage(t *testing.T, typ string) v1.Message {
	t.Helper()
	return r.waitFor(t, func(ev Event) bool {
		return ev.Kind == EventMessage && ev.Message.Type == typ
	}).Message
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				n++
			}
		default:
			return n
		}
	}
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status: got %s, want %s", s.Status(), want)
}

type countingDialer struct {
	inner transport.Dialer
	fail  atomic.Bool
	// failSends makes that many message frames fail on the live socket
	// without closing it.
	failSends atomic.Int32

	mu    sync.Mutex
	dials int
	conns []transport.Conn
}

func (d *countingDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.fail.Load() {
		return nil, errors.New("relay unreachable")
	}
	inner, err := d.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	c := &flakyConn{Conn: inner, d: d}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *countingDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *countingDialer) waitDials(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for d.dialCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("dials: got %d, want %d", d.dialCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// drop closes the live socket underneath the session.
func (d *countingDialer) drop() {
	d.mu.Lock()
	c := d.conns[len(d.conns)-1]
	d.mu.Unlock()
	_ = c.Close()
}

func (d *countingDialer) takeSendFailure() bool {
	for {
		n := d.failSends.Load()
		if n <= 0 {
			return false
		}
		if d.failSends.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

type flakyConn struct {
	transport.Conn
	d *countingDialer
}

func (c *flakyConn) Send(ctx context.Context, f v1.Frame) error {
	if f.Type == v1.TypeMessage && c.d.takeSendFailure() {
		return errors.New("write: broken pipe")
	}
	return c.Conn.Send(ctx, f)
}

type node struct {
	s      *Session
	events *recorder
	dialer *countingDialer
	store  *MemoryStore
}

func newNode(t *testing.T, router *relay.Router, peerKey string, tune func(*Options)) *node {
	t.Helper()
	n := &node{
		events: newRecorder(),
		dialer: &countingDialer{inner: transport.LocalDialer{Router: router}},
		store:  NewMemoryStore(),
	}
	opts := Options{
		PeerPublicKey:        peerKey,
		Dialer:               n.dialer,
		Store:                n.store,
		Observer:             n.events,
		OriginatorInfo:       v1.OriginatorInfo{Title: "test dapp", URL: "https://dapp.example"},
		WalletInfo:           v1.WalletInfo{Type: "test", Platform: "go"},
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		JoinTimeout:          time.Second,
	}
	if tune != nil {
		tune(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("pairing.New: %v", err)
	}
	n.s = s
	t.Cleanup(func() { s.Disconnect(context.Background(), false) })
	return n
}

// link pairs a dapp with a wallet and waits until both are linked.
func link(t *testing.T, router *relay.Router, dappTune, walletTune func(*Options)) (dapp, wallet *node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	dapp = newNode(t, router, "", dappTune)
	info, err := dapp.s.GenerateAndConnect(ctx)
	if err != nil {
		t.Fatalf("GenerateAndConnect: %v", err)
	}
	wallet = newNode(t, router, info.PublicKey, walletTune)
	if err := wallet.s.ConnectToChannel(ctx, info.ChannelID, false); err != nil {
		t.Fatalf("ConnectToChannel: %v", err)
	}

	waitStatus(t, dapp.s, StatusLinked)
	waitStatus(t, wallet.s, StatusLinked)
	return dapp, wallet
}

func TestSession_SetStatusIdempotent(t *testing.T) {
	t.Parallel()

	n := newNode(t, relay.NewRouter(nil, nil, nil), "", nil)
	n.s.setStatus(StatusWaiting)
	n.s.setStatus(StatusWaiting)
	n.s.setStatus(StatusLinked)
	n.s.setStatus(StatusLinked)

	got := n.events.statusLog()
	if len(got) != 2 || got[0] != StatusWaiting || got[1] != StatusLinked {
		t.Fatalf("status notifications: %v", got)
	}
}

func TestSession_TerminatedOnlyExitsToWaiting(t *testing.T) {
	t.Parallel()

	n := newNode(t, relay.NewRouter(nil, nil, nil), "", nil)
	n.s.setStatus(StatusTerminated)
	n.s.setStatus(StatusLinked)
	if got := n.s.Status(); got != StatusTerminated {
		t.Fatalf("terminated must hold, got %s", got)
	}
	n.s.setStatus(StatusWaiting)
	if got := n.s.Status(); got != StatusWaiting {
		t.Fatalf("expected waiting, got %s", got)
	}
}

func TestSession_LinkAndExchangeMessages(t *testing.T) {
	t.Parallel()

	dapp, wallet := link(t, relay.NewRouter(nil, nil, nil), nil, nil)

	ev := dapp.events.waitFor(t, func(ev Event) bool { return ev.Kind == EventPeerInfo && ev.Peer.Wallet != nil })
	if ev.Peer.Wallet.Version != defaultWalletVersion {
		t.Fatalf("wallet version: %q", ev.Peer.Wallet.Version)
	}
	wev := wallet.events.waitFor(t, func(ev Event) bool { return ev.Kind == EventPeerInfo && ev.Peer.Originator != nil })
	if wev.Peer.Originator.Title != "test dapp" {
		t.Fatalf("originator info: %+v", wev.Peer.Originator)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	if err := dapp.s.SendMessage(ctx, v1.Message{Type: "hello"}); err != nil {
		t.Fatalf("dapp SendMessage: %v", err)
	}
	wallet.events.waitMessage(t, "hello")

	if err := wallet.s.SendMessage(ctx, v1.Message{Type: "world"}); err != nil {
		t.Fatalf("wallet SendMessage: %v", err)
	}
	dapp.events.waitMessage(t, "world")

	if !dapp.s.Authorized() {
		t.Fatalf("a current wallet must pre-authorize the dapp")
	}
}

func TestSession_SendWaitsForPeer(t *testing.T) {
	t.Parallel()

	router := relay.NewRouter(nil, nil, nil)
	dapp := newNode(t, router, "", nil)
	ctx := context.Background()
	info, err := dapp.s.GenerateAndConnect(ctx)
	if err != nil {
		t.Fatalf("GenerateAndConnect: %v", err)
	}

	sent := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, waitTimeout)
		defer cancel()
		sent <- dapp.s.SendMessage(sctx, v1.Message{Type: "queued"})
	}()

	select {
	case err := <-sent:
		t.Fatalf("send must wait for the wallet, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	wallet := newNode(t, router, info.PublicKey, nil)
	if err := wallet.s.ConnectToChannel(ctx, info.ChannelID, false); err != nil {
		t.Fatalf("ConnectToChannel: %v", err)
	}
	if err := <-sent; err != nil {
		t.Fatalf("queued send: %v", err)
	}
	wallet.events.waitMessage(t, "queued")
}

func TestSession_SendFailsOnContext(t *testing.T) {
	t.Parallel()

	dapp := newNode(t, relay.NewRouter(nil, nil, nil), "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := dapp.s.SendMessage(ctx, v1.Message{Type: "nobody"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestSession_ReconnectLinksWithoutRehandshake(t *testing.T) {
	t.Parallel()

	dapp, wallet := link(t, relay.NewRouter(nil, nil, nil), nil, nil)
	wallet.events.waitKind(t, EventKeysExchanged)
	dapp.events.waitKind(t, EventKeysExchanged)

	wallet.dialer.drop()
	wallet.events.waitKind(t, EventSocketDisconnected)
	wallet.events.waitKind(t, EventSocketReconnected)

	waitStatus(t, wallet.s, StatusLinked)
	waitStatus(t, dapp.s, StatusLinked)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := wallet.s.SendMessage(ctx, v1.Message{Type: "after"}); err != nil {
		t.Fatalf("SendMessage after reconnect: %v", err)
	}
	dapp.events.waitMessage(t, "after")

	if n := wallet.events.count(EventKeysExchanged) + dapp.events.count(EventKeysExchanged); n != 0 {
		t.Fatalf("reconnect must not re-run the handshake, saw %d exchanges", n)
	}
}

func TestSession_ConnectToChannelTwiceIsNoop(t *testing.T) {
	t.Parallel()

	dapp, wallet := link(t, relay.NewRouter(nil, nil, nil), nil, nil)
	before := wallet.dialer.dialCount()
	if err := wallet.s.ConnectToChannel(context.Background(), dapp.s.ChannelID(), false); err != nil {
		t.Fatalf("second ConnectToChannel: %v", err)
	}
	if wallet.dialer.dialCount() != before {
		t.Fatalf("second connect must not rejoin")
	}

	info, err := dapp.s.GenerateAndConnect(context.Background())
	if !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v (%+v)", err, info)
	}
}

func TestSession_GenerateAndConnectReturnsLiveChannel(t *testing.T) {
	t.Parallel()

	dapp := newNode(t, relay.NewRouter(nil, nil, nil), "", nil)
	ctx := context.Background()
	first, err := dapp.s.GenerateAndConnect(ctx)
	if err != nil {
		t.Fatalf("GenerateAndConnect: %v", err)
	}
	second, err := dapp.s.GenerateAndConnect(ctx)
	if err != nil {
		t.Fatalf("second GenerateAndConnect: %v", err)
	}
	if first != second {
		t.Fatalf("expected the live channel back: %+v vs %+v", first, second)
	}
	if _, err := dapp.store.Get(ctx, first.ChannelID); err != nil {
		t.Fatalf("config must be stored: %v", err)
	}
}

func TestSession_CallRoundTrip(t *testing.T) {
	t.Parallel()

	router := relay.NewRouter(nil, nil, nil)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	var walletSession atomic.Pointer[Session]
	answer := ObserverFunc(func(ev Event) {
		if ev.Kind != EventMessage || !ev.Message.IsRequest() {
			return
		}
		req := ev.Message
		go func() {
			s := walletSession.Load()
			_ = s.SendMessage(context.Background(), v1.Message{ID: req.ID, Result: []byte(`["0xabc"]`)})
		}()
	})

	dapp, wallet := link(t, router,
		func(o *Options) { o.Metrics = metrics },
		func(o *Options) { o.Observer = answer },
	)
	walletSession.Store(wallet.s)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	call, err := dapp.s.Call(ctx, "eth_accounts", nil, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(call.Result) != `["0xabc"]` {
		t.Fatalf("result: %s", call.Result)
	}
	if got := testutil.ToFloat64(metrics.handshakes); got != 1 {
		t.Fatalf("key exchanges: %v", got)
	}

	if _, err := wallet.s.Call(ctx, "eth_accounts", nil, time.Second); !errors.Is(err, ErrNotOriginator) {
		t.Fatalf("wallet Call: expected ErrNotOriginator, got %v", err)
	}
}

func TestSession_CallTimeout(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	dapp, _ := link(t, relay.NewRouter(nil, nil, nil), func(o *Options) { o.Metrics = metrics }, nil)

	_, err := dapp.s.Call(context.Background(), "eth_sign", []string{"0x0"}, 100*time.Millisecond)
	if !errors.Is(err, rpc.ErrTimeout) {
		t.Fatalf("expected rpc.ErrTimeout, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.rpcTimeouts); got != 1 {
		t.Fatalf("rpc timeouts: %v", got)
	}
}

func TestSession_WalletRejects(t *testing.T) {
	t.Parallel()

	dapp, wallet := link(t, relay.NewRouter(nil, nil, nil), nil, nil)
	id := dapp.s.ChannelID()

	if err := wallet.s.RejectChannel(context.Background()); err != nil {
		t.Fatalf("RejectChannel: %v", err)
	}
	dapp.events.waitKind(t, EventRejected)
	waitStatus(t, dapp.s, StatusTerminated)
	waitStatus(t, wallet.s, StatusTerminated)

	if _, err := dapp.store.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected channel config must be purged, got %v", err)
	}
	err := dapp.s.SendMessage(context.Background(), v1.Message{Type: "late"})
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
}

func TestSession_WalletTerminates(t *testing.T) {
	t.Parallel()

	dapp, wallet := link(t, relay.NewRouter(nil, nil, nil), nil, nil)
	id := dapp.s.ChannelID()

	wallet.s.Disconnect(context.Background(), true)
	waitStatus(t, wallet.s, StatusTerminated)
	waitStatus(t, dapp.s, StatusTerminated)

	if _, err := dapp.store.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminated channel config must be purged, got %v", err)
	}

	// A new channel brings the dapp back to waiting.
	info, err := dapp.s.GenerateAndConnect(context.Background())
	if err != nil {
		t.Fatalf("GenerateAndConnect after terminate: %v", err)
	}
	if info.ChannelID == id {
		t.Fatalf("terminated channel id must not be reused")
	}
	waitStatus(t, dapp.s, StatusWaiting)
}

func TestSession_PauseResume(t *testing.T) {
	t.Parallel()

	dapp, wallet := link(t, relay.NewRouter(nil, nil, nil), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	wallet.s.Pause(ctx)
	if wallet.s.Status() != StatusPaused {
		t.Fatalf("wallet status: %s", wallet.s.Status())
	}
	waitStatus(t, dapp.s, StatusPaused)
	if dapp.s.Ready() {
		t.Fatalf("dapp must not be ready while the wallet is paused")
	}

	if err := wallet.s.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, wallet.s, StatusLinked)
	waitStatus(t, dapp.s, StatusLinked)

	if err := dapp.s.SendMessage(ctx, v1.Message{Type: "resumed"}); err != nil {
		t.Fatalf("SendMessage after resume: %v", err)
	}
	wallet.events.waitMessage(t, "resumed")
}

func TestSession_HandshakeTimeout(t *testing.T) {
	t.Parallel()

	router := relay.NewRouter(nil, nil, nil)
	dapp := newNode(t, router, "", func(o *Options) { o.HandshakeTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	info, err := dapp.s.GenerateAndConnect(ctx)
	if err != nil {
		t.Fatalf("GenerateAndConnect: %v", err)
	}

	// A wallet that joins but never answers the handshake.
	silent := router.Attach()
	defer silent.Close()
	f, err := v1.NewFrame(v1.TypeJoinChannel, info.ChannelID, v1.JoinChannelPayload{
		ChannelID: info.ChannelID,
		Role:      v1.RoleNonOriginator,
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	f.ID = "join-1"
	if err := silent.Send(ctx, f); err != nil {
		t.Fatalf("join: %v", err)
	}

	waitStatus(t, dapp.s, StatusTimeout)
}

func TestSession_LegacyWalletKeepsAuthGate(t *testing.T) {
	t.Parallel()

	dapp, wallet := link(t, relay.NewRouter(nil, nil, nil), nil, func(o *Options) {
		o.WalletInfo.Version = "6.5.0"
	})
	dapp.events.waitFor(t, func(ev Event) bool { return ev.Kind == EventPeerInfo && ev.Peer.Wallet != nil })
	if dapp.s.Authorized() {
		t.Fatalf("legacy wallet must keep the authorization gate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := wallet.s.SendMessage(ctx, v1.Message{Type: v1.MessageOTP, OTPAnswer: "417"}); err != nil {
		t.Fatalf("send OTP: %v", err)
	}
	otp := dapp.events.waitKind(t, EventOTP)
	if otp.OTP != "417" {
		t.Fatalf("otp: %q", otp.OTP)
	}
	req := wallet.events.waitFor(t, func(ev Event) bool {
		return ev.Kind == EventMessage && ev.Message.Method == methodRequestAccounts
	})
	if req.Message.ID == "" {
		t.Fatalf("auto account request must carry an id")
	}

	if err := wallet.s.SendMessage(ctx, v1.Message{Type: v1.MessageAuthorized}); err != nil {
		t.Fatalf("send AUTHORIZED: %v", err)
	}
	dapp.events.waitKind(t, EventAuthorized)
	if !dapp.s.Authorized() {
		t.Fatalf("AUTHORIZED must lift the gate")
	}
}

func TestSession_ResumeFromStorage(t *testing.T) {
	t.Parallel()

	router := relay.NewRouter(nil, nil, nil)
	dapp, wallet := link(t, router, nil, nil)
	id := dapp.s.ChannelID()
	pub := dapp.s.PublicKey()
	stored := dapp.store

	dapp.s.Disconnect(context.Background(), false)
	waitStatus(t, wallet.s, StatusWaiting)

	restarted := newNode(t, router, "", func(o *Options) { o.Store = stored })
	ok, err := restarted.s.ResumeFromStorage(context.Background())
	if err != nil || !ok {
		t.Fatalf("ResumeFromStorage: ok=%v err=%v", ok, err)
	}
	if restarted.s.ChannelID() != id || restarted.s.PublicKey() != pub {
		t.Fatalf("resume must restore channel and keys")
	}
	waitStatus(t, restarted.s, StatusLinked)
	waitStatus(t, wallet.s, StatusLinked)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := restarted.s.SendMessage(ctx, v1.Message{Type: "back"}); err != nil {
		t.Fatalf("SendMessage after resume: %v", err)
	}
	wallet.events.waitMessage(t, "back")
}

func TestSession_ResumeFromStorageExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	cfg := SessionConfig{
		ChannelID:  "3f1c1f5e-6f9a-4b0e-9a53-0a1f2c3d4e5f",
		ValidUntil: now.Add(-time.Minute),
	}
	if err := store.Put(context.Background(), cfg); err != nil {
		t.Fatalf("Put: %v", err)
	}

	n := newNode(t, relay.NewRouter(nil, nil, nil), "", func(o *Options) {
		o.Store = store
		o.Now = func() time.Time { return now }
	})
	ok, err := n.s.ResumeFromStorage(context.Background())
	if err != nil || ok {
		t.Fatalf("expired config must not resume: ok=%v err=%v", ok, err)
	}
	if n.dialer.dialCount() != 0 {
		t.Fatalf("expired config must not dial")
	}
	if _, err := store.Get(context.Background(), cfg.ChannelID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired config must be deleted, got %v", err)
	}
}

func TestSession_UpdateLastActiveExtendsValidity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dapp := newNode(t, relay.NewRouter(nil, nil, nil), "", func(o *Options) {
		o.Now = func() time.Time { return now }
	})
	ctx := context.Background()
	if err := dapp.s.UpdateLastActive(ctx); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}

	info, err := dapp.s.GenerateAndConnect(ctx)
	if err != nil {
		t.Fatalf("GenerateAndConnect: %v", err)
	}
	first, err := dapp.store.Get(ctx, info.ChannelID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := now.Add(DefaultSessionTTL); !first.ValidUntil.Equal(want) {
		t.Fatalf("valid_until: got %s want %s", first.ValidUntil, want)
	}

	if err := dapp.s.UpdateLastActive(ctx); err != nil {
		t.Fatalf("UpdateLastActive: %v", err)
	}
	second, err := dapp.store.Get(ctx, info.ChannelID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !second.ValidUntil.After(first.ValidUntil) {
		t.Fatalf("valid_until must strictly increase: %s then %s", first.ValidUntil, second.ValidUntil)
	}
	if second.LastActive == nil || !second.LastActive.Equal(now) {
		t.Fatalf("last_active: %v", second.LastActive)
	}
	if second.LocalKey == "" {
		t.Fatalf("local key must be stored")
	}
}

func TestSession_WalletInfoSurvivesDappSocketDrop(t *testing.T) {
	t.Parallel()

	router := relay.NewRouter(nil, nil, nil)
	var once sync.Once
	dapp, _ := link(t, router, func(o *Options) {
		rec, d := o.Observer, o.Dialer.(*countingDialer)
		o.Observer = ObserverFunc(func(ev Event) {
			if ev.Kind == EventKeysExchanged {
				// Cut the socket before WALLET_INFO can land.
				once.Do(func() { go d.drop() })
			}
			rec.Observe(ev)
		})
	}, nil)

	dapp.dialer.waitDials(t, 2)
	waitStatus(t, dapp.s, StatusLinked)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := dapp.s.SendMessage(ctx, v1.Message{Type: "after_drop"}); err != nil {
		t.Fatalf("SendMessage after drop: %v", err)
	}
	if !dapp.s.Authorized() {
		t.Fatalf("wallet info must authorize the dapp after a reconnect")
	}
	if w := dapp.s.PeerInfo().Wallet; w == nil || w.Platform != "go" {
		t.Fatalf("wallet info: %+v", w)
	}
}

func TestSession_DappPauseResumeGetsWalletInfo(t *testing.T) {
	t.Parallel()

	router := relay.NewRouter(nil, nil, nil)
	exchanged := make(chan struct{})
	var once sync.Once
	dapp, wallet := link(t, router, func(o *Options) {
		rec := o.Observer
		o.Observer = ObserverFunc(func(ev Event) {
			if ev.Kind == EventKeysExchanged {
				once.Do(func() { close(exchanged) })
			}
			rec.Observe(ev)
		})
	}, nil)

	select {
	case <-exchanged:
	case <-time.After(waitTimeout):
		t.Fatalf("keys never exchanged")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	dapp.s.Pause(ctx)
	waitStatus(t, dapp.s, StatusPaused)
	dapp.events.count(EventPeerInfo)

	if err := dapp.s.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	dapp.events.waitFor(t, func(ev Event) bool { return ev.Kind == EventPeerInfo && ev.Peer.Wallet != nil })
	waitStatus(t, dapp.s, StatusLinked)
	waitStatus(t, wallet.s, StatusLinked)

	if err := dapp.s.SendMessage(ctx, v1.Message{Type: "resumed"}); err != nil {
		t.Fatalf("SendMessage after resume: %v", err)
	}
	wallet.events.waitMessage(t, "resumed")
	if !dapp.s.Authorized() {
		t.Fatalf("dapp must stay authorized across its own pause")
	}
}

func TestSession_WalletInfoSentOncePerPresence(t *testing.T) {
	t.Parallel()

	var infos atomic.Int32
	dapp, wallet := link(t, relay.NewRouter(nil, nil, nil), func(o *Options) {
		rec := o.Observer
		o.Observer = ObserverFunc(func(ev Event) {
			if ev.Kind == EventPeerInfo && ev.Peer.Wallet != nil {
				infos.Add(1)
			}
			rec.Observe(ev)
		})
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := dapp.s.SendMessage(ctx, v1.Message{Type: "ping"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	wallet.events.waitMessage(t, "ping")

	// The announcement is claimed for as long as the dapp stays.
	wallet.s.mu.Lock()
	again := wallet.s.walletInfoDueLocked()
	wallet.s.mu.Unlock()
	if again {
		t.Fatalf("wallet info must be claimed once per peer presence")
	}

	if err := wallet.s.SendMessage(ctx, v1.Message{Type: "pong"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	dapp.events.waitMessage(t, "pong")
	if n := infos.Load(); n != 1 {
		t.Fatalf("wallet info announcements: got %d want 1", n)
	}
}

func TestSession_ReconnectFailurePurgesStoredConfig(t *testing.T) {
	t.Parallel()

	router := relay.NewRouter(nil, nil, nil)
	dapp, _ := link(t, router, nil, nil)
	id := dapp.s.ChannelID()
	stored := dapp.store
	if _, err := stored.Get(context.Background(), id); err != nil {
		t.Fatalf("config must be stored while linked: %v", err)
	}

	dapp.dialer.fail.Store(true)
	dapp.dialer.drop()
	dapp.events.waitKind(t, EventReconnectFailed)
	waitStatus(t, dapp.s, StatusTerminated)

	if _, err := stored.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("dead channel config must be purged, got %v", err)
	}

	restarted := newNode(t, router, "", func(o *Options) { o.Store = stored })
	ok, err := restarted.s.ResumeFromStorage(context.Background())
	if err != nil || ok {
		t.Fatalf("dead channel must not resume: ok=%v err=%v", ok, err)
	}
	if restarted.dialer.dialCount() != 0 {
		t.Fatalf("dead channel must not dial")
	}
}

func TestSession_ResumeFromStorageAuthorizes(t *testing.T) {
	t.Parallel()

	router := relay.NewRouter(nil, nil, nil)
	dapp, wallet := link(t, router, nil, nil)
	stored := dapp.store
	dapp.s.Disconnect(context.Background(), false)
	waitStatus(t, wallet.s, StatusWaiting)

	restarted := newNode(t, router, "", func(o *Options) { o.Store = stored })
	if ok, err := restarted.s.ResumeFromStorage(context.Background()); err != nil || !ok {
		t.Fatalf("ResumeFromStorage: ok=%v err=%v", ok, err)
	}
	restarted.events.waitKind(t, EventAuthorized)
	if !restarted.s.Authorized() {
		t.Fatalf("resumed channel must be authorized")
	}
}

func TestSession_SendRetriesWhileSocketLooksAlive(t *testing.T) {
	t.Parallel()

	dapp, wallet := link(t, relay.NewRouter(nil, nil, nil), nil, nil)
	dapp.events.waitFor(t, func(ev Event) bool { return ev.Kind == EventPeerInfo && ev.Peer.Wallet != nil })

	dapp.dialer.failSends.Store(3)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	start := time.Now()
	if err := dapp.s.SendMessage(ctx, v1.Message{Type: "retried"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2*sendRetryDelay {
		t.Fatalf("failed sends must back off, returned after %s", elapsed)
	}
	if n := dapp.dialer.failSends.Load(); n != 0 {
		t.Fatalf("expected every injected failure consumed, %d left", n)
	}
	wallet.events.waitMessage(t, "retried")
}

func TestSession_PersistedRejoinAuthorizes(t *testing.T) {
	t.Parallel()

	router := relay.NewRouter(nil, nil, relay.NewInMemoryStore(), relay.WithHasher(token.NewHasher(nil)))
	dapp, _ := link(t, router,
		func(o *Options) { o.RelayPersistence = true },
		func(o *Options) {
			o.RelayPersistence = true
			o.WalletInfo.Version = "6.5.0"
		},
	)
	dapp.events.waitFor(t, func(ev Event) bool { return ev.Kind == EventPeerInfo && ev.Peer.Wallet != nil })
	if dapp.s.Authorized() {
		t.Fatalf("legacy wallet must keep the authorization gate")
	}

	// The relay now knows both keys and vouches for the rejoin.
	dapp.dialer.drop()
	dapp.events.waitKind(t, EventAuthorized)
	if dapp.dialer.dialCount() < 2 {
		t.Fatalf("authorization must come from the rejoin")
	}
	if !dapp.s.Authorized() {
		t.Fatalf("a relay-vouched rejoin must lift the gate")
	}
}
