package pairing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairlink/cmd/internal/handshake"
	"pairlink/cmd/internal/ids"
	"pairlink/cmd/internal/rpc"
	"pairlink/cmd/internal/transport"
	"pairlink/cmd/security/keys"
	v1 "pairlink/shared/contracts/pairing/v1"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second

	storeTimeout = 5 * time.Second

	sendRetryDelay = 100 * time.Millisecond
)

// Options configures a Session.
type Options struct {
	// Keys are generated when nil.
	Keys *keys.KeyMaterial
	// PeerPublicKey makes the session the non-originator of an existing channel.
	PeerPublicKey string

	Dialer   transport.Dialer
	Store    Store
	Observer Observer
	Log      *slog.Logger
	Metrics  *Metrics

	SessionTTL       time.Duration
	HandshakeTimeout time.Duration

	OriginatorInfo v1.OriginatorInfo
	WalletInfo     v1.WalletInfo

	RelayPersistence bool
	PlaintextDebug   bool
	ProtocolVersion  int

	JoinTimeout          time.Duration
	ReconnectDelay       time.Duration
	ReconnectJitter      time.Duration
	MaxReconnectAttempts int

	Now func() time.Time
}

// Session is one dapp-wallet link.
type Session struct {
	role     v1.Role
	opts     Options
	log      *slog.Logger
	metrics  *Metrics
	store    Store
	observer Observer
	tracker  *rpc.Tracker
	now      func() time.Time

	mu     sync.Mutex
	keys   *keys.KeyMaterial
	engine *handshake.Engine
	tr     *transport.Transport
	status Status

	readyFlag   bool
	peerPresent bool
	paused      bool
	peerPaused  bool
	authorized  bool
	infoSent    bool
	// walletInfoSent is set once WALLET_INFO went out to the current peer
	// presence; it clears whenever the peer or our socket goes away.
	walletInfoSent bool
	compat         *Compat
	peer           PeerInfo
	validUntil     time.Time
	lastActive     *time.Time
	hsTimer        *time.Timer

	ready *latch
	auth  *latch
	done  chan struct{}
}

// New builds a disconnected session. Supplying PeerPublicKey selects the
// non-originator role.
func New(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("pairing: dialer is required")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WalletInfo.Version == "" {
		opts.WalletInfo.Version = defaultWalletVersion
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	observer := opts.Observer
	if observer == nil {
		observer = ObserverFunc(func(Event) {})
	}

	km := opts.Keys
	if km == nil {
		var err error
		if km, err = keys.Generate(); err != nil {
			return nil, err
		}
	}

	role := v1.RoleOriginator
	if opts.PeerPublicKey != "" {
		role = v1.RoleNonOriginator
	}

	s := &Session{
		role:     role,
		opts:     opts,
		log:      log.With("component", "pairing", "role", string(role)),
		metrics:  opts.Metrics,
		store:    opts.Store,
		observer: observer,
		tracker:  rpc.NewTracker(opts.Now),
		now:      opts.Now,
		status:   StatusDisconnected,
		ready:    newLatch(),
		auth:     newLatch(),
		done:     make(chan struct{}),
	}
	if role == v1.RoleNonOriginator {
		// The authorization gate only holds originator sends.
		s.authorized = true
		s.auth.Set()
	}
	if err := s.rebuild(km, opts.PeerPublicKey); err != nil {
		return nil, err
	}
	return s, nil
}

// rebuild swaps in a fresh engine and transport around km.
func (s *Session) rebuild(km *keys.KeyMaterial, peerKey string) error {
	eng, err := handshake.New(handshake.Options{
		Role:            s.role,
		Keys:            km,
		PeerPublicKey:   peerKey,
		ProtocolVersion: s.opts.ProtocolVersion,
		Log:             s.log,
	})
	if err != nil {
		return err
	}
	tr, err := transport.New(transport.Options{
		Engine:               eng,
		Dialer:               s.opts.Dialer,
		Handler:              s,
		Log:                  s.log,
		Metrics:              s.metrics.transport(),
		Persistence:          s.opts.RelayPersistence,
		PlaintextDebug:       s.opts.PlaintextDebug,
		JoinTimeout:          s.opts.JoinTimeout,
		ReconnectDelay:       s.opts.ReconnectDelay,
		ReconnectJitter:      s.opts.ReconnectJitter,
		MaxReconnectAttempts: s.opts.MaxReconnectAttempts,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.tr
	s.keys, s.engine, s.tr = km, eng, tr
	s.mu.Unlock()

	if old != nil {
		old.Disconnect(context.Background(), false)
	}
	return nil
}

func (s *Session) parts() (*handshake.Engine, *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine, s.tr
}

// ---- operations ----

// GenerateAndConnect creates a fresh channel as the originator. When a
// channel is already live it is returned unchanged.
func (s *Session) GenerateAndConnect(ctx context.Context) (transport.ChannelInfo, error) {
	if s.role != v1.RoleOriginator {
		return transport.ChannelInfo{}, ErrNotOriginator
	}
	eng, tr := s.parts()
	if s.Status() == StatusLinked {
		return transport.ChannelInfo{}, ErrAlreadyLinked
	}
	if tr.Connected() {
		return transport.ChannelInfo{ChannelID: tr.ChannelID(), PublicKey: eng.PublicKey()}, nil
	}

	if prev := tr.ChannelID(); prev != "" {
		s.deleteConfig(ctx, prev)
		tr.Disconnect(ctx, true)
	}
	s.resetLink()

	info, err := tr.CreateChannel(ctx)
	if err != nil {
		return transport.ChannelInfo{}, opErr("generate_and_connect", err)
	}
	s.log.Info("pairing.channel.created", "channel_id", info.ChannelID, "public_key", keys.Fingerprint(info.PublicKey))
	s.persist(ctx)
	return info, nil
}

// ConnectToChannel joins channelID. authorized pre-authorizes an originator
// reconnecting to a channel it already paired.
func (s *Session) ConnectToChannel(ctx context.Context, channelID string, authorized bool) error {
	_, tr := s.parts()
	if tr.Connected() && tr.ChannelID() == channelID {
		return nil
	}
	if authorized && s.markAuthorized() {
		s.emit(Event{Kind: EventAuthorized, ChannelID: channelID})
	}
	if _, err := tr.ConnectToChannel(ctx, channelID); err != nil {
		return opErr("connect_to_channel", err)
	}
	s.persist(ctx)
	return nil
}

// SendMessage delivers msg once the peer is ready and, for older wallets,
// once it authorized the originator. It only fails through ctx, a dead
// session or a send error the transport cannot recover from.
func (s *Session) SendMessage(ctx context.Context, msg v1.Message) error {
	tracked := false
	for {
		if err := s.waitSendable(ctx); err != nil {
			if tracked {
				s.tracker.Discard(msg.ID)
			}
			return err
		}
		eng, tr := s.parts()

		if !tracked && s.role == v1.RoleOriginator && msg.IsRequest() {
			if err := s.tracker.Track(msg.ID, msg.Method); err != nil {
				return opErr("send_message", err)
			}
			tracked = true
		}

		err := tr.Send(ctx, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, handshake.ErrKeysNotExchanged):
			s.log.Info("pairing.send.rehandshake", "channel_id", tr.ChannelID())
			s.clearReady()
			if err := eng.Start(ctx, true); err != nil {
				s.log.Warn("pairing.handshake.restart.fail", "err", err)
			}
		case errors.Is(err, transport.ErrTransportDisconnected):
			if !tr.Connected() {
				s.clearReady()
				continue
			}
			// The socket failed but the read loop has not noticed yet.
			t := time.NewTimer(sendRetryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		default:
			if tracked {
				s.tracker.Discard(msg.ID)
			}
			return opErr("send_message", err)
		}
	}
}

func (s *Session) waitSendable(ctx context.Context) error {
	for {
		s.mu.Lock()
		done := s.done
		if s.status == StatusTerminated {
			s.mu.Unlock()
			return ErrTerminated
		}
		s.mu.Unlock()

		select {
		case <-s.ready.Wait():
		case <-done:
			return ErrTerminated
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-s.auth.Wait():
		case <-done:
			return ErrTerminated
		case <-ctx.Done():
			return ctx.Err()
		}
		// The first gate may have dropped while waiting on the second.
		if s.ready.IsSet() {
			return nil
		}
	}
}

// Call sends an RPC request and waits for the correlated reply.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (rpc.Call, error) {
	if s.role != v1.RoleOriginator {
		return rpc.Call{}, ErrNotOriginator
	}
	msg := v1.Message{ID: ids.MustULID(), Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return rpc.Call{}, fmt.Errorf("pairing: marshal params: %w", err)
		}
		msg.Params = b
	}
	if err := s.SendMessage(ctx, msg); err != nil {
		return rpc.Call{}, err
	}
	call, err := s.tracker.Await(ctx, msg.ID, timeout)
	switch {
	case err == nil:
		s.metrics.rpcDone(call.Elapsed)
	case errors.Is(err, rpc.ErrTimeout):
		s.metrics.rpcTimeout()
		s.log.Warn("pairing.rpc.timeout", "id", msg.ID, "method", method)
	}
	return call, err
}

// Pause closes the socket and keeps the handshake for Resume.
func (s *Session) Pause(ctx context.Context) {
	_, tr := s.parts()
	if n := s.tracker.DiscardAll(); n > 0 {
		s.log.Info("pairing.rpc.discarded", "count", n, "reason", "pause")
	}
	tr.Pause(ctx)

	s.mu.Lock()
	s.paused = true
	s.readyFlag = false
	s.walletInfoSent = false
	s.stopHandshakeTimerLocked()
	s.syncReadyLocked()
	ev, changed := s.setStatusLocked(StatusPaused)
	s.mu.Unlock()
	s.emitIf(ev, changed)
}

// Resume rejoins the paused channel.
func (s *Session) Resume(ctx context.Context) error {
	_, tr := s.parts()
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	if err := tr.Resume(ctx); err != nil {
		return opErr("resume", err)
	}
	return nil
}

// Disconnect closes the link. With terminate the peer is told, the stored
// config is purged and the session needs a new channel to continue.
func (s *Session) Disconnect(ctx context.Context, terminate bool) {
	_, tr := s.parts()
	id := tr.ChannelID()
	if n := s.tracker.DiscardAll(); n > 0 {
		s.log.Info("pairing.rpc.discarded", "count", n, "reason", "disconnect")
	}
	tr.Disconnect(ctx, terminate)

	if terminate {
		s.deleteConfig(ctx, id)
		s.teardown(StatusTerminated)
		return
	}
	s.teardown(StatusDisconnected)
}

// RejectChannel refuses the channel (non-originator) and tears down locally.
func (s *Session) RejectChannel(ctx context.Context) error {
	eng, tr := s.parts()
	id := tr.ChannelID()
	if id == "" {
		return ErrNoChannel
	}
	if err := tr.RejectChannel(ctx); err != nil {
		return opErr("reject_channel", err)
	}
	s.tracker.DiscardAll()
	// The relay already told the peer; no TERMINATE on the way out.
	eng.Reset()
	tr.Disconnect(ctx, true)
	s.deleteConfig(ctx, id)
	s.teardown(StatusTerminated)
	return nil
}

// UpdateLastActive records activity and extends the stored validity window.
func (s *Session) UpdateLastActive(ctx context.Context) error {
	_, tr := s.parts()
	if tr.ChannelID() == "" {
		return ErrNoChannel
	}
	now := s.now()
	s.mu.Lock()
	s.lastActive = &now
	s.mu.Unlock()
	return s.persist(ctx)
}

// ResumeFromStorage reconnects the originator to its most recent stored
// channel. It reports false when nothing resumable is stored.
func (s *Session) ResumeFromStorage(ctx context.Context) (bool, error) {
	if s.role != v1.RoleOriginator {
		return false, ErrNotOriginator
	}
	if s.store == nil {
		return false, nil
	}
	if _, tr := s.parts(); tr.Connected() {
		return false, nil
	}

	cfg, err := s.store.Latest(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, opErr("resume_from_storage", err)
	}
	if cfg.Expired(s.now()) {
		s.log.Info("pairing.resume.expired", "channel_id", cfg.ChannelID, "valid_until", cfg.ValidUntil)
		if err := s.store.Delete(ctx, cfg.ChannelID); err != nil {
			s.log.Warn("pairing.store.delete.fail", "err", err)
		}
		return false, nil
	}

	km, err := cfg.Keys()
	if err != nil {
		return false, opErr("resume_from_storage", err)
	}
	if km == nil {
		s.mu.Lock()
		km = s.keys
		s.mu.Unlock()
	}
	s.opts.RelayPersistence = s.opts.RelayPersistence || cfg.RelayPersistence
	if err := s.rebuild(km, cfg.OtherKey); err != nil {
		return false, opErr("resume_from_storage", err)
	}
	s.mu.Lock()
	s.validUntil = cfg.ValidUntil
	s.lastActive = cfg.LastActive
	s.mu.Unlock()

	s.log.Info("pairing.resume", "channel_id", cfg.ChannelID, "relay_persistence", s.opts.RelayPersistence)
	// A stored config means the wallet authorized this channel before.
	if err := s.ConnectToChannel(ctx, cfg.ChannelID, true); err != nil {
		return false, err
	}
	return true, nil
}

// ---- accessors ----

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) ChannelID() string {
	_, tr := s.parts()
	return tr.ChannelID()
}

func (s *Session) Role() v1.Role { return s.role }

func (s *Session) PublicKey() string {
	eng, _ := s.parts()
	return eng.PublicKey()
}

func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// Ready reports whether SendMessage would go straight through the readiness gate.
func (s *Session) Ready() bool {
	return s.ready.IsSet()
}

func (s *Session) PeerInfo() PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// KeysExchanged reports whether the current engine holds a usable peer key.
func (s *Session) KeysExchanged() bool {
	eng, _ := s.parts()
	return eng.Exchanged()
}

// ---- state transitions ----

// setStatus changes the status and notifies once per actual change.
func (s *Session) setStatus(next Status) {
	s.mu.Lock()
	ev, changed := s.setStatusLocked(next)
	s.mu.Unlock()
	s.emitIf(ev, changed)
}

// setStatusLocked applies next. Terminated only exits toward Waiting, which
// happens when a new channel is joined.
func (s *Session) setStatusLocked(next Status) (Event, bool) {
	cur := s.status
	if cur == next {
		return Event{}, false
	}
	if cur == StatusTerminated && next != StatusWaiting {
		return Event{}, false
	}
	if cur == StatusTerminated {
		s.done = make(chan struct{})
	}
	s.status = next
	if next == StatusTerminated {
		close(s.done)
	}
	s.metrics.statusChanged(next)
	s.log.Info("pairing.status", "from", cur.String(), "to", next.String())

	var channelID string
	if s.tr != nil {
		channelID = s.tr.ChannelID()
	}
	return Event{Kind: EventStatusChanged, Status: next, ChannelID: channelID}, true
}

// syncReadyLocked mirrors the readiness conditions into the ready latch.
func (s *Session) syncReadyLocked() {
	if s.readyFlag && s.peerPresent && !s.paused {
		s.ready.Set()
		return
	}
	s.ready.Reset()
}

func (s *Session) clearReady() {
	s.mu.Lock()
	s.readyFlag = false
	s.syncReadyLocked()
	s.mu.Unlock()
}

// markAuthorized opens the authorization gate and reports whether it was closed.
func (s *Session) markAuthorized() bool {
	s.mu.Lock()
	changed := !s.authorized
	s.authorized = true
	s.mu.Unlock()
	s.auth.Set()
	return changed
}

// resetLink forgets everything tied to the previous channel.
func (s *Session) resetLink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyFlag, s.peerPresent, s.paused, s.peerPaused = false, false, false, false
	s.infoSent, s.walletInfoSent = false, false
	s.compat = nil
	s.peer = PeerInfo{}
	s.lastActive = nil
	s.stopHandshakeTimerLocked()
	s.syncReadyLocked()
	if s.role == v1.RoleOriginator {
		s.authorized = false
		s.auth.Reset()
	}
}

// teardown drops link state and moves to status.
func (s *Session) teardown(status Status) {
	s.resetLink()
	s.setStatus(status)
}

func (s *Session) startHandshakeTimerLocked() {
	if s.hsTimer != nil {
		return
	}
	eng := s.engine
	s.hsTimer = time.AfterFunc(s.opts.HandshakeTimeout, func() {
		s.mu.Lock()
		if s.engine != eng || eng.Exchanged() || s.status != StatusWaiting {
			s.hsTimer = nil
			s.mu.Unlock()
			return
		}
		s.hsTimer = nil
		ev, changed := s.setStatusLocked(StatusTimeout)
		s.mu.Unlock()
		s.log.Warn("pairing.handshake.timeout", "after", s.opts.HandshakeTimeout)
		s.emitIf(ev, changed)
	})
}

func (s *Session) stopHandshakeTimerLocked() {
	if s.hsTimer != nil {
		s.hsTimer.Stop()
		s.hsTimer = nil
	}
}

func (s *Session) emit(ev Event) {
	s.observer.Observe(ev)
}

func (s *Session) emitIf(ev Event, ok bool) {
	if ok {
		s.emit(ev)
	}
}

// ---- persistence ----

// persist rewrites the stored config with a fresh validity window.
func (s *Session) persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	eng, tr, km := s.engine, s.tr, s.keys
	id := tr.ChannelID()
	if id == "" {
		s.mu.Unlock()
		return ErrNoChannel
	}
	s.validUntil = nextValidUntil(s.validUntil, s.now(), s.opts.SessionTTL)
	cfg := SessionConfig{
		ChannelID:        id,
		ValidUntil:       s.validUntil,
		OtherKey:         eng.PeerPublicKey(),
		RelayPersistence: s.opts.RelayPersistence,
		LastActive:       s.lastActive,
	}
	s.mu.Unlock()

	secret := km.Secret()
	cfg.LocalKey = hex.EncodeToString(secret)
	clear(secret)

	if err := s.store.Put(ctx, cfg); err != nil {
		s.log.Warn("pairing.store.put.fail", "channel_id", id, "err", err)
		return opErr("persist", err)
	}
	return nil
}

func (s *Session) deleteConfig(ctx context.Context, channelID string) {
	if s.store == nil || channelID == "" {
		return
	}
	if err := s.store.Delete(ctx, channelID); err != nil {
		s.log.Warn("pairing.store.delete.fail", "channel_id", channelID, "err", err)
	}
}

// storeCtx bounds store calls made from event handlers.
func storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}
