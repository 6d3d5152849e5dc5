package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"pairlink/cmd/internal/handshake"
	"pairlink/cmd/internal/ids"
	"pairlink/cmd/security/keys"
	v1 "pairlink/shared/contracts/pairing/v1"
)

const (
	DefaultJoinTimeout          = 10 * time.Second
	DefaultReconnectDelay       = 1 * time.Second
	DefaultReconnectJitter      = 500 * time.Millisecond
	DefaultMaxReconnectAttempts = 10
)

// Options configures a Transport.
type Options struct {
	Engine  *handshake.Engine
	Dialer  Dialer
	Handler Handler
	Log     *slog.Logger
	Metrics *Metrics

	// Persistence asks the relay to remember this peer's key for the channel.
	Persistence bool
	// PlaintextDebug mirrors outgoing plaintext next to the ciphertext.
	// Development relays only.
	PlaintextDebug bool

	JoinTimeout          time.Duration
	ReconnectDelay       time.Duration
	ReconnectJitter      time.Duration
	MaxReconnectAttempts int
}

// ChannelInfo describes a channel created by the originator.
type ChannelInfo struct {
	ChannelID string
	PublicKey string
}

type joinResult struct {
	ack v1.JoinAckPayload
	err error
}

type pendingJoin struct {
	gen uint64
	ch  chan joinResult
}

// Transport is one peer's connection to a relay channel.
type Transport struct {
	engine  *handshake.Engine
	role    v1.Role
	dialer  Dialer
	handler Handler
	log     *slog.Logger
	metrics *Metrics
	opts    Options

	mu               sync.Mutex
	conn             Conn
	connGen          uint64
	channelID        string
	lastAck          v1.JoinAckPayload
	join             *pendingJoin
	manual           bool
	paused           bool
	resumedFromPause bool
	reconnecting     bool
	stopReconnect    context.CancelFunc

	writeMu    sync.Mutex
	dispatchMu sync.Mutex
}

// New builds a disconnected Transport and installs it as the engine's sender.
func New(opts Options) (*Transport, error) {
	if opts.Engine == nil {
		return nil, errors.New("transport: engine is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("transport: dialer is required")
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReconnectJitter < 0 {
		opts.ReconnectJitter = 0
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	handler := opts.Handler
	if handler == nil {
		handler = HandlerFunc(func(Event) {})
	}

	t := &Transport{
		engine:  opts.Engine,
		role:    opts.Engine.Role(),
		dialer:  opts.Dialer,
		handler: handler,
		log:     log.With("component", "transport", "role", string(opts.Engine.Role())),
		metrics: opts.Metrics,
		opts:    opts,
	}
	opts.Engine.SetSender(t)
	return t, nil
}

// CreateChannel joins a fresh channel as its creator.
func (t *Transport) CreateChannel(ctx context.Context) (ChannelInfo, error) {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return ChannelInfo{}, ErrAlreadyConnected
	}
	t.manual, t.paused = false, false
	t.mu.Unlock()

	id := ids.NewChannelID()
	if _, err := t.connect(ctx, id); err != nil {
		return ChannelInfo{}, err
	}
	return ChannelInfo{ChannelID: id, PublicKey: t.engine.PublicKey()}, nil
}

// ConnectToChannel joins channelID. Connecting again to the channel already
// joined is a no-op; any other channel yields ErrAlreadyConnected.
func (t *Transport) ConnectToChannel(ctx context.Context, channelID string) (v1.JoinAckPayload, error) {
	id, err := ids.ParseChannelID(channelID)
	if err != nil {
		return v1.JoinAckPayload{}, err
	}

	t.mu.Lock()
	if t.conn != nil {
		cur, ack := t.channelID, t.lastAck
		t.mu.Unlock()
		if cur == id {
			return ack, nil
		}
		return v1.JoinAckPayload{}, ErrAlreadyConnected
	}
	t.manual, t.paused = false, false
	t.mu.Unlock()

	return t.connect(ctx, id)
}

// RejectChannel tells the relay this peer refuses the channel.
func (t *Transport) RejectChannel(ctx context.Context) error {
	id := t.ChannelID()
	return t.sendFrame(ctx, v1.TypeRejectChannel, v1.ChannelPayload{ChannelID: id})
}

// Send encrypts msg for the peer. It fails with handshake.ErrKeysNotExchanged
// until the exchange completed.
func (t *Transport) Send(ctx context.Context, msg v1.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	ct, err := t.engine.Encrypt(string(b))
	if err != nil {
		return err
	}
	p := v1.MessagePayload{
		ChannelID:  t.ChannelID(),
		SenderRole: t.role,
		Cipher:     ct,
	}
	if t.opts.PlaintextDebug {
		p.PlaintextDebug = string(b)
	}
	return t.sendFrame(ctx, v1.TypeMessage, p)
}

// SendHandshake sends a plaintext handshake step. It implements handshake.Sender.
func (t *Transport) SendHandshake(ctx context.Context, msg v1.HandshakeMessage) error {
	return t.sendFrame(ctx, v1.TypeMessage, v1.MessagePayload{
		ChannelID:  t.ChannelID(),
		SenderRole: t.role,
		Handshake:  &msg,
	})
}

// Pause tells the peer (best effort), stops reconnection and closes the socket.
// Handshake state and the channel are kept for Resume.
func (t *Transport) Pause(ctx context.Context) {
	if t.engine.Exchanged() && t.Connected() {
		if err := t.Send(ctx, v1.Message{Type: v1.MessagePause}); err != nil {
			t.log.Debug("transport.pause.notify.fail", "err", err)
		}
	}
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
	t.shutdown()
	t.log.Info("transport.paused", "channel_id", t.ChannelID())
}

// Resume reconnects to the paused channel and announces READY when the keys
// survived the pause.
func (t *Transport) Resume(ctx context.Context) error {
	t.mu.Lock()
	id := t.channelID
	connected := t.conn != nil
	if t.paused && t.role == v1.RoleNonOriginator {
		t.resumedFromPause = true
	}
	t.manual, t.paused = false, false
	t.mu.Unlock()

	if id == "" {
		return ErrNoChannel
	}
	if connected {
		return nil
	}
	if _, err := t.connect(ctx, id); err != nil {
		return err
	}
	t.announce(ctx)
	return nil
}

// Disconnect closes the socket. With terminate the peer is told (best effort),
// the handshake is reset and the channel forgotten.
func (t *Transport) Disconnect(ctx context.Context, terminate bool) {
	if terminate && t.engine.Exchanged() && t.Connected() {
		if err := t.Send(ctx, v1.Message{Type: v1.MessageTerminate}); err != nil {
			t.log.Debug("transport.terminate.notify.fail", "err", err)
		}
	}
	t.shutdown()

	if terminate {
		t.mu.Lock()
		t.channelID = ""
		t.lastAck = v1.JoinAckPayload{}
		t.paused, t.resumedFromPause = false, false
		t.mu.Unlock()
		t.engine.Reset()
	}
	t.log.Info("transport.disconnected", "terminate", terminate)
}

func (t *Transport) ChannelID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channelID
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *Transport) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *Transport) Role() v1.Role { return t.role }

// ---- connection lifecycle ----

// connect dials, starts the read loop and waits for the join outcome.
func (t *Transport) connect(ctx context.Context, channelID string) (v1.JoinAckPayload, error) {
	conn, err := t.dialer.Dial(ctx)
	if err != nil {
		return v1.JoinAckPayload{}, err
	}

	t.mu.Lock()
	if t.manual {
		t.mu.Unlock()
		_ = conn.Close()
		return v1.JoinAckPayload{}, ErrTransportDisconnected
	}
	if t.conn != nil {
		t.mu.Unlock()
		_ = conn.Close()
		return v1.JoinAckPayload{}, ErrAlreadyConnected
	}
	t.connGen++
	gen := t.connGen
	t.conn = conn
	t.channelID = channelID
	wait := make(chan joinResult, 1)
	t.join = &pendingJoin{gen: gen, ch: wait}
	t.mu.Unlock()

	go t.readLoop(conn, gen)

	err = t.sendFrame(ctx, v1.TypeJoinChannel, v1.JoinChannelPayload{
		ChannelID:   channelID,
		Role:        t.role,
		PublicKey:   t.engine.PublicKey(),
		Persistence: t.opts.Persistence,
	})
	if err != nil {
		t.dropConn(gen)
		return v1.JoinAckPayload{}, fmt.Errorf("transport: send join: %w", err)
	}

	timer := time.NewTimer(t.opts.JoinTimeout)
	defer timer.Stop()

	select {
	case res := <-wait:
		if res.err != nil {
			return v1.JoinAckPayload{}, res.err
		}
		return res.ack, nil
	case <-timer.C:
		t.dropConn(gen)
		return v1.JoinAckPayload{}, ErrJoinTimeout
	case <-ctx.Done():
		t.dropConn(gen)
		return v1.JoinAckPayload{}, ctx.Err()
	}
}

// shutdown marks the disconnect as intentional and closes the live socket.
func (t *Transport) shutdown() {
	t.mu.Lock()
	t.manual = true
	conn := t.conn
	t.conn = nil
	t.connGen++
	stop := t.stopReconnect
	if t.join != nil {
		t.join.ch <- joinResult{err: ErrTransportDisconnected}
		t.join = nil
	}
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// dropConn abandons connection gen without triggering reconnection.
func (t *Transport) dropConn(gen uint64) {
	t.mu.Lock()
	if gen != t.connGen {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.conn = nil
	t.connGen++
	if t.join != nil && t.join.gen == gen {
		t.join = nil
	}
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) finishJoin(gen uint64, res joinResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.join == nil || t.join.gen != gen {
		return
	}
	if res.err == nil {
		t.lastAck = res.ack
	}
	t.join.ch <- res
	t.join = nil
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.connGen
}

func (t *Transport) readLoop(conn Conn, gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		f, err := conn.Recv(ctx)
		if err != nil {
			t.onConnLost(gen, err)
			return
		}
		t.dispatchMu.Lock()
		if t.current(gen) {
			t.handleFrame(ctx, gen, f)
		}
		t.dispatchMu.Unlock()
	}
}

func (t *Transport) onConnLost(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.connGen {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connGen++
	id := t.channelID
	manual := t.manual
	joining := t.join != nil && t.join.gen == gen
	if joining {
		t.join.ch <- joinResult{err: ErrTransportDisconnected}
		t.join = nil
	}
	t.mu.Unlock()

	if manual || joining {
		return
	}
	t.log.Warn("transport.socket.lost", "channel_id", id, "err", cause)
	t.dispatch(Event{Kind: EventSocketDisconnected, ChannelID: id, Err: cause})
	t.scheduleReconnect()
}

// ---- reconnection ----

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.reconnecting || t.manual || t.channelID == "" {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.reconnecting = true
	t.stopReconnect = cancel
	t.mu.Unlock()

	go t.reconnectLoop(ctx, cancel)
}

func (t *Transport) reconnectLoop(ctx context.Context, cancel context.CancelFunc) {
	finished := false
	finish := func() {
		if finished {
			return
		}
		finished = true
		t.mu.Lock()
		t.reconnecting = false
		t.stopReconnect = nil
		t.mu.Unlock()
		cancel()
	}
	defer finish()

	for attempt := 1; attempt <= t.opts.MaxReconnectAttempts; attempt++ {
		delay := t.opts.ReconnectDelay
		if t.opts.ReconnectJitter > 0 {
			delay += rand.N(t.opts.ReconnectJitter)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.mu.Lock()
		id, manual := t.channelID, t.manual
		t.mu.Unlock()
		if manual || id == "" {
			return
		}

		t.metrics.reconnectAttempt()
		t.log.Info("transport.reconnect.attempt", "channel_id", id, "attempt", attempt)

		_, err := t.connect(ctx, id)
		switch {
		case err == nil:
			t.mu.Lock()
			lost := t.conn == nil
			if !lost {
				t.reconnecting = false
				t.stopReconnect = nil
			}
			t.mu.Unlock()
			if lost {
				continue
			}
			finished = true
			t.announce(ctx)
			t.log.Info("transport.reconnect.ok", "channel_id", id, "attempt", attempt)
			t.dispatch(Event{Kind: EventSocketReconnected, ChannelID: id})
			cancel()
			return
		case errors.Is(err, ErrRejected), ctx.Err() != nil:
			return
		default:
			t.log.Warn("transport.reconnect.fail", "channel_id", id, "attempt", attempt, "err", err)
		}
	}

	t.metrics.reconnectExhausted()
	id := t.ChannelID()
	t.log.Error("transport.reconnect.exhausted", "channel_id", id, "attempts", t.opts.MaxReconnectAttempts)
	finish()
	t.dispatch(Event{Kind: EventReconnectFailed, ChannelID: id, Err: ErrReconnectExhausted})
}

// announce runs after a rejoin: READY when keys survived, otherwise the
// non-originator re-initiates the exchange.
func (t *Transport) announce(ctx context.Context) {
	if t.engine.Exchanged() {
		if err := t.Send(ctx, v1.Message{Type: v1.MessageReady}); err != nil {
			t.log.Warn("transport.ready.fail", "err", err)
		}
		return
	}
	if t.role == v1.RoleNonOriginator {
		if err := t.engine.Start(ctx, true); err != nil {
			t.log.Warn("transport.handshake.restart.fail", "err", err)
		}
	}
}

// ---- inbound ----

func (t *Transport) dispatch(ev Event) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()
	t.handler.HandleEvent(ev)
}

// handleFrame runs with dispatchMu held.
func (t *Transport) handleFrame(ctx context.Context, gen uint64, f v1.Frame) {
	id := t.ChannelID()

	switch f.Type {
	case v1.TypeJoinChannelAck:
		var ack v1.JoinAckPayload
		if err := f.Decode(&ack); err != nil {
			t.log.Warn("transport.frame.bad", "type", f.Type, "err", err)
			return
		}
		t.onJoinAck(gen, ack)

	case v1.TypeChannelRejected:
		t.onRejected(gen, id)

	case v1.TypeChannelCreated:
		t.handler.HandleEvent(Event{Kind: EventChannelCreated, ChannelID: id})

	case v1.TypeClientsWaitingToJoin:
		t.handler.HandleEvent(Event{Kind: EventClientsWaiting, ChannelID: id, Count: presenceCount(f)})

	case v1.TypeClientsDisconnected:
		t.handler.HandleEvent(Event{Kind: EventClientsDisconnected, ChannelID: id, Count: presenceCount(f)})

	case v1.TypeClientsConnected:
		t.handler.HandleEvent(Event{Kind: EventClientsConnected, ChannelID: id, Count: presenceCount(f)})
		t.onPeerPresent(ctx)

	case v1.TypeMessage:
		t.onMessage(ctx, id, f)

	case v1.TypeError:
		var ep v1.ErrorPayload
		_ = f.Decode(&ep)
		t.log.Warn("transport.relay.error", "code", ep.Code, "err", ep.Message)
		t.finishJoin(gen, joinResult{err: &RelayError{Code: ep.Code, Message: ep.Message}})

	default:
		t.log.Debug("transport.frame.ignored", "type", f.Type)
	}
}

func (t *Transport) onJoinAck(gen uint64, ack v1.JoinAckPayload) {
	if ack.Rejected {
		t.onRejected(gen, ack.ChannelID)
		return
	}
	if ack.Persistence && ack.PeerPublicKey != "" {
		if err := t.engine.MarkRelayPersisted(ack.PeerPublicKey); err != nil {
			t.log.Warn("transport.persisted.bad_key", "err", err)
			t.handler.HandleEvent(Event{Kind: EventJoined, ChannelID: ack.ChannelID, Count: ack.Peers + 1})
		} else {
			t.log.Info("transport.join.persisted", "channel_id", ack.ChannelID, "peer", keys.Fingerprint(ack.PeerPublicKey))
			t.handler.HandleEvent(Event{Kind: EventPersisted, ChannelID: ack.ChannelID, Count: ack.Peers + 1})
		}
	} else {
		// The relay no longer vouches for the peer key; accept handshakes again.
		t.engine.ClearRelayPersistence()
		t.log.Info("transport.join", "channel_id", ack.ChannelID, "peers", ack.Peers)
		t.handler.HandleEvent(Event{Kind: EventJoined, ChannelID: ack.ChannelID, Count: ack.Peers + 1})
	}
	t.finishJoin(gen, joinResult{ack: ack})
}

func (t *Transport) onRejected(gen uint64, channelID string) {
	t.mu.Lock()
	t.manual = true
	t.mu.Unlock()
	t.finishJoin(gen, joinResult{err: ErrRejected})
	t.dropConn(gen)

	t.log.Info("transport.channel.rejected", "channel_id", channelID)
	t.handler.HandleEvent(Event{Kind: EventRejected, ChannelID: channelID, Err: ErrRejected})
}

func (t *Transport) onPeerPresent(ctx context.Context) {
	switch t.role {
	case v1.RoleOriginator:
		if t.engine.Exchanged() {
			return
		}
		if err := t.engine.Start(ctx, false); err != nil {
			t.log.Warn("transport.handshake.start.fail", "err", err)
		}
	default:
		t.mu.Lock()
		resumed := t.resumedFromPause
		t.resumedFromPause = false
		t.mu.Unlock()
		if !resumed {
			return
		}
		if err := t.engine.Start(ctx, true); err != nil {
			t.log.Warn("transport.handshake.start.fail", "err", err)
		}
	}
}

func (t *Transport) onMessage(ctx context.Context, channelID string, f v1.Frame) {
	var p v1.MessagePayload
	if err := f.Decode(&p); err != nil {
		t.log.Warn("transport.frame.bad", "type", f.Type, "err", err)
		return
	}
	if err := p.Validate(); err != nil {
		t.log.Warn("transport.frame.bad", "type", f.Type, "err", err)
		return
	}
	if p.SenderRole == t.role {
		return
	}

	if p.Handshake != nil {
		exchanged, err := t.engine.Handle(ctx, *p.Handshake)
		if err != nil {
			t.log.Warn("transport.handshake.fail", "type", p.Handshake.Type, "err", err)
		}
		if exchanged {
			t.handler.HandleEvent(Event{Kind: EventKeysExchanged, ChannelID: channelID})
		}
		return
	}

	plain, err := t.engine.Decrypt(p.Cipher)
	if err != nil {
		t.metrics.dropUndecryptable()
		t.log.Warn("transport.decrypt.fail", "channel_id", channelID, "err", err)
		return
	}
	var msg v1.Message
	if err := json.Unmarshal([]byte(plain), &msg); err != nil {
		t.log.Warn("transport.message.bad", "channel_id", channelID, "err", err)
		return
	}
	t.handler.HandleEvent(Event{Kind: EventMessage, ChannelID: channelID, Message: msg})
}

func presenceCount(f v1.Frame) int {
	var p v1.PresencePayload
	if err := f.Decode(&p); err != nil {
		return 0
	}
	return p.Count
}

// ---- outbound ----

func (t *Transport) sendFrame(ctx context.Context, typ string, payload any) error {
	t.mu.Lock()
	conn, id := t.conn, t.channelID
	t.mu.Unlock()
	if conn == nil {
		return ErrTransportDisconnected
	}

	f, err := v1.NewFrame(typ, id, payload)
	if err != nil {
		return err
	}
	f.ID = ids.MustULID()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.Send(ctx, f); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}
	return nil
}
