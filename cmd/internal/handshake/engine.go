package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"pairlink/cmd/security/keys"
	v1 "pairlink/shared/contracts/pairing/v1"
)

var (
	// ErrKeysNotExchanged is returned by Encrypt before the exchange completes.
	// Callers restart the handshake instead of surfacing it.
	ErrKeysNotExchanged = errors.New("keys not exchanged")
	// ErrInvalidMessage wraps malformed handshake payloads.
	ErrInvalidMessage = errors.New("invalid handshake message")
	// ErrNoSender is returned when the engine has nowhere to send.
	ErrNoSender = errors.New("handshake sender not configured")
)

// State is the handshake progress.
type State uint8

const (
	StateNone State = iota
	StateAwaitingSynAck
	StateAwaitingAck
	StateExchanged
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateAwaitingSynAck:
		return "awaiting_synack"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateExchanged:
		return "exchanged"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Sender delivers plaintext handshake messages to the peer.
type Sender interface {
	SendHandshake(ctx context.Context, msg v1.HandshakeMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg v1.HandshakeMessage) error

func (f SenderFunc) SendHandshake(ctx context.Context, msg v1.HandshakeMessage) error {
	return f(ctx, msg)
}

// Options configures an Engine.
type Options struct {
	Role v1.Role
	Keys *keys.KeyMaterial

	// PeerPublicKey is known up front by the non-originator.
	PeerPublicKey string

	// ProtocolVersion defaults to v1.ProtocolVersion. Values below 2 select
	// the legacy START flow for the non-originator.
	ProtocolVersion int

	Sender Sender
	Log    *slog.Logger
}

// Engine is the handshake state machine for one peer.
type Engine struct {
	role    v1.Role
	keys    *keys.KeyMaterial
	version int
	log     *slog.Logger

	mu             sync.Mutex
	sender         Sender
	state          State
	exchanged      bool
	peerKey        string
	peerVersion    int
	relayPersisted bool
}

// New builds an engine in StateNone.
func New(opts Options) (*Engine, error) {
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("handshake: invalid role %q", opts.Role)
	}
	if opts.Keys == nil {
		return nil, errors.New("handshake: keys are required")
	}
	if opts.PeerPublicKey != "" {
		if _, err := keys.ParsePublicKey(opts.PeerPublicKey); err != nil {
			return nil, fmt.Errorf("handshake: peer public key: %w", err)
		}
	}
	version := opts.ProtocolVersion
	if version <= 0 {
		version = v1.ProtocolVersion
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		role:    opts.Role,
		keys:    opts.Keys,
		version: version,
		log:     log.With("component", "handshake", "role", string(opts.Role)),
		sender:  opts.Sender,
		peerKey: opts.PeerPublicKey,
	}, nil
}

// SetSender replaces the outbound path. The transport installs itself here.
func (e *Engine) SetSender(s Sender) {
	e.mu.Lock()
	e.sender = s
	e.mu.Unlock()
}

// Start initiates (originator) or re-announces (non-originator) the exchange.
func (e *Engine) Start(ctx context.Context, force bool) error {
	pub := e.keys.PublicKey()

	e.mu.Lock()
	var msg v1.HandshakeMessage
	switch e.role {
	case v1.RoleOriginator:
		if e.exchanged && !force {
			e.mu.Unlock()
			e.log.Debug("handshake.start.skip", "reason", "already_exchanged")
			return nil
		}
		e.resetLocked()
		e.state = StateAwaitingSynAck
		msg = v1.HandshakeMessage{Type: v1.HandshakeSYN, PublicKey: pub, ProtocolVersion: e.version}
	default:
		if e.version >= 2 {
			if !e.exchanged {
				e.state = StateAwaitingAck
			}
			msg = v1.HandshakeMessage{Type: v1.HandshakeSYNACK, PublicKey: pub, ProtocolVersion: e.version}
		} else {
			e.resetLocked()
			msg = v1.HandshakeMessage{Type: v1.HandshakeSTART}
		}
	}
	sender := e.sender
	e.mu.Unlock()

	e.log.Debug("handshake.start", "send", msg.Type, "force", force)
	return e.send(ctx, sender, msg)
}

// Handle processes one inbound handshake message. exchanged reports the
// transition into the exchanged state and is false on repeats.
func (e *Engine) Handle(ctx context.Context, msg v1.HandshakeMessage) (exchanged bool, err error) {
	if err := msg.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	pub := e.keys.PublicKey()

	e.mu.Lock()
	if e.relayPersisted {
		e.mu.Unlock()
		e.log.Debug("handshake.ignored", "type", msg.Type, "reason", "relay_persisted")
		return false, nil
	}
	e.checkStepLocked(msg.Type)

	var (
		reply   *v1.HandshakeMessage
		restart bool
	)
	switch msg.Type {
	case v1.HandshakeSYN:
		if e.exchanged && !sameKey(msg.PublicKey, e.peerKey) {
			// Peer rotated keys; the old exchange no longer holds.
			e.exchanged = false
		}
		e.recordPeerLocked(msg)
		if !e.exchanged {
			e.state = StateAwaitingAck
		}
		reply = &v1.HandshakeMessage{Type: v1.HandshakeSYNACK, PublicKey: pub, ProtocolVersion: e.version}
	case v1.HandshakeSYNACK:
		if e.exchanged && !sameKey(msg.PublicKey, e.peerKey) {
			e.exchanged = false
		}
		e.recordPeerLocked(msg)
		reply = &v1.HandshakeMessage{Type: v1.HandshakeACK, ProtocolVersion: e.version}
		exchanged = e.markExchangedLocked()
	case v1.HandshakeACK:
		if e.peerKey == "" {
			e.log.Warn("handshake.ack.no_peer_key")
			break
		}
		exchanged = e.markExchangedLocked()
	case v1.HandshakeSTART:
		restart = e.role == v1.RoleOriginator
	case v1.HandshakeCHECK:
		restart = e.role == v1.RoleOriginator && !e.exchanged
	}
	sender := e.sender
	e.mu.Unlock()

	if exchanged {
		e.log.Info("handshake.exchanged", "peer", keys.Fingerprint(e.PeerPublicKey()))
	}
	if reply != nil {
		if err := e.send(ctx, sender, *reply); err != nil {
			return exchanged, err
		}
	}
	if restart {
		return exchanged, e.Start(ctx, true)
	}
	return exchanged, nil
}

// Reset returns to StateNone and clears the exchanged and relay-persisted flags.
// The last known peer key is kept; peers expect it to survive a re-handshake.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
}

// MarkRelayPersisted records that the relay vouched for peerKey. The exchange is
// treated as complete and inbound handshake messages are ignored until Reset.
func (e *Engine) MarkRelayPersisted(peerKey string) error {
	if _, err := keys.ParsePublicKey(peerKey); err != nil {
		return fmt.Errorf("handshake: relay peer key: %w", err)
	}
	e.mu.Lock()
	e.peerKey = peerKey
	e.exchanged = true
	e.state = StateExchanged
	e.relayPersisted = true
	e.mu.Unlock()

	e.log.Warn("handshake.relay_persisted", "peer", keys.Fingerprint(peerKey))
	return nil
}

// ClearRelayPersistence drops the relay-vouched flag so the next handshake is
// processed normally. The exchange itself is left as is.
func (e *Engine) ClearRelayPersistence() {
	e.mu.Lock()
	e.relayPersisted = false
	e.mu.Unlock()
}

// Encrypt seals plaintext for the peer. It requires a completed exchange.
func (e *Engine) Encrypt(plaintext string) (string, error) {
	e.mu.Lock()
	ok, peer := e.exchanged, e.peerKey
	e.mu.Unlock()
	if !ok || peer == "" {
		return "", ErrKeysNotExchanged
	}
	return e.keys.Encrypt(plaintext, peer)
}

// Decrypt opens a ciphertext addressed to this peer.
func (e *Engine) Decrypt(ciphertext string) (string, error) {
	return e.keys.Decrypt(ciphertext)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Exchanged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exchanged
}

func (e *Engine) RelayPersisted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.relayPersisted
}

func (e *Engine) PeerPublicKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerKey
}

// PeerProtocolVersion is the version announced by the peer, 0 if unknown.
func (e *Engine) PeerProtocolVersion() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerVersion
}

func (e *Engine) PublicKey() string { return e.keys.PublicKey() }

func (e *Engine) Role() v1.Role { return e.role }

func (e *Engine) resetLocked() {
	e.state = StateNone
	e.exchanged = false
	e.relayPersisted = false
}

func (e *Engine) markExchangedLocked() bool {
	was := e.exchanged
	e.exchanged = true
	e.state = StateExchanged
	return !was
}

func (e *Engine) recordPeerLocked(msg v1.HandshakeMessage) {
	if !sameKey(msg.PublicKey, e.peerKey) {
		e.peerKey = msg.PublicKey
	}
	if msg.ProtocolVersion > 0 {
		e.peerVersion = msg.ProtocolVersion
	}
}

// expectedState is where each step is normally received.
var expectedState = map[string]State{
	v1.HandshakeSYN:    StateNone,
	v1.HandshakeSYNACK: StateAwaitingSynAck,
	v1.HandshakeACK:    StateAwaitingAck,
}

func (e *Engine) checkStepLocked(typ string) {
	want, ok := expectedState[typ]
	if !ok || want == e.state {
		return
	}
	e.log.Warn("handshake.step.mismatch",
		"got", typ,
		"state", e.state.String(),
		"expected", want.String(),
	)
}

func (e *Engine) send(ctx context.Context, sender Sender, msg v1.HandshakeMessage) error {
	if sender == nil {
		return ErrNoSender
	}
	if err := sender.SendHandshake(ctx, msg); err != nil {
		return fmt.Errorf("handshake: send %s: %w", msg.Type, err)
	}
	return nil
}

// sameKey compares hex public keys by value, so case and padding do not
// count as a rotation.
func sameKey(a, b string) bool {
	ka, err := keys.ParsePublicKey(a)
	if err != nil {
		return a == b
	}
	kb, err := keys.ParsePublicKey(b)
	if err != nil {
		return false
	}
	return ka == kb
}
