// Package v1 defines the pairlink relay protocol v1 contract.
//
// The relay only ever sees Frame envelopes and their plaintext payloads.
// Application messages travel inside MessagePayload.Cipher and are opaque to it.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the relay framing version embedded into every frame.
const Version = "v1"

// Subprotocol is negotiated on the websocket upgrade.
const Subprotocol = "pairlink.relay.v1"

// Frame types (wire-stable).
const (
	// TypeJoinChannel asks the relay to join a channel (client -> relay).
	TypeJoinChannel = "join_channel"
	// TypeJoinChannelAck answers a join with the outcome (relay -> client).
	TypeJoinChannelAck = "join_channel_ack"
	// TypeLeaveChannel leaves the joined channel (client -> relay).
	TypeLeaveChannel = "leave_channel"
	// TypeRejectChannel marks a channel as refused by the wallet (client -> relay).
	TypeRejectChannel = "reject_channel"

	// TypeMessage carries a channel-scoped envelope (both directions).
	TypeMessage = "message"

	// Presence and lifecycle notifications (relay -> client).
	TypeChannelCreated       = "channel_created"
	TypeChannelRejected      = "channel_rejected"
	TypeClientsConnected     = "clients_connected"
	TypeClientsDisconnected  = "clients_disconnected"
	TypeClientsWaitingToJoin = "clients_waiting_to_join"

	// TypeError is a generic error frame (relay -> client).
	TypeError = "error"
)

// Role identifies which side of the pairing a peer plays.
type Role string

const (
	RoleOriginator    Role = "originator"
	RoleNonOriginator Role = "non_originator"
)

func (r Role) Valid() bool {
	return r == RoleOriginator || r == RoleNonOriginator
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleOriginator {
		return RoleNonOriginator
	}
	return RoleOriginator
}

// Frame is the canonical relay wire wrapper.
type Frame struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation of a Frame.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.V) == "" {
		return errors.New("missing field: v")
	}
	if f.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", f.V)
	}
	if strings.TrimSpace(f.Type) == "" {
		return errors.New("missing field: type")
	}

	switch f.Type {
	case TypeJoinChannel,
		TypeJoinChannelAck,
		TypeLeaveChannel,
		TypeRejectChannel,
		TypeMessage,
		TypeChannelCreated,
		TypeChannelRejected,
		TypeClientsConnected,
		TypeClientsDisconnected,
		TypeClientsWaitingToJoin,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", f.Type)
	}
}

// NewFrame builds a frame with the payload marshaled to JSON.
func NewFrame(typ, channelID string, payload any) (Frame, error) {
	f := Frame{V: Version, Type: typ, ChannelID: channelID, TS: time.Now().UTC()}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	f.Payload = b
	return f, nil
}

// Decode unmarshals the frame payload into dst.
func (f Frame) Decode(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("missing payload for %s", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// ---- Payloads ----

// JoinChannelPayload requests membership in a channel.
// PublicKey and Persistence feed the relay-assisted persistence shortcut.
type JoinChannelPayload struct {
	ChannelID   string `json:"channel_id"`
	Role        Role   `json:"role"`
	PublicKey   string `json:"public_key,omitempty"`
	Persistence bool   `json:"persistence,omitempty"`
}

// JoinAckPayload reports one of three outcomes: rejected, persisted or a plain join.
type JoinAckPayload struct {
	ChannelID     string `json:"channel_id"`
	Ready         bool   `json:"ready"`
	Rejected      bool   `json:"rejected,omitempty"`
	Persistence   bool   `json:"persistence,omitempty"`
	PeerPublicKey string `json:"peer_public_key,omitempty"`
	Peers         int    `json:"peers"`
}

// ChannelPayload names a channel. It accompanies leave_channel, reject_channel,
// channel_created and channel_rejected.
type ChannelPayload struct {
	ChannelID string `json:"channel_id"`
}

// PresencePayload accompanies clients_connected, clients_disconnected and
// clients_waiting_to_join.
type PresencePayload struct {
	ChannelID string `json:"channel_id"`
	Count     int    `json:"count"`
}

// MessagePayload is the channel-scoped envelope. Exactly one of Handshake or
// Cipher is set. PlaintextDebug mirrors the plaintext on development relays.
type MessagePayload struct {
	ChannelID      string            `json:"channel_id"`
	SenderRole     Role              `json:"sender_role"`
	Handshake      *HandshakeMessage `json:"handshake,omitempty"`
	Cipher         string            `json:"cipher,omitempty"`
	PlaintextDebug string            `json:"plaintext_debug,omitempty"`
}

// Validate checks the envelope shape.
func (p MessagePayload) Validate() error {
	if strings.TrimSpace(p.ChannelID) == "" {
		return errors.New("missing field: channel_id")
	}
	if !p.SenderRole.Valid() {
		return fmt.Errorf("invalid sender_role: %q", p.SenderRole)
	}
	switch {
	case p.Handshake != nil && p.Cipher != "":
		return errors.New("handshake and cipher are mutually exclusive")
	case p.Handshake == nil && p.Cipher == "":
		return errors.New("missing handshake or cipher")
	}
	return nil
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
