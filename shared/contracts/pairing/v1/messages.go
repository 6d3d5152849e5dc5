package v1

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the handshake protocol spoken by this implementation.
// Peers below 2 use the legacy START flow.
const ProtocolVersion = 2

// Handshake message types. They travel as plaintext.
const (
	HandshakeSYN    = "SYN"
	HandshakeSYNACK = "SYNACK"
	HandshakeACK    = "ACK"
	HandshakeSTART  = "START"
	HandshakeCHECK  = "CHECK"
)

// HandshakeMessage is the plaintext key-exchange payload.
type HandshakeMessage struct {
	Type            string `json:"type"`
	PublicKey       string `json:"public_key,omitempty"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`
}

// Validate checks the handshake type and that key-bearing steps carry a key.
func (m HandshakeMessage) Validate() error {
	switch m.Type {
	case HandshakeSYN, HandshakeSYNACK:
		if m.PublicKey == "" {
			return fmt.Errorf("%s without public_key", m.Type)
		}
		return nil
	case HandshakeACK, HandshakeSTART, HandshakeCHECK:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown handshake type: %q", m.Type)
	}
}

// Application control message types. Anything else is an application message.
const (
	MessageReady          = "READY"
	MessagePause          = "PAUSE"
	MessageTerminate      = "TERMINATE"
	MessageOTP            = "OTP"
	MessageOriginatorInfo = "ORIGINATOR_INFO"
	MessageWalletInfo     = "WALLET_INFO"
	MessageAuthorized     = "AUTHORIZED"
	MessagePing           = "PING"
)

// Message is the decrypted application payload: a JSON-RPC-shaped envelope
// plus the protocol control types above.
type Message struct {
	Type   string          `json:"type,omitempty"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	OriginatorInfo *OriginatorInfo `json:"originator_info,omitempty"`
	WalletInfo     *WalletInfo     `json:"wallet_info,omitempty"`
	OTPAnswer      string          `json:"otp_answer,omitempty"`
}

// IsRequest reports whether the message is an RPC call.
func (m Message) IsRequest() bool {
	return m.Method != "" && m.ID != ""
}

// IsResponse reports whether the message answers an RPC call.
func (m Message) IsResponse() bool {
	return m.Method == "" && m.ID != "" && (len(m.Result) > 0 || len(m.Error) > 0)
}

// OriginatorInfo describes the dapp side.
type OriginatorInfo struct {
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	Icon       string `json:"icon,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Source     string `json:"source,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
}

// WalletInfo describes the wallet side. Version drives the compatibility rules.
type WalletInfo struct {
	Type     string `json:"type,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// RPCError is the error member of an RPC reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
