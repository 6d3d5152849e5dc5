package pairing

import v1 "pairlink/shared/contracts/pairing/v1"

// EventKind enumerates session notifications.
type EventKind int

const (
	EventStatusChanged EventKind = iota + 1
	EventMessage
	EventChannelCreated
	EventClientsWaiting
	EventClientsDisconnected
	EventPeerInfo
	EventOTP
	EventAuthorized
	EventRejected
	EventKeysExchanged
	EventSocketDisconnected
	EventSocketReconnected
	EventReconnectFailed
)

var eventKindNames = map[EventKind]string{
	EventStatusChanged:       "status_changed",
	EventMessage:             "message",
	EventChannelCreated:      "channel_created",
	EventClientsWaiting:      "clients_waiting",
	EventClientsDisconnected: "clients_disconnected",
	EventPeerInfo:            "peer_info",
	EventOTP:                 "otp",
	EventAuthorized:          "authorized",
	EventRejected:            "rejected",
	EventKeysExchanged:       "keys_exchanged",
	EventSocketDisconnected:  "socket_disconnected",
	EventSocketReconnected:   "socket_reconnected",
	EventReconnectFailed:     "reconnect_failed",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one notification delivered to the Observer.
type Event struct {
	Kind      EventKind
	ChannelID string
	Status    Status
	Message   v1.Message
	Count     int
	OTP       string
	Peer      PeerInfo
	Err       error
}

// PeerInfo is the metadata the other side announced.
type PeerInfo struct {
	Originator *v1.OriginatorInfo
	Wallet     *v1.WalletInfo
}

// Observer receives session events synchronously, in order per session.
// It must not block and must not call back into blocking Session operations.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
