package transport

import v1 "pairlink/shared/contracts/pairing/v1"

// EventKind enumerates what a Transport reports to its Handler.
type EventKind int

const (
	EventChannelCreated EventKind = iota + 1
	EventJoined
	EventPersisted
	EventRejected
	EventClientsConnected
	EventClientsWaiting
	EventClientsDisconnected
	EventKeysExchanged
	EventMessage
	EventSocketDisconnected
	EventSocketReconnected
	EventReconnectFailed
)

var eventNames = map[EventKind]string{
	EventChannelCreated:      "channel_created",
	EventJoined:              "joined",
	EventPersisted:           "persisted",
	EventRejected:            "rejected",
	EventClientsConnected:    "clients_connected",
	EventClientsWaiting:      "clients_waiting",
	EventClientsDisconnected: "clients_disconnected",
	EventKeysExchanged:       "keys_exchanged",
	EventMessage:             "message",
	EventSocketDisconnected:  "socket_disconnected",
	EventSocketReconnected:   "socket_reconnected",
	EventReconnectFailed:     "reconnect_failed",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one notification from the transport.
type Event struct {
	Kind      EventKind
	ChannelID string
	// Message is set for EventMessage.
	Message v1.Message
	// Count is the member count for presence events.
	Count int
	Err   error
}

// Handler receives events one at a time. Implementations must not call
// Transport operations that wait for the relay (connect, resume) inline.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }
