package transport

import (
	"errors"
	"fmt"

	"pairlink/cmd/internal/ids"
)

var (
	// ErrInvalidChannel is returned for channel ids that are not v4 UUIDs.
	ErrInvalidChannel = ids.ErrInvalidChannel

	ErrAlreadyConnected      = errors.New("transport: already connected to a channel")
	ErrRejected              = errors.New("transport: channel rejected")
	ErrTransportDisconnected = errors.New("transport: disconnected")
	ErrJoinTimeout           = errors.New("transport: join timed out")
	ErrNoChannel             = errors.New("transport: no channel to resume")
	ErrReconnectExhausted    = errors.New("transport: reconnect attempts exhausted")
)

// RelayError is an error frame the relay sent in answer to a join.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("transport: relay refused (%s): %s", e.Code, e.Message)
}
