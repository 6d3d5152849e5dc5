package token

import "errors"

// Public, stable errors for callers.
var (
	ErrHMACKeyMissing  = errors.New("channel HMAC key missing")
	ErrHMACKeyTooShort = errors.New("channel HMAC key too short")
)
