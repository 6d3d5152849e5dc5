package passphrase

import "errors"

// Public, stable errors for callers.
var (
	ErrPassphraseTooShort = errors.New("passphrase too short")
	ErrPassphraseTooLong  = errors.New("passphrase too long")
	ErrInvalidSealed      = errors.New("invalid sealed value")
	ErrWrongPassphrase    = errors.New("wrong passphrase or corrupted value")
)
