package keys

import "errors"

// ErrCrypto is returned for every encryption or decryption failure.
// Callers drop the offending message; the session continues.
var ErrCrypto = errors.New("crypto error")
