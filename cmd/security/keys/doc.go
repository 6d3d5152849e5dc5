// Package keys holds the per-peer X25519 key material used by pairlink.
//
// Encrypt produces a sealed box addressed to a peer public key:
// an ephemeral X25519 key agrees a secret with the peer key, HKDF-SHA256
// derives a ChaCha20-Poly1305 key, and the output is
// base64(ephemeral_pub || nonce || ciphertext).
//
// Public keys travel as 64-char lowercase hex. Private keys never leave the process
// except through Secret, which exists for encrypted-at-rest persistence.
package keys
