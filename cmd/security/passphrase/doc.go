// Package passphrase seals small secrets (session private keys) at rest.
//
// A key-encryption key is derived from a passphrase with Argon2id and used with
// ChaCha20-Poly1305. Sealed values use a PHC-like encoded string:
//
//	$argon2id-chacha20poly1305$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<nonce>$<ciphertext>
//
// Sealed strings are treated as untrusted input during Open: parameters far above the
// configured cost are refused before any key derivation runs.
package passphrase
