// Package relay is the pairlink relay: a hub of two-member channels that
// forwards opaque channel messages between an originator and a non-originator.
//
// The relay never sees plaintext. It tracks presence, remembers announced
// public keys per hashed channel id (to vouch for a returning peer), and
// enforces channel rejection.
package relay
