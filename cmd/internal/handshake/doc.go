// Package handshake runs the SYN/SYNACK/ACK public-key exchange between the two
// peers of a pairing channel and gates encryption on its outcome.
//
// Ordering is permissive: both peers may initiate at the same time, so a step that
// arrives in an unexpected state is logged and processed anyway.
//
// A relay can vouch that both peers already share keys (MarkRelayPersisted). That
// path is flagged separately from a completed exchange and, while set, every
// incoming handshake message is ignored.
package handshake
