// Package transport connects one pairing peer to a relay channel.
//
// A Transport dials the relay, joins a channel, gates encrypted sends on a
// completed key exchange and reconnects after unexpected socket loss. Frames
// from the relay are processed one at a time and surfaced to a Handler.
package transport
