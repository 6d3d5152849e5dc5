// Package token derives relay-side storage keys from channel ids.
//
// The relay never persists raw channel ids: a channel id is the rendezvous secret
// shared by both peers, so the channel store keys records by a digest instead.
//
// Modes:
// - Default: SHA-256(channel_id) when no HMAC key is configured.
// - Enforced: HMAC-SHA256(channel_id, key) when PAIRLINK_REQUIRE_CHANNEL_HMAC is set.
//
// Environment:
// - PAIRLINK_CHANNEL_HMAC_KEY: when set, enables HMAC mode.
package token
