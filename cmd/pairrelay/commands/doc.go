// Package commands defines the pairrelay CLI.
//
// Commands
//
//   - serve     Run the relay (WebSocket gateway, health and metrics endpoints)
//   - keygen    Create a key pair and print its public key and fingerprint
//   - session   Inspect a session file written by a file-backed pairing store
//   - version   Print build information
//
// Flags on serve override the PAIRLINK_* environment; anything left unset
// keeps its environment or default value.
package commands
