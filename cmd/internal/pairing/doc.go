// Package pairing is the public session object that links an originator
// (dapp) with a non-originator (wallet) over a relay channel.
//
// A Session owns one handshake engine and one transport at a time. It gates
// outbound messages on peer readiness and, for older wallets, on explicit
// authorization. It also persists enough state to resume a link after a
// restart.
package pairing
