// Command pairsmoke is a CI-friendly smoke run against a live pairlink relay.
//
// It validates:
//   - channel creation by an originator
//   - wallet join + SYN/SYNACK/ACK key exchange
//   - WALLET_INFO driven authorization
//   - one encrypted RPC round trip
//   - orderly termination
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"pairlink/cmd/internal/pairing"
	"pairlink/cmd/internal/transport"
	v1 "pairlink/shared/contracts/pairing/v1"
)

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "relay WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		text    = flag.String("text", "hello pairlink", "payload of the smoke RPC")
		timeout = flag.Duration("timeout", 10*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	logf := func(format string, args ...any) {
		if *verbose {
			fmt.Printf(format+"\n", args...)
		}
	}

	dialer := transport.WSDialer{URL: *wsURL, Origin: *origin}
	ctx := context.Background()

	dapp, err := pairing.New(pairing.Options{
		Dialer:         dialer,
		OriginatorInfo: v1.OriginatorInfo{Title: "pairsmoke", URL: *origin},
		Observer: pairing.ObserverFunc(func(ev pairing.Event) {
			logf("dapp   %-22s status=%s", ev.Kind, ev.Status)
		}),
	})
	if err != nil {
		fatalf("dapp session: %v", err)
	}

	step, cancel := context.WithTimeout(ctx, *timeout)
	info, err := dapp.GenerateAndConnect(step)
	cancel()
	if err != nil {
		fatalf("create channel: %v", err)
	}
	logf("channel %s", info.ChannelID)

	var wallet *pairing.Session
	wallet, err = pairing.New(pairing.Options{
		PeerPublicKey: info.PublicKey,
		Dialer:        dialer,
		WalletInfo:    v1.WalletInfo{Type: "smoke", Version: "7.3.0", Platform: "cli"},
		Observer: pairing.ObserverFunc(func(ev pairing.Event) {
			logf("wallet %-22s status=%s", ev.Kind, ev.Status)
			if ev.Kind == pairing.EventMessage && ev.Message.IsRequest() {
				go answer(wallet, ev.Message, *timeout)
			}
		}),
	})
	if err != nil {
		fatalf("wallet session: %v", err)
	}

	step, cancel = context.WithTimeout(ctx, *timeout)
	err = wallet.ConnectToChannel(step, info.ChannelID, true)
	cancel()
	if err != nil {
		fatalf("wallet join: %v", err)
	}

	step, cancel = context.WithTimeout(ctx, *timeout)
	call, err := dapp.Call(step, "pairlink_echo", []string{*text}, *timeout)
	cancel()
	if err != nil {
		fatalf("rpc: %v", err)
	}

	var got []string
	if err := json.Unmarshal(call.Result, &got); err != nil {
		fatalf("rpc result: %v", err)
	}
	if len(got) != 1 || got[0] != *text {
		fatalf("rpc echo mismatch: got=%v want=[%q]", got, *text)
	}
	logf("rpc %s answered in %s", call.ID, call.Elapsed)

	if dapp.Status() != pairing.StatusLinked || wallet.Status() != pairing.StatusLinked {
		fatalf("unexpected status: dapp=%s wallet=%s", dapp.Status(), wallet.Status())
	}

	step, cancel = context.WithTimeout(ctx, *timeout)
	dapp.Disconnect(step, true)
	wallet.Disconnect(step, true)
	cancel()

	fmt.Println("OK: pair smoke passed")
}

// answer echoes the request params back as the result.
func answer(s *pairing.Session, req v1.Message, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reply := v1.Message{ID: req.ID, Result: req.Params}
	if err := s.SendMessage(ctx, reply); err != nil {
		fmt.Fprintf(os.Stderr, "wallet reply: %v\n", err)
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
