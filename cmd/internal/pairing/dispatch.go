package pairing

import (
	"context"
	"encoding/json"

	"pairlink/cmd/internal/ids"
	"pairlink/cmd/internal/transport"
	v1 "pairlink/shared/contracts/pairing/v1"
)

const methodRequestAccounts = "eth_requestAccounts"

// HandleEvent consumes transport events. The transport calls it one event at
// a time, so link state changes here never race each other.
func (s *Session) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventChannelCreated:
		s.emit(Event{Kind: EventChannelCreated, ChannelID: ev.ChannelID})

	case transport.EventJoined:
		s.mu.Lock()
		var (
			sev     Event
			changed bool
		)
		if s.status != StatusLinked {
			sev, changed = s.setStatusLocked(StatusWaiting)
		}
		s.mu.Unlock()
		s.emitIf(sev, changed)

	case transport.EventPersisted:
		s.onPersisted(ev)

	case transport.EventRejected:
		s.onRejected(ev)

	case transport.EventClientsWaiting:
		s.emit(Event{Kind: EventClientsWaiting, ChannelID: ev.ChannelID, Count: ev.Count})

	case transport.EventClientsConnected:
		s.onPeerConnected(ev)

	case transport.EventClientsDisconnected:
		s.onPeerDisconnected(ev)

	case transport.EventKeysExchanged:
		s.onKeysExchanged(ev)

	case transport.EventMessage:
		s.dispatch(ev.ChannelID, ev.Message)

	case transport.EventSocketDisconnected:
		s.mu.Lock()
		s.readyFlag = false
		s.peerPresent = false
		s.walletInfoSent = false
		s.stopHandshakeTimerLocked()
		s.syncReadyLocked()
		sev, changed := s.setStatusLocked(StatusDisconnected)
		s.mu.Unlock()
		s.emitIf(sev, changed)
		s.emit(Event{Kind: EventSocketDisconnected, ChannelID: ev.ChannelID, Err: ev.Err})

	case transport.EventSocketReconnected:
		s.emit(Event{Kind: EventSocketReconnected, ChannelID: ev.ChannelID})

	case transport.EventReconnectFailed:
		s.log.Error("pairing.reconnect.failed", "channel_id", ev.ChannelID, "err", ev.Err)
		s.tracker.DiscardAll()
		_, tr := s.parts()
		tr.Disconnect(context.Background(), true)
		// The channel is dead; a stored config must not resume it.
		ctx, cancel := storeCtx()
		s.deleteConfig(ctx, ev.ChannelID)
		cancel()
		s.teardown(StatusTerminated)
		s.emit(Event{Kind: EventReconnectFailed, ChannelID: ev.ChannelID, Err: ev.Err})
	}
}

// onPersisted handles a join the relay vouched for: the stored peer key is
// trusted without a handshake.
func (s *Session) onPersisted(ev transport.Event) {
	s.mu.Lock()
	s.stopHandshakeTimerLocked()
	s.readyFlag = true
	s.peerPresent = ev.Count >= 2
	s.syncReadyLocked()
	s.mu.Unlock()
	authorized := s.markAuthorized()

	s.mu.Lock()
	// Persisted acks replace the plain join notification.
	var (
		wev    Event
		waited bool
	)
	if s.status == StatusTerminated {
		wev, waited = s.setStatusLocked(StatusWaiting)
	}
	sev, changed := s.setStatusLocked(StatusLinked)
	s.mu.Unlock()
	s.emitIf(wev, waited)
	s.emitIf(sev, changed)
	s.emitIf(Event{Kind: EventAuthorized, ChannelID: ev.ChannelID}, authorized)

	ctx, cancel := storeCtx()
	defer cancel()
	s.persist(ctx)
}

func (s *Session) onRejected(ev transport.Event) {
	s.log.Info("pairing.rejected", "channel_id", ev.ChannelID)
	s.tracker.DiscardAll()
	_, tr := s.parts()
	tr.Disconnect(context.Background(), true)

	ctx, cancel := storeCtx()
	defer cancel()
	s.deleteConfig(ctx, ev.ChannelID)
	s.teardown(StatusTerminated)
	s.emit(Event{Kind: EventRejected, ChannelID: ev.ChannelID, Err: ev.Err})
}

func (s *Session) onPeerConnected(ev transport.Event) {
	s.mu.Lock()
	s.peerPresent = true
	authorize := false
	announce := false
	var (
		sev     Event
		changed bool
	)
	if s.engine.Exchanged() {
		// The peer may have missed WALLET_INFO while it was away.
		announce = s.walletInfoDueLocked()
		s.readyFlag = true
		s.stopHandshakeTimerLocked()
		if s.peerPaused && s.role == v1.RoleOriginator {
			authorize = true
		}
		s.peerPaused = false
		if !s.paused {
			sev, changed = s.setStatusLocked(StatusLinked)
		}
	} else {
		s.startHandshakeTimerLocked()
	}
	s.syncReadyLocked()
	s.mu.Unlock()

	authorized := authorize && s.markAuthorized()
	s.emitIf(sev, changed)
	s.emitIf(Event{Kind: EventAuthorized, ChannelID: ev.ChannelID}, authorized)
	if announce {
		ctx, cancel := storeCtx()
		s.sendWalletInfo(ctx)
		cancel()
	}
}

func (s *Session) onPeerDisconnected(ev transport.Event) {
	s.mu.Lock()
	s.peerPresent = false
	s.readyFlag = false
	s.walletInfoSent = false
	s.stopHandshakeTimerLocked()
	s.syncReadyLocked()
	var (
		sev     Event
		changed bool
	)
	if s.status == StatusLinked || s.status == StatusTimeout {
		sev, changed = s.setStatusLocked(StatusWaiting)
	}
	s.mu.Unlock()
	s.emitIf(sev, changed)
	s.emit(Event{Kind: EventClientsDisconnected, ChannelID: ev.ChannelID, Count: ev.Count})
}

func (s *Session) onKeysExchanged(ev transport.Event) {
	s.metrics.keysExchanged()
	_, tr := s.parts()
	ctx, cancel := storeCtx()
	defer cancel()

	s.mu.Lock()
	s.stopHandshakeTimerLocked()
	sendInfo := s.role == v1.RoleOriginator && !s.infoSent
	s.infoSent = s.infoSent || sendInfo
	announce := s.walletInfoDueLocked()
	s.mu.Unlock()

	switch s.role {
	case v1.RoleOriginator:
		if sendInfo {
			info := s.opts.OriginatorInfo
			if err := tr.Send(ctx, v1.Message{Type: v1.MessageOriginatorInfo, OriginatorInfo: &info}); err != nil {
				s.log.Warn("pairing.originator_info.fail", "err", err)
			}
		}
	default:
		if announce {
			s.sendWalletInfo(ctx)
		}
		if err := tr.Send(ctx, v1.Message{Type: v1.MessageReady}); err != nil {
			s.log.Warn("pairing.ready.fail", "err", err)
		}
	}

	s.mu.Lock()
	s.readyFlag = true
	s.peerPresent = true
	s.syncReadyLocked()
	sev, changed := s.setStatusLocked(StatusLinked)
	s.mu.Unlock()

	s.emitIf(sev, changed)
	s.emit(Event{Kind: EventKeysExchanged, ChannelID: ev.ChannelID})
	s.persist(ctx)
}

// dispatch routes one decrypted inbound message. Control types are checked
// in a fixed order; anything not consumed reaches the observer.
func (s *Session) dispatch(channelID string, msg v1.Message) {
	originator := s.role == v1.RoleOriginator
	handled := false

	switch {
	case msg.Type == v1.MessageOriginatorInfo || msg.Type == v1.MessageWalletInfo:
		s.onPeerInfo(channelID, msg)
		handled = true

	case msg.Type == v1.MessageTerminate && originator:
		s.log.Info("pairing.peer.terminated", "channel_id", channelID)
		eng, tr := s.parts()
		// Reset first so Disconnect does not echo TERMINATE back.
		eng.Reset()
		s.tracker.DiscardAll()
		tr.Disconnect(context.Background(), true)
		ctx, cancel := storeCtx()
		s.deleteConfig(ctx, channelID)
		cancel()
		s.teardown(StatusTerminated)
		handled = true

	case msg.Type == v1.MessagePause:
		s.mu.Lock()
		s.readyFlag = false
		s.peerPaused = true
		s.syncReadyLocked()
		sev, changed := s.setStatusLocked(StatusPaused)
		s.mu.Unlock()
		s.emitIf(sev, changed)
		handled = true

	case msg.Type == v1.MessageReady && originator:
		s.mu.Lock()
		authorize := s.peerPaused
		s.peerPaused = false
		s.readyFlag = true
		s.peerPresent = true
		s.stopHandshakeTimerLocked()
		s.syncReadyLocked()
		sev, changed := s.setStatusLocked(StatusLinked)
		s.mu.Unlock()
		if authorize {
			s.markAuthorized()
			s.emit(Event{Kind: EventAuthorized, ChannelID: channelID})
		}
		s.emitIf(sev, changed)
		handled = true

	case msg.Type == v1.MessageOTP && originator:
		s.emit(Event{Kind: EventOTP, ChannelID: channelID, OTP: msg.OTPAnswer})
		s.mu.Lock()
		legacy := s.compat != nil && s.compat.LegacyOTP
		s.mu.Unlock()
		if legacy {
			s.requestAccounts(channelID)
		}
		handled = true

	case msg.Type == v1.MessageAuthorized && originator:
		s.markAuthorized()
		s.emit(Event{Kind: EventAuthorized, ChannelID: channelID})
		handled = true

	case originator && msg.IsResponse():
		if s.tracker.Complete(msg.ID, msg.Result, msg.Error) {
			s.log.Debug("pairing.rpc.reply", "id", msg.ID)
		}
	}

	if !handled {
		s.emit(Event{Kind: EventMessage, ChannelID: channelID, Message: msg})
	}
}

// walletInfoDueLocked claims the WALLET_INFO announcement for the current
// peer presence. Only the non-originator announces.
func (s *Session) walletInfoDueLocked() bool {
	if s.role == v1.RoleOriginator || s.walletInfoSent {
		return false
	}
	s.walletInfoSent = true
	return true
}

func (s *Session) sendWalletInfo(ctx context.Context) {
	_, tr := s.parts()
	info := s.opts.WalletInfo
	if err := tr.Send(ctx, v1.Message{Type: v1.MessageWalletInfo, WalletInfo: &info}); err != nil {
		s.log.Warn("pairing.wallet_info.fail", "err", err)
		s.mu.Lock()
		s.walletInfoSent = false
		s.mu.Unlock()
	}
}

func (s *Session) onPeerInfo(channelID string, msg v1.Message) {
	s.mu.Lock()
	var authorize bool
	switch {
	case msg.WalletInfo != nil && s.role == v1.RoleOriginator:
		w := *msg.WalletInfo
		s.peer.Wallet = &w
		if s.compat == nil {
			c := EvaluateCompat(w.Version)
			s.compat = &c
			authorize = !c.KeepAuthGate
			s.log.Info("pairing.wallet.compat",
				"version", w.Version,
				"auth_gate", c.KeepAuthGate,
				"legacy_otp", c.LegacyOTP,
			)
		}
	case msg.OriginatorInfo != nil:
		o := *msg.OriginatorInfo
		s.peer.Originator = &o
	}
	info := s.peer
	s.mu.Unlock()

	if authorize {
		s.markAuthorized()
		s.emit(Event{Kind: EventAuthorized, ChannelID: channelID})
	}
	s.emit(Event{Kind: EventPeerInfo, ChannelID: channelID, Peer: info})
}

// requestAccounts is the legacy OTP follow-up. It bypasses the send gates:
// the wallet waits for this call before it authorizes anything.
func (s *Session) requestAccounts(channelID string) {
	_, tr := s.parts()
	id := ids.MustULID()
	if err := s.tracker.Track(id, methodRequestAccounts); err != nil {
		s.log.Warn("pairing.otp.track.fail", "err", err)
		return
	}
	ctx, cancel := storeCtx()
	defer cancel()
	msg := v1.Message{ID: id, Method: methodRequestAccounts, Params: json.RawMessage(`[]`)}
	if err := tr.Send(ctx, msg); err != nil {
		s.tracker.Discard(id)
		s.log.Warn("pairing.otp.request_accounts.fail", "channel_id", channelID, "err", err)
		return
	}
	s.log.Info("pairing.otp.request_accounts", "channel_id", channelID, "id", id)
}
