package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pairlink/cmd/internal/ids"
	"pairlink/cmd/security/keys"
	"pairlink/cmd/security/token"
	v1 "pairlink/shared/contracts/pairing/v1"
)

// ProtocolError is returned by Router.Handle for frames the relay refuses.
// The same code and message are sent to the client as an error frame.
type ProtocolError struct {
	Code string
	Msg  string
}

func (e *ProtocolError) Error() string { return e.Code + ": " + e.Msg }

func protoErr(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Router applies relay semantics to frames from connected clients. It is
// transport-agnostic: the websocket gateway and LocalConn both feed it.
type Router struct {
	log     *slog.Logger
	hub     *Hub
	store   ChannelStore
	hasher  token.Hasher
	metrics *Metrics
	now     func() time.Time
	queue   int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHasher sets how channel ids are turned into store keys.
func WithHasher(h token.Hasher) RouterOption {
	return func(r *Router) { r.hasher = h }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSendQueue sets the per-client outbound queue size.
func WithSendQueue(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.queue = n
		}
	}
}

// NewRouter builds a Router. Nil hub or store fall back to in-memory ones.
func NewRouter(log *slog.Logger, hub *Hub, store ChannelStore, opts ...RouterOption) *Router {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	r := &Router{
		log:   log,
		hub:   hub,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		queue: defaultSendQueue,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Hub exposes the live channel registry.
func (r *Router) Hub() *Hub { return r.hub }

// NewClient registers a new connected client.
func (r *Router) NewClient() *Client {
	c := NewClient(ids.MustULID(), r.queue)
	r.metrics.connected(1)
	r.log.Debug("relay.client.connect", "session_id", c.SessionID)
	return c
}

// Handle processes one inbound frame. Refused frames produce an error frame
// for the client and a *ProtocolError for the caller.
func (r *Router) Handle(ctx context.Context, c *Client, f v1.Frame) error {
	if err := f.Validate(); err != nil {
		return r.fail(c, protoErr("bad_frame", "%v", err))
	}
	r.metrics.frame(f.Type)

	var err error
	switch f.Type {
	case v1.TypeJoinChannel:
		err = r.onJoin(ctx, c, f)
	case v1.TypeLeaveChannel:
		r.leave(c, true)
	case v1.TypeRejectChannel:
		err = r.onReject(ctx, c, f)
	case v1.TypeMessage:
		err = r.onMessage(c, f)
	default:
		err = protoErr("unsupported", "unsupported type: %s", f.Type)
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return r.fail(c, pe)
	}
	return err
}

// Disconnect removes c from its channel, notifies the peer and closes c.
func (r *Router) Disconnect(c *Client) {
	if c == nil {
		return
	}
	c.disconnectOnce.Do(func() {
		r.leave(c, true)
		c.Close()
		r.metrics.connected(-1)
		r.log.Debug("relay.client.disconnect", "session_id", c.SessionID)
	})
}

func (r *Router) onJoin(ctx context.Context, c *Client, f v1.Frame) error {
	var p v1.JoinChannelPayload
	if err := f.Decode(&p); err != nil {
		r.metrics.join(joinInvalid)
		return protoErr("bad_payload", "%v", err)
	}
	id, err := ids.ParseChannelID(p.ChannelID)
	if err != nil {
		r.metrics.join(joinInvalid)
		return protoErr("invalid_channel", "%v", err)
	}
	if !p.Role.Valid() {
		r.metrics.join(joinInvalid)
		return protoErr("invalid_role", "invalid role: %q", p.Role)
	}
	if p.PublicKey != "" {
		if _, err := keys.ParsePublicKey(p.PublicKey); err != nil {
			r.metrics.join(joinInvalid)
			return protoErr("invalid_public_key", "malformed public_key")
		}
	}

	key := r.hasher.ChannelKey(id)
	rec, err := r.store.Get(ctx, key)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.log.Error("relay.store.get.fail", "err", err)
		return protoErr("store_failed", "channel lookup failed")
	}

	if found && rec.Rejected {
		r.metrics.join(joinRejected)
		r.log.Info("relay.join.rejected", "channel_id", id, "session_id", c.SessionID)
		r.send(c, v1.TypeJoinChannelAck, id, v1.JoinAckPayload{ChannelID: id, Rejected: true})
		return nil
	}

	if prev, _ := c.Channel(); prev != "" && prev != id {
		r.leave(c, true)
	}

	ch, created, replaced := r.hub.Join(id, c, p.Role)
	c.setChannel(id, p.Role)
	if replaced != nil {
		replaced.clearChannel(id)
		replaced.Close()
	}
	r.metrics.liveChannels(r.hub.Len())

	if created {
		r.send(c, v1.TypeChannelCreated, id, v1.ChannelPayload{ChannelID: id})
	}

	peers := ch.Count() - 1
	ack := v1.JoinAckPayload{ChannelID: id, Ready: true, Peers: peers}

	if p.PublicKey != "" {
		if !found {
			rec = ChannelRecord{Key: key}
		}
		other := rec.PublicKey(p.Role.Other())
		if p.Persistence && rec.Persistence && rec.PublicKey(p.Role) == p.PublicKey && other != "" {
			ack.Persistence = true
			ack.PeerPublicKey = other
		}
		rec.SetPublicKey(p.Role, p.PublicKey)
		rec.Persistence = rec.Persistence || p.Persistence
		rec.UpdatedAt = r.now()
		if err := r.store.Put(ctx, rec); err != nil {
			// Persistence is an optimization; the join itself stands.
			r.log.Error("relay.store.put.fail", "err", err)
		}
	}

	if ack.Persistence {
		r.metrics.join(joinPersisted)
	} else {
		r.metrics.join(joinPlain)
	}
	r.log.Info("relay.join", "channel_id", id, "role", string(p.Role), "session_id", c.SessionID, "peers", peers, "persisted", ack.Persistence)
	r.send(c, v1.TypeJoinChannelAck, id, ack)

	if ch.Count() >= 2 {
		r.broadcast(ch, nil, v1.TypeClientsConnected, v1.PresencePayload{ChannelID: id, Count: ch.Count()})
	} else {
		r.send(c, v1.TypeClientsWaitingToJoin, id, v1.PresencePayload{ChannelID: id, Count: ch.Count()})
	}
	return nil
}

func (r *Router) onMessage(c *Client, f v1.Frame) error {
	id, role := c.Channel()
	if id == "" {
		return protoErr("not_joined", "join first")
	}
	var p v1.MessagePayload
	if err := f.Decode(&p); err != nil {
		return protoErr("bad_payload", "%v", err)
	}
	if err := p.Validate(); err != nil {
		return protoErr("bad_payload", "%v", err)
	}
	if cid, err := ids.ParseChannelID(p.ChannelID); err != nil || cid != id {
		return protoErr("invalid_channel", "message for a channel not joined")
	}
	if p.SenderRole != role {
		return protoErr("invalid_sender_role", "sender_role does not match joined role")
	}

	ch, ok := r.hub.Get(id)
	if !ok {
		return protoErr("not_joined", "channel closed")
	}
	out := r.frame(v1.TypeMessage, id, f.Payload)
	dropped := ch.Broadcast(c, out)
	r.metrics.relay(dropped)
	return nil
}

func (r *Router) onReject(ctx context.Context, c *Client, f v1.Frame) error {
	var p v1.ChannelPayload
	if len(f.Payload) > 0 {
		if err := f.Decode(&p); err != nil {
			return protoErr("bad_payload", "%v", err)
		}
	}
	joined, _ := c.Channel()
	raw := p.ChannelID
	if raw == "" {
		raw = joined
	}
	id, err := ids.ParseChannelID(raw)
	if err != nil {
		return protoErr("invalid_channel", "%v", err)
	}

	key := r.hasher.ChannelKey(id)
	rec, err := r.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		rec, err = ChannelRecord{Key: key}, nil
	}
	if err != nil {
		r.log.Error("relay.store.get.fail", "err", err)
		return protoErr("store_failed", "channel lookup failed")
	}
	rec.Rejected = true
	rec.UpdatedAt = r.now()
	if err := r.store.Put(ctx, rec); err != nil {
		r.log.Error("relay.store.put.fail", "err", err)
		return protoErr("store_failed", "channel update failed")
	}
	r.log.Info("relay.channel.rejected", "channel_id", id, "session_id", c.SessionID)

	if ch, ok := r.hub.Get(id); ok {
		r.broadcast(ch, c, v1.TypeChannelRejected, v1.ChannelPayload{ChannelID: id})
	}
	return nil
}

// leave drops c from its channel and tells the remaining member.
func (r *Router) leave(c *Client, notify bool) {
	id, _ := c.Channel()
	if id == "" {
		return
	}
	c.clearChannel(id)
	ch, removed := r.hub.Leave(id, c)
	r.metrics.liveChannels(r.hub.Len())
	if ch == nil || !removed || !notify {
		return
	}
	if ch.Count() > 0 {
		r.broadcast(ch, c, v1.TypeClientsDisconnected, v1.PresencePayload{ChannelID: id, Count: ch.Count()})
	}
}

func (r *Router) fail(c *Client, pe *ProtocolError) error {
	r.log.Info("relay.frame.refused", "session_id", c.SessionID, "code", pe.Code, "err", pe.Msg)
	r.send(c, v1.TypeError, "", v1.ErrorPayload{Code: pe.Code, Message: pe.Msg})
	return pe
}

func (r *Router) send(c *Client, typ, channelID string, payload any) {
	f, err := v1.NewFrame(typ, channelID, payload)
	if err != nil {
		r.log.Error("relay.frame.encode.fail", "type", typ, "err", err)
		return
	}
	f.ID = ids.MustULID()
	f.TS = r.now()
	if !c.enqueue(f) {
		r.metrics.drop(1)
		r.log.Info("relay.enqueue.drop", "session_id", c.SessionID, "type", typ)
	}
}

func (r *Router) broadcast(ch *Channel, from *Client, typ string, payload any) {
	f, err := v1.NewFrame(typ, ch.ID, payload)
	if err != nil {
		r.log.Error("relay.frame.encode.fail", "type", typ, "err", err)
		return
	}
	f.ID = ids.MustULID()
	f.TS = r.now()
	r.metrics.drop(ch.Broadcast(from, f))
}

func (r *Router) frame(typ, channelID string, payload []byte) v1.Frame {
	return v1.Frame{
		V:         v1.Version,
		Type:      typ,
		ID:        ids.MustULID(),
		ChannelID: channelID,
		TS:        r.now(),
		Payload:   payload,
	}
}
