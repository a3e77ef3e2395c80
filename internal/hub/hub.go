// Package hub multiplexes downstream WebSocket subscribers onto as few
// upstream subscriptions as their filters allow, and fans upstream events
// back out to the sockets that asked for them.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/models"
)

// Socket is one downstream connection. Send must not block; it fails once
// the socket is closed.
type Socket interface {
	ID() string
	Send(msg Outbound) error
	Close()
}

// Feed is an open upstream subscription. Events is closed when the feed
// ends; Err then reports why, and is nil after Close.
type Feed interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Opener starts an upstream subscription for f.
type Opener func(ctx context.Context, f Filter) (Feed, error)

// TradeLookup provides the snapshot sent on a trades subscribe.
type TradeLookup interface {
	GetTrade(id string) (models.Trade, bool)
}

type Options struct {
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

type member struct {
	socket Socket
	filter Filter
}

type upstream struct {
	key    string
	kind   Kind
	filter Filter

	// guarded by Hub.mu
	feed    Feed
	members map[string]*member
	closed  bool
}

type Hub struct {
	openers map[Kind]Opener
	trades  TradeLookup
	opts    Options
	log     *zap.Logger

	// subMu serializes subscribe, unsubscribe and teardown so an upstream
	// is never opened twice for the same key.
	subMu sync.Mutex

	mu        sync.Mutex
	upstreams map[string]*upstream
	bySocket  map[string]string
}

// New builds a hub. A kind with no opener is treated as unconfigured.
func New(openers map[Kind]Opener, trades TradeLookup, opts Options) *Hub {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		openers:   openers,
		trades:    trades,
		opts:      opts,
		log:       log.With(zap.String("component", "hub")),
		upstreams: make(map[string]*upstream),
		bySocket:  make(map[string]string),
	}
}

// Configured reports whether kind has an upstream.
func (h *Hub) Configured(kind Kind) bool {
	return h.openers[kind] != nil
}

// Attach is called when a socket connects. For an unconfigured kind the
// socket is sent an error and closed, and Attach returns false.
func (h *Hub) Attach(kind Kind, s Socket) bool {
	if h.Configured(kind) {
		return true
	}
	_ = s.Send(errorMessage(kind, apperr.Connection("%s upstream is not configured", kind)))
	s.Close()
	return false
}

// Handle processes one raw client message. Errors are reported to the
// socket; the socket stays open.
func (h *Hub) Handle(ctx context.Context, kind Kind, s Socket, raw []byte) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		_ = s.Send(errorMessage(kind, apperr.Validation("malformed message: %v", err)))
		return
	}
	switch msg.Action {
	case ActionSubscribe:
		if err := h.Subscribe(ctx, kind, s, msg); err != nil {
			_ = s.Send(errorMessage(kind, err))
		}
	case ActionUnsubscribe:
		h.Unsubscribe(kind, s)
	case "":
		_ = s.Send(errorMessage(kind, apperr.Validation("action is required")))
	default:
		_ = s.Send(errorMessage(kind, apperr.Validation("unknown action %q", msg.Action)))
	}
}

// Subscribe registers s for the filter in msg, replacing any filter it
// held before, and acknowledges with a subscribed message.
func (h *Hub) Subscribe(ctx context.Context, kind Kind, s Socket, msg Inbound) error {
	f, err := filterFor(kind, msg)
	if err != nil {
		return err
	}
	ack := Outbound{Type: TypeSubscribed, Channel: kind, Filter: &f}
	if kind == KindTrades {
		if h.trades == nil {
			return apperr.Connection("trades upstream is not configured")
		}
		if _, ok := h.trades.GetTrade(f.TradeID); !ok {
			return apperr.NotFound("trade %s", f.TradeID)
		}
	}

	h.subMu.Lock()
	defer h.subMu.Unlock()

	key := upstreamKey(kind, f)
	h.mu.Lock()
	prev, had := h.bySocket[s.ID()]
	h.mu.Unlock()
	if had && prev != key {
		h.removeLocked(s.ID())
	}

	h.mu.Lock()
	up, ok := h.upstreams[key]
	h.mu.Unlock()
	if !ok {
		open := h.openers[kind]
		if open == nil {
			return apperr.Connection("%s upstream is not configured", kind)
		}
		octx, cancel := context.WithTimeout(ctx, h.opts.OpenTimeout)
		feed, err := open(octx, f)
		cancel()
		if err != nil {
			h.log.Warn("open upstream failed", zap.String("key", key), zap.Error(err))
			return err
		}
		up = &upstream{key: key, kind: kind, filter: f, feed: feed, members: make(map[string]*member)}
		h.mu.Lock()
		h.upstreams[key] = up
		h.mu.Unlock()
		go h.pump(up, feed)
		h.log.Info("upstream opened", zap.String("key", key))
	}

	// The snapshot, the registration and the ack share one critical section
	// with dispatch: an update either shows in the snapshot or is delivered
	// after the ack.
	h.mu.Lock()
	if kind == KindTrades {
		snap, found := h.trades.GetTrade(f.TradeID)
		if !found {
			h.mu.Unlock()
			h.teardownIfEmpty(up)
			return apperr.NotFound("trade %s", f.TradeID)
		}
		ack.Data = snap
	}
	up.members[s.ID()] = &member{socket: s, filter: f}
	h.bySocket[s.ID()] = key
	if err := s.Send(ack); err != nil {
		delete(up.members, s.ID())
		delete(h.bySocket, s.ID())
		h.mu.Unlock()
		h.teardownIfEmpty(up)
		return nil
	}
	h.mu.Unlock()
	h.log.Debug("socket subscribed", zap.String("socket", s.ID()), zap.String("key", key))
	return nil
}

// Unsubscribe drops the socket's filter and acknowledges, whether or not
// the socket was subscribed.
func (h *Hub) Unsubscribe(kind Kind, s Socket) {
	h.subMu.Lock()
	h.removeLocked(s.ID())
	h.subMu.Unlock()
	_ = s.Send(Outbound{Type: TypeUnsubscribed, Channel: kind})
}

// Detach is called when a socket disconnects.
func (h *Hub) Detach(s Socket) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.removeLocked(s.ID())
}

type KindStats struct {
	Upstreams int `json:"upstreams"`
	Sockets   int `json:"sockets"`
}

// Stats reports open upstreams and subscribed sockets per kind.
func (h *Hub) Stats() map[Kind]KindStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[Kind]KindStats, len(Kinds))
	for _, up := range h.upstreams {
		c := out[up.kind]
		c.Upstreams++
		c.Sockets += len(up.members)
		out[up.kind] = c
	}
	return out
}

// Close tears down every upstream. Sockets are left to their handlers.
func (h *Hub) Close() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.mu.Lock()
	feeds := make([]Feed, 0, len(h.upstreams))
	for key, up := range h.upstreams {
		up.closed = true
		feeds = append(feeds, up.feed)
		delete(h.upstreams, key)
	}
	clear(h.bySocket)
	h.mu.Unlock()
	for _, f := range feeds {
		_ = f.Close()
	}
}

// removeLocked unregisters a socket and closes its upstream when no other
// socket uses it. Caller holds subMu.
func (h *Hub) removeLocked(socketID string) {
	h.mu.Lock()
	key, ok := h.bySocket[socketID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.bySocket, socketID)
	up := h.upstreams[key]
	if up != nil {
		delete(up.members, socketID)
	}
	h.mu.Unlock()
	if up != nil {
		h.teardownIfEmpty(up)
	}
}

func (h *Hub) teardownIfEmpty(up *upstream) {
	h.mu.Lock()
	if up.closed || len(up.members) > 0 {
		h.mu.Unlock()
		return
	}
	up.closed = true
	delete(h.upstreams, up.key)
	feed := up.feed
	h.mu.Unlock()

	_ = feed.Close()
	h.log.Info("upstream closed", zap.String("key", up.key))
}

// pump forwards one upstream's events in arrival order. When the feed ends
// without being torn down it is reopened once; if that fails the topic is
// dropped and its sockets are told.
func (h *Hub) pump(up *upstream, feed Feed) {
	for {
		for ev := range feed.Events() {
			h.dispatch(up, ev)
		}

		h.mu.Lock()
		closed := up.closed
		h.mu.Unlock()
		if closed {
			return
		}

		cause := feed.Err()
		if cause == nil {
			cause = apperr.Connection("%s upstream ended", up.kind)
		}
		h.log.Warn("upstream ended, resubscribing", zap.String("key", up.key), zap.Error(cause))

		next, err := h.reopen(up)
		if err != nil {
			h.drop(up, err)
			return
		}
		h.mu.Lock()
		if up.closed {
			h.mu.Unlock()
			_ = next.Close()
			return
		}
		up.feed = next
		h.mu.Unlock()
		feed = next
	}
}

func (h *Hub) reopen(up *upstream) (Feed, error) {
	open := h.openers[up.kind]
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.OpenTimeout)
	defer cancel()
	return open(ctx, up.filter)
}

func (h *Hub) dispatch(up *upstream, ev Event) {
	type delivery struct {
		socket Socket
		msg    Outbound
	}
	h.mu.Lock()
	out := make([]delivery, 0, len(up.members))
	for _, m := range up.members {
		if msg, ok := match(m.filter, ev); ok {
			out = append(out, delivery{m.socket, msg})
		}
	}
	h.mu.Unlock()

	for _, d := range out {
		// A closed socket is detached by its handler.
		_ = d.socket.Send(d.msg)
	}
}

func (h *Hub) drop(up *upstream, cause error) {
	h.subMu.Lock()
	h.mu.Lock()
	if up.closed {
		h.mu.Unlock()
		h.subMu.Unlock()
		return
	}
	up.closed = true
	delete(h.upstreams, up.key)
	sockets := make([]Socket, 0, len(up.members))
	for id, m := range up.members {
		if h.bySocket[id] == up.key {
			delete(h.bySocket, id)
		}
		sockets = append(sockets, m.socket)
	}
	h.mu.Unlock()
	h.subMu.Unlock()

	h.log.Error("upstream dropped", zap.String("key", up.key), zap.Int("sockets", len(sockets)), zap.Error(cause))
	msg := errorMessage(up.kind, apperr.Connection("%s upstream lost: %v", up.kind, cause))
	for _, s := range sockets {
		_ = s.Send(msg)
	}
}
