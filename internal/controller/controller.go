// Package controller implements the per-viewer session view: one instance per
// staff connection (browser tab). It merges the history fetch with the live
// subscription without duplicating or dropping messages, and makes transport
// outages observable instead of silently losing events.
package controller

import (
	"context"
	"sync"

	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/relay"
	"github.com/storechat/internal/storage"
	"github.com/storechat/internal/transport"
)

type ConnState string

const (
	// StateSyncing: history fetch / subscribe in progress.
	StateSyncing ConnState = "syncing"
	// StateLive: subscribed, view current up to at-least-once delivery.
	StateLive ConnState = "live"
	// StateDisconnected: transport gap; the view may be missing messages
	// and the UI must say so.
	StateDisconnected ConnState = "disconnected"
)

type UpdateKind string

const (
	UpdateSnapshot  UpdateKind = "snapshot"
	UpdateMessage   UpdateKind = "message"
	UpdateStatus    UpdateKind = "status"
	UpdateConnState UpdateKind = "conn_state"
)

// Update is what the controller pushes to its sink (the websocket client).
type Update struct {
	Kind      UpdateKind
	SessionID string
	Messages  []model.ChatMessage // snapshot: full replacement view
	Message   *model.ChatMessage  // message: one merged live message
	Status    *relay.StatusChange // status: lifecycle transition
	State     ConnState           // conn_state
}

// Sink receives updates in merge order. Called outside controller locks; it
// should hand off quickly (the ws client enqueues to its send buffer).
type Sink func(Update)

// Controller owns its subscriptions: switching sessions tears the previous
// ones down before subscribing anew, so no event from the old session can
// reach the new view. Every async completion is gated on a generation
// captured when the operation started; a late completion for an abandoned
// session is dropped.
type Controller struct {
	store storage.SessionStore
	bus   transport.PubSub
	sink  Sink

	mu        sync.Mutex
	gen       uint64
	sessionID string
	byID      map[string]struct{}
	msgs      []model.ChatMessage
	msgSub    transport.Subscription
	statusSub transport.Subscription
	state     ConnState
}

func New(store storage.SessionStore, bus transport.PubSub, sink Sink) *Controller {
	return &Controller{
		store: store,
		bus:   bus,
		sink:  sink,
		byID:  make(map[string]struct{}),
	}
}

// SessionID returns the currently opened session, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Snapshot returns a copy of the merged view, sorted by (SentAt, Seq).
func (c *Controller) Snapshot() []model.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ChatMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// State returns the current connection state of the view.
func (c *Controller) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open switches the controller to a session: previous subscriptions are torn
// down first, then the history is fetched (full replace, never append) and
// the topics are subscribed. Messages published between fetch and subscribe
// arrive as live events and are deduplicated by id.
func (c *Controller) Open(ctx context.Context, sessionID string) error {
	gen, oldMsg, oldStatus := c.reset(sessionID)
	unsubscribe(oldMsg, oldStatus)
	c.sink(Update{Kind: UpdateConnState, SessionID: sessionID, State: StateSyncing})
	return c.sync(ctx, gen, sessionID)
}

// Close tears down the subscriptions and empties the view.
func (c *Controller) Close() {
	_, oldMsg, oldStatus := c.reset("")
	unsubscribe(oldMsg, oldStatus)
}

// reset invalidates all in-flight work, detaches current subscriptions and
// clears the view. Returns the new generation and the detached subscriptions
// so the caller can unsubscribe outside the lock.
func (c *Controller) reset(sessionID string) (uint64, transport.Subscription, transport.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	oldMsg, oldStatus := c.msgSub, c.statusSub
	c.msgSub, c.statusSub = nil, nil
	c.sessionID = sessionID
	c.byID = make(map[string]struct{})
	c.msgs = nil
	c.state = StateSyncing
	return c.gen, oldMsg, oldStatus
}

func unsubscribe(subs ...transport.Subscription) {
	for _, s := range subs {
		if s == nil {
			continue
		}
		if err := s.Unsubscribe(); err != nil {
			logger.Errorf("controller unsubscribe: %v", err)
		}
	}
}

func (c *Controller) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

// sync performs the fetch-then-subscribe sequence for one generation. Every
// step re-checks the generation so a session switch or reconnect that
// happened meanwhile wins.
func (c *Controller) sync(ctx context.Context, gen uint64, sessionID string) error {
	history, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		if c.stale(gen) {
			return nil
		}
		return err
	}
	model.SortMessages(history)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	c.byID = make(map[string]struct{}, len(history))
	for i := range history {
		c.byID[history[i].ID] = struct{}{}
	}
	c.msgs = history
	c.mu.Unlock()

	snapshot := make([]model.ChatMessage, len(history))
	copy(snapshot, history)
	c.sink(Update{Kind: UpdateSnapshot, SessionID: sessionID, Messages: snapshot})

	msgSub, err := c.bus.Subscribe(ctx, transport.MessageTopic(sessionID), c.handler(gen))
	if err != nil {
		return err
	}
	statusSub, err := c.bus.Subscribe(ctx, transport.StatusTopic(sessionID), c.handler(gen))
	if err != nil {
		unsubscribe(msgSub)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		unsubscribe(msgSub, statusSub)
		return nil
	}
	c.msgSub, c.statusSub = msgSub, statusSub
	c.state = StateLive
	c.mu.Unlock()

	c.sink(Update{Kind: UpdateConnState, SessionID: sessionID, State: StateLive})
	return nil
}

func (c *Controller) handler(gen uint64) transport.Handler {
	return func(topic string, payload []byte) {
		ev, err := relay.DecodeEvent(payload)
		if err != nil {
			logger.Errorf("controller decode event topic=%s: %v", topic, err)
			return
		}
		switch ev.Type {
		case relay.EventMessage:
			c.applyMessage(gen, ev.Message)
		case relay.EventStatus:
			c.applyStatus(gen, ev.Status)
		}
	}
}

// applyMessage merges one live message into the view: dropped if it belongs
// to a stale generation or is already present by id, re-sorted otherwise.
func (c *Controller) applyMessage(gen uint64, m *model.ChatMessage) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if _, seen := c.byID[m.ID]; seen {
		c.mu.Unlock()
		return
	}
	c.byID[m.ID] = struct{}{}
	c.msgs = append(c.msgs, *m)
	model.SortMessages(c.msgs)
	sessionID := c.sessionID
	c.mu.Unlock()

	c.sink(Update{Kind: UpdateMessage, SessionID: sessionID, Message: m})
}

func (c *Controller) applyStatus(gen uint64, st *relay.StatusChange) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	c.sink(Update{Kind: UpdateStatus, SessionID: sessionID, Status: st})
}

// HandleTransportDown marks the view disconnected. No silent gap: the sink
// gets the state change and the UI shows it.
func (c *Controller) HandleTransportDown(err error) {
	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	sessionID := c.sessionID
	c.mu.Unlock()

	logger.Errorf("controller session=%s transport down: %v", sessionID, err)
	c.sink(Update{Kind: UpdateConnState, SessionID: sessionID, State: StateDisconnected})
}

// HandleTransportUp re-syncs after a gap: full history re-fetch and fresh
// subscriptions rather than trusting that nothing was missed. In-flight sends
// from before the gap are not re-sent.
func (c *Controller) HandleTransportUp(ctx context.Context) {
	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	gen, oldMsg, oldStatus := c.reset(sessionID)
	unsubscribe(oldMsg, oldStatus)
	c.sink(Update{Kind: UpdateConnState, SessionID: sessionID, State: StateSyncing})
	if err := c.sync(ctx, gen, sessionID); err != nil {
		logger.Errorf("controller resync session=%s: %v", sessionID, err)
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.sink(Update{Kind: UpdateConnState, SessionID: sessionID, State: StateDisconnected})
	}
}
