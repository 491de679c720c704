package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/storechat/internal/lifecycle"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/relay"
	"github.com/storechat/internal/storage"
	"github.com/storechat/internal/transport"
)

// Hub tracks the live WebSocket connections and dispatches incoming frames to
// the lifecycle manager and the relay. It also fans transport state changes
// out to every connection's session view.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	store   storage.SessionStore
	bus     transport.PubSub
	manager *lifecycle.Manager
	relay   *relay.Relay

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(store storage.SessionStore, bus transport.PubSub, manager *lifecycle.Manager, rl *relay.Relay, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	h := &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		store:      store,
		bus:        bus,
		manager:    manager,
		relay:      rl,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
	bus.SetCallbacks(transport.StateCallbacks{
		OnDisconnect: h.transportDown,
		OnConnect:    h.transportUp,
		OnError: func(err error) {
			logger.Errorf("ws transport error: %v", err)
		},
	})
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting actor=%s", h.maxConns, c.actorID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.actorID]; !ok {
		h.clients[c.actorID] = make(map[*Client]struct{})
	}
	h.clients[c.actorID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.actorID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.actorID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// snapshotClients collects the current connections so callbacks can run
// outside the hub lock.
func (h *Hub) snapshotClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			out = append(out, c)
		}
	}
	return out
}

// transportDown marks every open session view disconnected. The clients keep
// their sockets; only the pub/sub feed behind them is gone.
func (h *Hub) transportDown(err error) {
	for _, c := range h.snapshotClients() {
		c.view.HandleTransportDown(err)
	}
}

// transportUp re-syncs every open session view after a pub/sub gap.
func (h *Hub) transportUp() {
	for _, c := range h.snapshotClients() {
		c := c
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.view.HandleTransportUp(ctx)
		}()
	}
}

// HandleMessage dispatches incoming WebSocket frames.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventOpenSession:
		h.handleOpenSession(ctx, c, msg)
	case EventLeaveSession:
		c.view.Close()
	case EventSend:
		h.handleSend(ctx, c, msg)
	case EventClaim:
		h.handleClaim(ctx, c, msg)
	case EventCloseSession:
		h.handleCloseSession(ctx, c, msg)
	case EventListWaiting:
		h.handleListWaiting(ctx, c)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

func (h *Hub) handleOpenSession(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleOpenSession", time.Now())()
	if msg.SessionID == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "session_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sess, err := h.store.GetSession(ctx, msg.SessionID)
	if err != nil {
		h.sendError(c, msg.SessionID, err)
		return
	}
	if !h.canView(c, sess) {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "not a participant"})
		return
	}

	if err := c.view.Open(ctx, msg.SessionID); err != nil {
		logger.Errorf("ws open session=%s actor=%s: %v", msg.SessionID, c.actorID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "failed to open session"})
	}
}

func (h *Hub) handleSend(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if msg.SessionID == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "session_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.relay.Send(ctx, msg.SessionID, c.role, c.actorID, msg.Content); err != nil {
		h.sendError(c, msg.SessionID, err)
	}
	// The persisted message comes back through the session subscription; no
	// direct echo, so every viewer sees the same ordered feed.
}

func (h *Hub) handleClaim(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleClaim", time.Now())()
	if c.role != model.RoleStaff {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "staff only"})
		return
	}
	if msg.SessionID == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "session_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sess, err := h.manager.Claim(ctx, msg.SessionID, c.actorID)
	if err != nil {
		h.sendError(c, msg.SessionID, err)
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventStatus, Payload: StatusPayload{
		SessionID:        sess.ID,
		Status:           sess.Status,
		AssignedStaffRef: sess.AssignedStaffRef,
		At:               derefTime(sess.AssignedAt),
	}})
}

func (h *Hub) handleCloseSession(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleCloseSession", time.Now())()
	if msg.SessionID == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "session_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if c.role != model.RoleStaff {
		sess, err := h.store.GetSession(ctx, msg.SessionID)
		if err != nil {
			h.sendError(c, msg.SessionID, err)
			return
		}
		if !h.canView(c, sess) {
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "not a participant"})
			return
		}
	}

	sess, err := h.manager.Close(ctx, msg.SessionID, c.actorID)
	if err != nil {
		h.sendError(c, msg.SessionID, err)
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventStatus, Payload: StatusPayload{
		SessionID: sess.ID,
		Status:    sess.Status,
		At:        derefTime(sess.ClosedAt),
	}})
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (h *Hub) handleListWaiting(ctx context.Context, c *Client) {
	defer logger.DeferLogDuration("ws.handleListWaiting", time.Now())()
	if c.role != model.RoleStaff {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "staff only"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sessions, err := h.manager.ListWaiting(ctx)
	if err != nil {
		logger.Errorf("ws list waiting actor=%s: %v", c.actorID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "failed to list sessions"})
		return
	}
	if sessions == nil {
		sessions = []model.ChatSession{}
	}
	h.sendToClient(c, OutgoingMessage{Type: EventWaitingList, Payload: WaitingListPayload{Sessions: sessions}})
}

// canView reports whether the connection's actor participates in the session.
// Staff may view any session, including unassigned ones.
func (h *Hub) canView(c *Client, sess *model.ChatSession) bool {
	switch c.role {
	case model.RoleStaff:
		return true
	case model.RoleCustomer:
		return sess.CustomerID != "" && sess.CustomerID == c.actorID
	case model.RoleGuest:
		return sess.GuestRef != "" && sess.GuestRef == c.actorID
	default:
		return false
	}
}

func (h *Hub) sendError(c *Client, sessionID string, err error) {
	var text string
	switch {
	case errors.Is(err, storage.ErrNotFound):
		text = "session not found"
	case errors.Is(err, lifecycle.ErrAlreadyAssigned):
		text = "session already assigned"
	case errors.Is(err, relay.ErrSessionClosed):
		text = "session is closed"
	case errors.Is(err, relay.ErrUnauthorized):
		text = "not a participant"
	case errors.Is(err, relay.ErrInvalidContent):
		text = "invalid message content"
	default:
		logger.Errorf("ws session=%s actor=%s: %v", sessionID, c.actorID, err)
		text = "internal error"
	}
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: text})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client actor=%s", c.actorID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
