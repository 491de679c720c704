package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/storechat/internal/auth"
	"github.com/storechat/internal/lifecycle"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/middleware"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/relay"
	"github.com/storechat/internal/storage"
)

// SessionHandler exposes the session lifecycle and message history over HTTP.
// Live delivery goes through the WebSocket gateway; these endpoints cover
// session creation, the staff queue and catch-up history fetches.
type SessionHandler struct {
	store   storage.SessionStore
	manager *lifecycle.Manager
	relay   *relay.Relay
	tokens  *auth.GuestTokens
}

func NewSessionHandler(store storage.SessionStore, manager *lifecycle.Manager, rl *relay.Relay, tokens *auth.GuestTokens) *SessionHandler {
	return &SessionHandler{store: store, manager: manager, relay: rl, tokens: tokens}
}

// CreateSession opens a session for an authenticated customer. Idempotent on
// the waiting queue is not required: a customer may hold several sessions.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.CreateSession", time.Now())()
	customerID := middleware.GetActorID(r.Context())
	if customerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sess, err := h.manager.Start(r.Context(), customerID, "")
	if err != nil {
		writeDomainError(w, "CreateSession", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type guestSessionResponse struct {
	Session    *model.ChatSession `json:"session"`
	GuestToken string             `json:"guest_token"`
}

// CreateGuestSession opens a session for an anonymous visitor. The response
// carries a token scoped to exactly this session; it is the only credential
// the guest will ever hold.
func (h *SessionHandler) CreateGuestSession(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.CreateGuestSession", time.Now())()
	guestRef := "guest-" + uuid.New().String()

	sess, err := h.manager.Start(r.Context(), "", guestRef)
	if err != nil {
		writeDomainError(w, "CreateGuestSession", err)
		return
	}

	token, err := h.tokens.Mint(sess.ID, guestRef)
	if err != nil {
		logger.Errorf("CreateGuestSession mint token session=%s: %v", sess.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, guestSessionResponse{Session: sess, GuestToken: token})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage persists and publishes one message from the acting participant.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.SendMessage", time.Now())()
	sessionID := chi.URLParam(r, "id")
	if !h.checkGuestScope(w, r, sessionID) {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	role := middleware.GetActorRole(r.Context())
	actorID := middleware.GetActorID(r.Context())
	msg, err := h.relay.Send(r.Context(), sessionID, role, actorID, req.Content)
	if err != nil {
		writeDomainError(w, "SendMessage", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// GetHistory returns the session's messages in (sent_at, seq) order. With
// ?limit=N only the newest N are returned; order is preserved.
func (h *SessionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.GetHistory", time.Now())()
	sessionID := chi.URLParam(r, "id")
	if !h.checkGuestScope(w, r, sessionID) {
		return
	}

	sess, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, "GetHistory", err)
		return
	}
	if !participates(r, sess) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, "GetHistory", err)
		return
	}
	model.SortMessages(msgs)
	if limit := queryInt(r, "limit", 0); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// GetSession returns the session state for a participant.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !h.checkGuestScope(w, r, sessionID) {
		return
	}

	sess, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, "GetSession", err)
		return
	}
	if !participates(r, sess) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListWaiting returns unassigned sessions, oldest first. Staff only.
func (h *SessionHandler) ListWaiting(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.ListWaiting", time.Now())()
	sessions, err := h.manager.ListWaiting(r.Context())
	if err != nil {
		writeDomainError(w, "ListWaiting", err)
		return
	}
	if sessions == nil {
		sessions = []model.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Claim assigns a waiting session to the acting staff member. Exactly one
// concurrent claim wins; the rest get a 409.
func (h *SessionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.Claim", time.Now())()
	sessionID := chi.URLParam(r, "id")
	staffRef := middleware.GetActorID(r.Context())

	sess, err := h.manager.Claim(r.Context(), sessionID, staffRef)
	if err != nil {
		writeDomainError(w, "Claim", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CloseSession moves the session to its terminal status. Closing an already
// closed session is a no-op and returns the current state.
func (h *SessionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.CloseSession", time.Now())()
	sessionID := chi.URLParam(r, "id")
	if !h.checkGuestScope(w, r, sessionID) {
		return
	}
	actorID := middleware.GetActorID(r.Context())

	if middleware.GetActorRole(r.Context()) != model.RoleStaff {
		sess, err := h.store.GetSession(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, "CloseSession", err)
			return
		}
		if !participates(r, sess) {
			writeError(w, http.StatusForbidden, "not a participant")
			return
		}
	}

	sess, err := h.manager.Close(r.Context(), sessionID, actorID)
	if err != nil {
		writeDomainError(w, "CloseSession", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// checkGuestScope rejects guests whose token is bound to a different session.
// Non-guest actors pass through.
func (h *SessionHandler) checkGuestScope(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if middleware.GetActorRole(r.Context()) != model.RoleGuest {
		return true
	}
	if middleware.GetSessionID(r.Context()) != sessionID {
		writeError(w, http.StatusForbidden, "token not valid for this session")
		return false
	}
	return true
}

// participates reports whether the acting identity belongs to the session.
func participates(r *http.Request, sess *model.ChatSession) bool {
	actorID := middleware.GetActorID(r.Context())
	switch middleware.GetActorRole(r.Context()) {
	case model.RoleStaff:
		return true
	case model.RoleCustomer:
		return sess.CustomerID != "" && sess.CustomerID == actorID
	case model.RoleGuest:
		return sess.GuestRef != "" && sess.GuestRef == actorID
	default:
		return false
	}
}
