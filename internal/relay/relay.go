// Package relay validates, stamps and fans out chat messages: persist first
// (the store assigns id ordering and the server timestamp), publish second.
// A publish failure after a successful persist is not rolled back: delivery
// to live subscribers is at-least-once and history fetch is the fallback.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage"
	"github.com/storechat/internal/transport"
)

var (
	// ErrSessionClosed: no post-mortem messages.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnauthorized: the sender is not entitled to write to this session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidContent: empty (after trimming) or oversized content.
	ErrInvalidContent = errors.New("invalid content")
)

const defaultMaxContentLen = 4096

// StaffNotifier sends out-of-band notifications to staff. Nil disables them.
type StaffNotifier interface {
	Notify(ctx context.Context, staffRef, title, body string, data map[string]string)
}

type Relay struct {
	store         storage.SessionStore
	bus           transport.PubSub
	notifier      StaffNotifier
	maxContentLen int
}

func New(store storage.SessionStore, bus transport.PubSub, maxContentLen int) *Relay {
	if maxContentLen <= 0 {
		maxContentLen = defaultMaxContentLen
	}
	return &Relay{store: store, bus: bus, maxContentLen: maxContentLen}
}

// SetNotifier attaches the staff push notifier. Call before serving traffic.
func (r *Relay) SetNotifier(n StaffNotifier) {
	r.notifier = n
}

// Send accepts a message for a session, persists it and publishes it to the
// session's message topic. The returned message carries the server-assigned
// id, sequence and timestamp. Unknown sessions yield storage.ErrNotFound.
func (r *Relay) Send(ctx context.Context, sessionID string, role model.SenderRole, senderRef, content string) (*model.ChatMessage, error) {
	defer logger.DeferLogDuration("relay.Send", time.Now())()

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, ErrSessionClosed
	}

	content = strings.TrimSpace(content)
	if content == "" || len(content) > r.maxContentLen {
		return nil, ErrInvalidContent
	}

	if err := authorize(sess, role, senderRef); err != nil {
		return nil, err
	}

	m := &model.ChatMessage{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		SenderRole: role,
		SenderRef:  senderRef,
		Content:    content,
	}
	if err := r.store.AppendMessage(ctx, m); err != nil {
		return nil, err
	}

	payload, err := EncodeMessageEvent(m)
	if err != nil {
		logger.Errorf("relay encode message session=%s: %v", sessionID, err)
		return m, nil
	}
	if err := r.bus.Publish(ctx, transport.MessageTopic(sessionID), payload); err != nil {
		// The message is durable; live subscribers catch up on next history fetch.
		logger.Errorf("relay publish session=%s msg=%s: %v", sessionID, m.ID, err)
	}

	// Push the assigned staff member when the customer side writes. A closed
	// browser tab still gets a Web Push; an open one sees the live event.
	if r.notifier != nil && role != model.RoleStaff && sess.AssignedStaffRef != "" {
		go r.notifier.Notify(context.Background(), sess.AssignedStaffRef,
			"New chat message", m.Summary(),
			map[string]string{"session_id": sessionID, "message_id": m.ID})
	}
	return m, nil
}

// authorize enforces who may write to a session. A staff ref different from
// the assigned one is rejected so a stale claim cannot inject messages into
// someone else's session.
func authorize(sess *model.ChatSession, role model.SenderRole, senderRef string) error {
	switch role {
	case model.RoleStaff:
		if sess.AssignedStaffRef == "" || senderRef != sess.AssignedStaffRef {
			return ErrUnauthorized
		}
	case model.RoleCustomer:
		if sess.CustomerID == "" || senderRef != sess.CustomerID {
			return ErrUnauthorized
		}
	case model.RoleGuest:
		if sess.GuestRef == "" || senderRef != sess.GuestRef {
			return ErrUnauthorized
		}
	case model.RoleSystem:
		// Internal senders only; never reachable from client input.
	default:
		return ErrUnauthorized
	}
	return nil
}

// PublishStatus announces a lifecycle transition on the session's status
// topic. Used by the lifecycle manager after claim/close.
func (r *Relay) PublishStatus(ctx context.Context, sess *model.ChatSession) error {
	payload, err := EncodeStatusEvent(sess)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, transport.StatusTopic(sess.ID), payload); err != nil {
		logger.Errorf("relay publish status session=%s: %v", sess.ID, err)
		return err
	}
	return nil
}
