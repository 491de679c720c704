// Package lifecycle enforces the session state machine:
//
//	waiting --claim(staff)--> assigned --close--> closed
//	waiting --close(timeout/abandon)--> closed
//
// No transition leaves closed. Claim exclusivity rests entirely on the
// store's compare-and-swap; this package never does read-then-write on
// status.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage"
)

var (
	// ErrAlreadyAssigned: the claim lost a race or targeted a non-waiting
	// session. The caller must refresh the waiting list before acting again.
	ErrAlreadyAssigned = errors.New("already assigned")
)

// StatusNotifier publishes lifecycle transitions to live subscribers.
// Implemented by relay.Relay.
type StatusNotifier interface {
	PublishStatus(ctx context.Context, sess *model.ChatSession) error
}

// QueueNotifier alerts off-duty staff about new waiting sessions (Web Push).
// Nil disables it.
type QueueNotifier interface {
	Notify(ctx context.Context, staffRef, title, body string, data map[string]string)
}

type Manager struct {
	store    storage.SessionStore
	notifier StatusNotifier
	queue    QueueNotifier
}

func NewManager(store storage.SessionStore, notifier StatusNotifier) *Manager {
	return &Manager{store: store, notifier: notifier}
}

// SetQueueNotifier attaches the staff push notifier. Call before serving traffic.
func (m *Manager) SetQueueNotifier(n QueueNotifier) {
	m.queue = n
}

// Start creates a session in waiting for a customer or a guest. Exactly one
// of customerID / guestRef must be set; the caller (handler) guarantees it.
func (m *Manager) Start(ctx context.Context, customerID, guestRef string) (*model.ChatSession, error) {
	defer logger.DeferLogDuration("lifecycle.Start", time.Now())()
	sess := &model.ChatSession{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		GuestRef:   guestRef,
		Status:     model.SessionWaiting,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if m.queue != nil {
		// Empty staff ref means broadcast to everyone on duty.
		go m.queue.Notify(context.Background(), "",
			"New chat waiting", "A customer is waiting for an agent",
			map[string]string{"session_id": sess.ID})
	}
	return sess, nil
}

// ListWaiting returns waiting sessions oldest-first. No side effects.
func (m *Manager) ListWaiting(ctx context.Context) ([]model.ChatSession, error) {
	return m.store.ListByStatus(ctx, model.SessionWaiting)
}

// Claim atomically transitions waiting -> assigned and records the staff ref.
// Under N concurrent claimers exactly one wins; the rest get
// ErrAlreadyAssigned. A claim on any non-waiting session also returns
// ErrAlreadyAssigned.
func (m *Manager) Claim(ctx context.Context, sessionID, staffRef string) (*model.ChatSession, error) {
	defer logger.DeferLogDuration("lifecycle.Claim", time.Now())()
	now := time.Now().UTC()
	sess, err := m.store.CompareAndSwapStatus(ctx, sessionID,
		model.SessionWaiting, model.SessionAssigned,
		storage.StatusSwap{AssignedStaffRef: staffRef, AssignedAt: &now},
	)
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, ErrAlreadyAssigned
	}
	if err != nil {
		return nil, err
	}
	m.notifyStatus(ctx, sess)
	return sess, nil
}

// Close transitions the session to closed. Idempotent: closing an already
// closed session returns the current state without error and without a
// duplicate status event. Both assigned and waiting sessions can be closed
// (the waiting path covers abandon/timeout).
func (m *Manager) Close(ctx context.Context, sessionID, actorRef string) (*model.ChatSession, error) {
	defer logger.DeferLogDuration("lifecycle.Close", time.Now())()
	now := time.Now().UTC()
	swap := storage.StatusSwap{ClosedAt: &now}

	sess, err := m.store.CompareAndSwapStatus(ctx, sessionID, model.SessionAssigned, model.SessionClosed, swap)
	if err == nil {
		m.notifyStatus(ctx, sess)
		return sess, nil
	}
	if !errors.Is(err, storage.ErrStatusConflict) {
		return nil, err
	}

	sess, err = m.store.CompareAndSwapStatus(ctx, sessionID, model.SessionWaiting, model.SessionClosed, swap)
	if err == nil {
		m.notifyStatus(ctx, sess)
		return sess, nil
	}
	if !errors.Is(err, storage.ErrStatusConflict) {
		return nil, err
	}

	// Already closed (possibly by a concurrent or duplicate request): return
	// the current state, publish nothing.
	return m.store.GetSession(ctx, sessionID)
}

// closeIfWaiting transitions waiting -> closed and nothing else. A session
// that was claimed (or closed) since the caller last looked is left alone;
// the nil, nil return reports that no-op. Used by the sweeper, which must
// never annul a won claim.
func (m *Manager) closeIfWaiting(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	now := time.Now().UTC()
	sess, err := m.store.CompareAndSwapStatus(ctx, sessionID,
		model.SessionWaiting, model.SessionClosed,
		storage.StatusSwap{ClosedAt: &now},
	)
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.notifyStatus(ctx, sess)
	return sess, nil
}

func (m *Manager) notifyStatus(ctx context.Context, sess *model.ChatSession) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.PublishStatus(ctx, sess); err != nil {
		logger.Errorf("lifecycle status publish session=%s: %v", sess.ID, err)
	}
}
