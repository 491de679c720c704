// Package storage defines the session store consumed by the lifecycle manager
// and the message relay. Implementations: postgres.Store (production),
// memory.Store (-dev mode and tests).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/storechat/internal/model"
)

var (
	// ErrNotFound: the referenced session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict: a conditional status update found a different status
	// than expected. The caller lost a race or holds a stale view.
	ErrStatusConflict = errors.New("status conflict")
)

// StatusSwap carries the fields written together with a status transition.
type StatusSwap struct {
	AssignedStaffRef string
	AssignedAt       *time.Time
	ClosedAt         *time.Time
}

// SessionStore persists chat sessions and their message history.
//
// CompareAndSwapStatus must be a single atomic conditional update: it
// transitions the session from expected to next only if the current status
// still equals expected, and returns ErrStatusConflict otherwise. A
// read-then-write implementation is a race and is not a valid Store.
//
// AppendMessage assigns the message's Seq (session-scoped, monotonic) and
// SentAt (server clock) before persisting; messages are immutable afterwards.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.ChatSession) error
	GetSession(ctx context.Context, id string) (*model.ChatSession, error)
	ListByStatus(ctx context.Context, status model.SessionStatus) ([]model.ChatSession, error)
	CompareAndSwapStatus(ctx context.Context, id string, expected, next model.SessionStatus, swap StatusSwap) (*model.ChatSession, error)
	AppendMessage(ctx context.Context, m *model.ChatMessage) error
	ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
	Close() error
}
