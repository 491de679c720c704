// Package memory implements storage.SessionStore on in-process maps, with
// the same conditional-swap and sequencing semantics as the postgres store.
// Used by tests as the in-process fake.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage"
)

type Store struct {
	mu       sync.Mutex
	sessions map[string]*model.ChatSession
	messages map[string][]model.ChatMessage
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*model.ChatSession),
		messages: make(map[string][]model.ChatMessage),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateSession(ctx context.Context, sess *model.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) ListByStatus(ctx context.Context, status model.SessionStatus) ([]model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ChatSession, 0, 8)
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, *sess)
		}
	}
	// Oldest first, for fair staff pickup.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CompareAndSwapStatus performs the conditional transition under the store
// mutex, mirroring the single conditional UPDATE of the postgres store.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, expected, next model.SessionStatus, swap storage.StatusSwap) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if sess.Status != expected {
		return nil, storage.ErrStatusConflict
	}
	sess.Status = next
	if swap.AssignedStaffRef != "" {
		sess.AssignedStaffRef = swap.AssignedStaffRef
	}
	if swap.AssignedAt != nil {
		t := *swap.AssignedAt
		sess.AssignedAt = &t
	}
	if swap.ClosedAt != nil {
		t := *swap.ClosedAt
		sess.ClosedAt = &t
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) AppendMessage(ctx context.Context, m *model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[m.SessionID]
	if !ok {
		return storage.ErrNotFound
	}
	sess.LastSeq++
	m.Seq = sess.LastSeq
	m.SentAt = time.Now().UTC()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], *m)
	sess.LastMessageSummary = m.Summary()
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]model.ChatMessage, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	model.SortMessages(out)
	return out, nil
}
