// Package postgres implements storage.SessionStore on a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage"
)

const sessionCols = `id, COALESCE(customer_id,''), COALESCE(guest_ref,''), status,
	COALESCE(assigned_staff_ref,''), COALESCE(last_message_summary,''), last_seq,
	created_at, assigned_at, closed_at`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// scanSession scans a row into model.ChatSession (column order matches sessionCols).
func scanSession(row interface{ Scan(dest ...any) error }, sess *model.ChatSession) error {
	return row.Scan(&sess.ID, &sess.CustomerID, &sess.GuestRef, &sess.Status,
		&sess.AssignedStaffRef, &sess.LastMessageSummary, &sess.LastSeq,
		&sess.CreatedAt, &sess.AssignedAt, &sess.ClosedAt)
}

func (s *Store) CreateSession(ctx context.Context, sess *model.ChatSession) error {
	defer logger.DeferLogDuration("store.CreateSession", time.Now())()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, customer_id, guest_ref, status, created_at)
		 VALUES ($1, NULLIF($2,''), NULLIF($3,''), $4, $5)`,
		sess.ID, sess.CustomerID, sess.GuestRef, sess.Status, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgStore.CreateSession: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.ChatSession, error) {
	defer logger.DeferLogDuration("store.GetSession", time.Now())()
	sess := &model.ChatSession{}
	row := s.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM chat_sessions WHERE id = $1`, id)
	if err := scanSession(row, sess); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("pgStore.GetSession: %w", err)
	}
	return sess, nil
}

func (s *Store) ListByStatus(ctx context.Context, status model.SessionStatus) ([]model.ChatSession, error) {
	defer logger.DeferLogDuration("store.ListByStatus", time.Now())()
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+` FROM chat_sessions
		 WHERE status = $1
		 ORDER BY created_at ASC`, status,
	)
	if err != nil {
		return nil, fmt.Errorf("pgStore.ListByStatus query: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.ChatSession, 0, 16)
	for rows.Next() {
		var sess model.ChatSession
		if err := scanSession(rows, &sess); err != nil {
			return nil, fmt.Errorf("pgStore.ListByStatus scan: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgStore.ListByStatus rows: %w", err)
	}
	return sessions, nil
}

// CompareAndSwapStatus is the claim/close primitive: a single conditional
// UPDATE guarded on the current status, so that N concurrent claimers get
// exactly one winner. Losers are told apart from missing sessions by a
// follow-up existence check.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, expected, next model.SessionStatus, swap storage.StatusSwap) (*model.ChatSession, error) {
	defer logger.DeferLogDuration("store.CompareAndSwapStatus", time.Now())()
	sess := &model.ChatSession{}
	row := s.pool.QueryRow(ctx,
		`UPDATE chat_sessions
		 SET status = $3,
		     assigned_staff_ref = COALESCE(NULLIF($4,''), assigned_staff_ref),
		     assigned_at = COALESCE($5, assigned_at),
		     closed_at = COALESCE($6, closed_at)
		 WHERE id = $1 AND status = $2
		 RETURNING `+sessionCols,
		id, expected, next, swap.AssignedStaffRef, swap.AssignedAt, swap.ClosedAt,
	)
	err := scanSession(row, sess)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the session is gone or its status moved under us.
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM chat_sessions WHERE id = $1)`, id,
		).Scan(&exists); checkErr != nil {
			return nil, fmt.Errorf("pgStore.CompareAndSwapStatus exists: %w", checkErr)
		}
		if !exists {
			return nil, storage.ErrNotFound
		}
		return nil, storage.ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("pgStore.CompareAndSwapStatus: %w", err)
	}
	return sess, nil
}

// AppendMessage assigns the session-scoped sequence and the server timestamp,
// then persists the message. Seq assignment and insert share a transaction;
// the denormalized last_message_summary is updated best-effort afterwards
// (eventually consistent by design of the session list).
func (s *Store) AppendMessage(ctx context.Context, m *model.ChatMessage) error {
	defer logger.DeferLogDuration("store.AppendMessage", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgStore.AppendMessage begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`UPDATE chat_sessions SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`,
		m.SessionID,
	).Scan(&m.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pgStore.AppendMessage seq: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO chat_messages (id, session_id, seq, sender_role, sender_ref, content, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 RETURNING sent_at`,
		m.ID, m.SessionID, m.Seq, m.SenderRole, m.SenderRef, m.Content,
	).Scan(&m.SentAt)
	if err != nil {
		return fmt.Errorf("pgStore.AppendMessage insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgStore.AppendMessage commit: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET last_message_summary = $2 WHERE id = $1`,
		m.SessionID, m.Summary(),
	); err != nil {
		logger.Errorf("store update summary session=%s: %v", m.SessionID, err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	defer logger.DeferLogDuration("store.ListMessages", time.Now())()
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_sessions WHERE id = $1)`, sessionID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("pgStore.ListMessages exists: %w", err)
	}
	if !exists {
		return nil, storage.ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, sender_role, sender_ref, content, sent_at
		 FROM chat_messages
		 WHERE session_id = $1
		 ORDER BY sent_at ASC, seq ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("pgStore.ListMessages query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.ChatMessage, 0, 64)
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.SenderRole, &m.SenderRef, &m.Content, &m.SentAt); err != nil {
			return nil, fmt.Errorf("pgStore.ListMessages scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgStore.ListMessages rows: %w", err)
	}
	return msgs, nil
}
