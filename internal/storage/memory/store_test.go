package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage"
)

func TestStore_GetSessionCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateSession(ctx, &model.ChatSession{
		ID:         "s-1",
		CustomerID: "c-1",
		Status:     model.SessionWaiting,
		CreatedAt:  time.Now().UTC(),
	}))

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	got.Status = model.SessionClosed

	again, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionWaiting, again.Status, "callers must not mutate stored state through the returned copy")

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_CompareAndSwapStatus(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateSession(ctx, &model.ChatSession{
		ID:        "s-1",
		GuestRef:  "guest-1",
		Status:    model.SessionWaiting,
		CreatedAt: time.Now().UTC(),
	}))

	now := time.Now().UTC()
	sess, err := s.CompareAndSwapStatus(ctx, "s-1", model.SessionWaiting, model.SessionAssigned, storage.StatusSwap{
		AssignedStaffRef: "staff-1",
		AssignedAt:       &now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionAssigned, sess.Status)
	assert.Equal(t, "staff-1", sess.AssignedStaffRef)
	require.NotNil(t, sess.AssignedAt)
	assert.Equal(t, now.Unix(), sess.AssignedAt.Unix())

	// Expected status no longer matches.
	_, err = s.CompareAndSwapStatus(ctx, "s-1", model.SessionWaiting, model.SessionAssigned, storage.StatusSwap{})
	assert.ErrorIs(t, err, storage.ErrStatusConflict)

	_, err = s.CompareAndSwapStatus(ctx, "missing", model.SessionWaiting, model.SessionAssigned, storage.StatusSwap{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_AppendMessageAssignsSeq(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateSession(ctx, &model.ChatSession{
		ID:         "s-1",
		CustomerID: "c-1",
		Status:     model.SessionWaiting,
		CreatedAt:  time.Now().UTC(),
	}))

	for i := 1; i <= 3; i++ {
		m := &model.ChatMessage{
			ID:         "m-" + string(rune('0'+i)),
			SessionID:  "s-1",
			SenderRole: model.RoleCustomer,
			SenderRef:  "c-1",
			Content:    "hello",
		}
		require.NoError(t, s.AppendMessage(ctx, m))
		assert.Equal(t, int64(i), m.Seq)
		assert.False(t, m.SentAt.IsZero(), "SentAt is assigned at append time")
	}

	sess, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", sess.LastMessageSummary)

	err = s.AppendMessage(ctx, &model.ChatMessage{ID: "m-x", SessionID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ListByStatusOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()

	base := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, &model.ChatSession{ID: "s-new", CustomerID: "c-1", Status: model.SessionWaiting, CreatedAt: base}))
	require.NoError(t, s.CreateSession(ctx, &model.ChatSession{ID: "s-old", CustomerID: "c-2", Status: model.SessionWaiting, CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, s.CreateSession(ctx, &model.ChatSession{ID: "s-done", CustomerID: "c-3", Status: model.SessionClosed, CreatedAt: base.Add(-2 * time.Hour)}))

	waiting, err := s.ListByStatus(ctx, model.SessionWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "s-old", waiting[0].ID)
	assert.Equal(t, "s-new", waiting[1].ID)
}
