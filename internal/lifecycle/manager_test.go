package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage"
	"github.com/storechat/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier captures published status transitions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []model.ChatSession
}

func (n *recordingNotifier) PublishStatus(ctx context.Context, sess *model.ChatSession) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, *sess)
	return nil
}

func (n *recordingNotifier) all() []model.ChatSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.ChatSession, len(n.events))
	copy(out, n.events)
	return out
}

func TestManager_Start(t *testing.T) {
	store := memory.New()
	m := NewManager(store, &recordingNotifier{})

	sess, err := m.Start(context.Background(), "cust-1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, model.SessionWaiting, sess.Status)
	assert.Equal(t, "cust-1", sess.CustomerID)
	assert.Empty(t, sess.AssignedStaffRef)

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionWaiting, got.Status)
}

func TestManager_ClaimExactlyOneWinner(t *testing.T) {
	store := memory.New()
	notifier := &recordingNotifier{}
	m := NewManager(store, notifier)

	sess, err := m.Start(context.Background(), "cust-1", "")
	require.NoError(t, err)

	const claimers = 16
	var wg sync.WaitGroup
	var winners, losers int64
	var mu sync.Mutex
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Claim(context.Background(), sess.ID, fmt.Sprintf("staff-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else if errors.Is(err, ErrAlreadyAssigned) {
				losers++
			} else {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), winners, "exactly one claim must win")
	assert.Equal(t, int64(claimers-1), losers)

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionAssigned, got.Status)
	assert.NotEmpty(t, got.AssignedStaffRef)
	assert.NotNil(t, got.AssignedAt)

	// One status event for the single winning transition.
	assert.Len(t, notifier.all(), 1)
}

func TestManager_ClaimUnknownSession(t *testing.T) {
	m := NewManager(memory.New(), &recordingNotifier{})
	_, err := m.Claim(context.Background(), "nope", "staff-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_ClaimClosedSession(t *testing.T) {
	store := memory.New()
	m := NewManager(store, &recordingNotifier{})

	sess, err := m.Start(context.Background(), "cust-1", "")
	require.NoError(t, err)
	_, err = m.Close(context.Background(), sess.ID, "cust-1")
	require.NoError(t, err)

	_, err = m.Claim(context.Background(), sess.ID, "staff-1")
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	store := memory.New()
	notifier := &recordingNotifier{}
	m := NewManager(store, notifier)

	sess, err := m.Start(context.Background(), "cust-1", "")
	require.NoError(t, err)
	_, err = m.Claim(context.Background(), sess.ID, "staff-1")
	require.NoError(t, err)

	first, err := m.Close(context.Background(), sess.ID, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, first.Status)
	assert.NotNil(t, first.ClosedAt)

	// Second close: same terminal state, no error, no extra status event.
	before := len(notifier.all())
	second, err := m.Close(context.Background(), sess.ID, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, second.Status)
	assert.Equal(t, first.ClosedAt.Unix(), second.ClosedAt.Unix())
	assert.Len(t, notifier.all(), before)
}

func TestManager_CloseWaitingSession(t *testing.T) {
	store := memory.New()
	m := NewManager(store, &recordingNotifier{})

	sess, err := m.Start(context.Background(), "", "guest-1")
	require.NoError(t, err)

	closed, err := m.Close(context.Background(), sess.ID, "sweeper")
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, closed.Status)
	assert.Empty(t, closed.AssignedStaffRef)
}

func TestManager_ListWaitingOldestFirst(t *testing.T) {
	store := memory.New()
	m := NewManager(store, &recordingNotifier{})

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		sess := &model.ChatSession{
			ID:         fmt.Sprintf("s-%d", i),
			CustomerID: fmt.Sprintf("cust-%d", i),
			Status:     model.SessionWaiting,
			CreatedAt:  now.Add(-time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.CreateSession(context.Background(), sess))
	}
	// s-2 is the oldest, s-0 the newest; an assigned one must not appear.
	_, err := m.Claim(context.Background(), "s-1", "staff-1")
	require.NoError(t, err)

	waiting, err := m.ListWaiting(context.Background())
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "s-2", waiting[0].ID)
	assert.Equal(t, "s-0", waiting[1].ID)
}
