package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_ClosesOnlyStaleWaiting(t *testing.T) {
	store := memory.New()
	m := NewManager(store, &recordingNotifier{})
	s := NewSweeper(m, time.Minute, 30*time.Minute)

	now := time.Now().UTC()
	stale := &model.ChatSession{
		ID:         "stale",
		CustomerID: "cust-1",
		Status:     model.SessionWaiting,
		CreatedAt:  now.Add(-time.Hour),
	}
	fresh := &model.ChatSession{
		ID:         "fresh",
		CustomerID: "cust-2",
		Status:     model.SessionWaiting,
		CreatedAt:  now.Add(-time.Minute),
	}
	staleAssigned := &model.ChatSession{
		ID:         "stale-assigned",
		CustomerID: "cust-3",
		Status:     model.SessionWaiting,
		CreatedAt:  now.Add(-2 * time.Hour),
	}
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, stale))
	require.NoError(t, store.CreateSession(ctx, fresh))
	require.NoError(t, store.CreateSession(ctx, staleAssigned))
	_, err := m.Claim(ctx, "stale-assigned", "staff-1")
	require.NoError(t, err)

	s.Sweep(ctx)

	got, err := store.GetSession(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, got.Status)

	got, err = store.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.SessionWaiting, got.Status)

	got, err = store.GetSession(ctx, "stale-assigned")
	require.NoError(t, err)
	assert.Equal(t, model.SessionAssigned, got.Status)
}

// claimDuringListStore claims a session right after the waiting list is
// snapshotted, landing inside the window between the sweeper's listing and
// its conditional close.
type claimDuringListStore struct {
	*memory.Store
	afterList func()
	once      sync.Once
}

func (s *claimDuringListStore) ListByStatus(ctx context.Context, status model.SessionStatus) ([]model.ChatSession, error) {
	out, err := s.Store.ListByStatus(ctx, status)
	s.once.Do(s.afterList)
	return out, err
}

func TestSweeper_SkipsSessionClaimedAfterListing(t *testing.T) {
	store := &claimDuringListStore{Store: memory.New()}
	notifier := &recordingNotifier{}
	m := NewManager(store, notifier)
	s := NewSweeper(m, time.Minute, 30*time.Minute)

	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &model.ChatSession{
		ID:         "late-claim",
		CustomerID: "cust-1",
		Status:     model.SessionWaiting,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}))
	store.afterList = func() {
		_, err := m.Claim(ctx, "late-claim", "staff-1")
		require.NoError(t, err)
	}

	s.Sweep(ctx)

	got, err := store.GetSession(ctx, "late-claim")
	require.NoError(t, err)
	assert.Equal(t, model.SessionAssigned, got.Status, "a claim won during the sweep must stand")
	assert.Equal(t, "staff-1", got.AssignedStaffRef)

	// One status event (the claim), none from the sweeper.
	require.Len(t, notifier.all(), 1)
	assert.Equal(t, model.SessionAssigned, notifier.all()[0].Status)
}

func TestSweeper_RepeatSweepIsHarmless(t *testing.T) {
	store := memory.New()
	notifier := &recordingNotifier{}
	m := NewManager(store, notifier)
	s := NewSweeper(m, time.Minute, 30*time.Minute)

	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &model.ChatSession{
		ID:        "old",
		GuestRef:  "guest-1",
		Status:    model.SessionWaiting,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	s.Sweep(ctx)
	events := len(notifier.all())
	s.Sweep(ctx)

	// Second pass sees no waiting sessions and publishes nothing new.
	assert.Equal(t, events, len(notifier.all()))
}
