package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage"
	storagememory "github.com/storechat/internal/storage/memory"
	"github.com/storechat/internal/transport"
	transportmemory "github.com/storechat/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, store storage.SessionStore, status model.SessionStatus, staffRef string) *model.ChatSession {
	t.Helper()
	sess := &model.ChatSession{
		ID:               "sess-1",
		CustomerID:       "cust-1",
		Status:           status,
		AssignedStaffRef: staffRef,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	return sess
}

func collect(t *testing.T, bus transport.PubSub, topic string) *[]Event {
	t.Helper()
	var mu sync.Mutex
	events := &[]Event{}
	_, err := bus.Subscribe(context.Background(), topic, func(_ string, payload []byte) {
		ev, err := DecodeEvent(payload)
		require.NoError(t, err)
		mu.Lock()
		*events = append(*events, *ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	return events
}

func TestRelay_SendPersistsThenPublishes(t *testing.T) {
	store := storagememory.New()
	bus := transportmemory.New()
	r := New(store, bus, 0)
	newSession(t, store, model.SessionAssigned, "staff-1")
	events := collect(t, bus, transport.MessageTopic("sess-1"))

	m, err := r.Send(context.Background(), "sess-1", model.RoleCustomer, "cust-1", "  hello there  ")
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, int64(1), m.Seq)
	assert.Equal(t, "hello there", m.Content, "content is trimmed")
	assert.False(t, m.SentAt.IsZero())

	msgs, err := store.ListMessages(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)

	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, m.ID, ev.Message.ID)
	assert.Equal(t, model.RoleCustomer, ev.Message.SenderRole)
}

func TestRelay_SendValidation(t *testing.T) {
	store := storagememory.New()
	bus := transportmemory.New()
	r := New(store, bus, 64)
	newSession(t, store, model.SessionAssigned, "staff-1")

	t.Run("unknown session", func(t *testing.T) {
		_, err := r.Send(context.Background(), "nope", model.RoleCustomer, "cust-1", "hi")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("empty after trim", func(t *testing.T) {
		_, err := r.Send(context.Background(), "sess-1", model.RoleCustomer, "cust-1", "   ")
		assert.ErrorIs(t, err, ErrInvalidContent)
	})

	t.Run("oversized", func(t *testing.T) {
		_, err := r.Send(context.Background(), "sess-1", model.RoleCustomer, "cust-1", strings.Repeat("x", 65))
		assert.ErrorIs(t, err, ErrInvalidContent)
	})

	msgs, err := store.ListMessages(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected sends must not persist")
}

func TestRelay_SendClosedSession(t *testing.T) {
	store := storagememory.New()
	r := New(store, transportmemory.New(), 0)
	sess := newSession(t, store, model.SessionAssigned, "staff-1")
	now := time.Now().UTC()
	_, err := store.CompareAndSwapStatus(context.Background(), sess.ID,
		model.SessionAssigned, model.SessionClosed, storage.StatusSwap{ClosedAt: &now})
	require.NoError(t, err)

	_, err = r.Send(context.Background(), sess.ID, model.RoleStaff, "staff-1", "too late")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRelay_SendAuthorization(t *testing.T) {
	store := storagememory.New()
	r := New(store, transportmemory.New(), 0)
	newSession(t, store, model.SessionAssigned, "staff-1")

	cases := []struct {
		name   string
		role   model.SenderRole
		sender string
		ok     bool
	}{
		{"assigned staff", model.RoleStaff, "staff-1", true},
		{"other staff", model.RoleStaff, "staff-2", false},
		{"session customer", model.RoleCustomer, "cust-1", true},
		{"other customer", model.RoleCustomer, "cust-2", false},
		{"guest on customer session", model.RoleGuest, "guest-1", false},
		{"system", model.RoleSystem, "sweeper", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Send(context.Background(), "sess-1", tc.role, tc.sender, "hi")
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnauthorized)
			}
		})
	}

	// Unauthorized attempts never reach the store.
	msgs, err := store.ListMessages(context.Background(), "sess-1")
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, "staff-2", m.SenderRef)
		assert.NotEqual(t, "cust-2", m.SenderRef)
	}
}

func TestRelay_StaffCannotWriteBeforeClaim(t *testing.T) {
	store := storagememory.New()
	r := New(store, transportmemory.New(), 0)
	newSession(t, store, model.SessionWaiting, "")

	_, err := r.Send(context.Background(), "sess-1", model.RoleStaff, "staff-1", "hi")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRelay_PublishFailureKeepsMessage(t *testing.T) {
	store := storagememory.New()
	bus := transportmemory.New()
	bus.PublishErr = errors.New("broker down")
	r := New(store, bus, 0)
	newSession(t, store, model.SessionAssigned, "staff-1")

	m, err := r.Send(context.Background(), "sess-1", model.RoleCustomer, "cust-1", "hello")
	require.NoError(t, err, "publish failure must not fail the send")

	msgs, err := store.ListMessages(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)
}

func TestRelay_SeqIsMonotonicPerSession(t *testing.T) {
	store := storagememory.New()
	r := New(store, transportmemory.New(), 0)
	newSession(t, store, model.SessionAssigned, "staff-1")

	other := &model.ChatSession{
		ID: "sess-2", CustomerID: "cust-2",
		Status: model.SessionAssigned, AssignedStaffRef: "staff-1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateSession(context.Background(), other))

	for i := 1; i <= 3; i++ {
		m, err := r.Send(context.Background(), "sess-1", model.RoleCustomer, "cust-1", "msg")
		require.NoError(t, err)
		assert.Equal(t, int64(i), m.Seq)
	}
	m, err := r.Send(context.Background(), "sess-2", model.RoleCustomer, "cust-2", "msg")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Seq, "sequence is scoped per session")
}
