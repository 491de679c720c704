package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/storechat/internal/model"
	"github.com/storechat/internal/relay"
	storagememory "github.com/storechat/internal/storage/memory"
	"github.com/storechat/internal/transport"
	transportmemory "github.com/storechat/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// updateSink records controller updates in arrival order.
type updateSink struct {
	mu      sync.Mutex
	updates []Update
}

func (s *updateSink) sink(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *updateSink) all() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}

func (s *updateSink) ofKind(kind UpdateKind) []Update {
	var out []Update
	for _, u := range s.all() {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

type fixture struct {
	store *storagememory.Store
	bus   *transportmemory.Bus
	relay *relay.Relay
	sink  *updateSink
	ctrl  *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storagememory.New()
	bus := transportmemory.New()
	sink := &updateSink{}
	f := &fixture{
		store: store,
		bus:   bus,
		relay: relay.New(store, bus, 0),
		sink:  sink,
		ctrl:  New(store, bus, sink.sink),
	}
	t.Cleanup(f.ctrl.Close)
	return f
}

func (f *fixture) addSession(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateSession(context.Background(), &model.ChatSession{
		ID:               id,
		CustomerID:       "cust-" + id,
		Status:           model.SessionAssigned,
		AssignedStaffRef: "staff-1",
		CreatedAt:        time.Now().UTC(),
	}))
}

func (f *fixture) send(t *testing.T, sessionID, content string) *model.ChatMessage {
	t.Helper()
	m, err := f.relay.Send(context.Background(), sessionID, model.RoleCustomer, "cust-"+sessionID, content)
	require.NoError(t, err)
	return m
}

func TestController_OpenDeliversHistoryThenLive(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "a")
	f.send(t, "a", "first")
	f.send(t, "a", "second")

	require.NoError(t, f.ctrl.Open(context.Background(), "a"))
	assert.Equal(t, StateLive, f.ctrl.State())

	snaps := f.sink.ofKind(UpdateSnapshot)
	require.Len(t, snaps, 1)
	require.Len(t, snaps[0].Messages, 2)
	assert.Equal(t, "first", snaps[0].Messages[0].Content)
	assert.Equal(t, "second", snaps[0].Messages[1].Content)

	live := f.send(t, "a", "third")
	msgs := f.sink.ofKind(UpdateMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, live.ID, msgs[0].Message.ID)

	view := f.ctrl.Snapshot()
	require.Len(t, view, 3)
	assert.Equal(t, "third", view[2].Content)
}

func TestController_DeduplicatesRedeliveredMessages(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "a")
	require.NoError(t, f.ctrl.Open(context.Background(), "a"))

	m := f.send(t, "a", "hello")

	// At-least-once transport: replay the same event.
	payload, err := relay.EncodeMessageEvent(m)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), transport.MessageTopic("a"), payload))
	require.NoError(t, f.bus.Publish(context.Background(), transport.MessageTopic("a"), payload))

	assert.Len(t, f.ctrl.Snapshot(), 1)
	assert.Len(t, f.sink.ofKind(UpdateMessage), 1, "duplicates are not surfaced")
}

func TestController_SwitchingSessionsReplacesView(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "a")
	f.addSession(t, "b")
	f.send(t, "a", "in a")
	f.send(t, "b", "in b")

	require.NoError(t, f.ctrl.Open(context.Background(), "a"))
	require.NoError(t, f.ctrl.Open(context.Background(), "b"))
	assert.Equal(t, "b", f.ctrl.SessionID())

	view := f.ctrl.Snapshot()
	require.Len(t, view, 1)
	assert.Equal(t, "in b", view[0].Content)

	// Traffic on the abandoned session must not leak into the new view.
	f.send(t, "a", "late in a")
	view = f.ctrl.Snapshot()
	require.Len(t, view, 1)
	assert.Equal(t, "in b", view[0].Content)

	f.send(t, "b", "more in b")
	assert.Len(t, f.ctrl.Snapshot(), 2)
}

func TestController_StatusEventsSurface(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "a")
	require.NoError(t, f.ctrl.Open(context.Background(), "a"))

	sess, err := f.store.GetSession(context.Background(), "a")
	require.NoError(t, err)
	sess.Status = model.SessionClosed
	require.NoError(t, f.relay.PublishStatus(context.Background(), sess))

	statuses := f.sink.ofKind(UpdateStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, model.SessionClosed, statuses[0].Status.Status)
	assert.Equal(t, "a", statuses[0].Status.SessionID)
}

func TestController_DisconnectIsObservableAndResyncs(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "a")
	f.bus.SetCallbacks(transport.StateCallbacks{
		OnDisconnect: f.ctrl.HandleTransportDown,
		OnConnect: func() {
			f.ctrl.HandleTransportUp(context.Background())
		},
	})
	require.NoError(t, f.ctrl.Open(context.Background(), "a"))
	f.send(t, "a", "before gap")

	f.bus.SimulateDisconnect(errors.New("conn reset"), false)
	assert.Equal(t, StateDisconnected, f.ctrl.State())

	// The message lands while the view is disconnected, then the transport
	// recovers: resync must pick it up from history.
	missed := f.send(t, "a", "during gap")
	f.bus.SimulateDisconnect(errors.New("conn reset"), true)

	assert.Equal(t, StateLive, f.ctrl.State())
	view := f.ctrl.Snapshot()
	require.Len(t, view, 2)
	assert.Equal(t, missed.ID, view[1].ID)

	states := f.sink.ofKind(UpdateConnState)
	var seq []ConnState
	for _, u := range states {
		seq = append(seq, u.State)
	}
	assert.Contains(t, seq, StateDisconnected)
	assert.Equal(t, StateLive, seq[len(seq)-1])
}

func TestController_DisconnectWithoutSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandleTransportDown(errors.New("conn reset"))
	assert.Empty(t, f.sink.all())
}

func TestController_CloseStopsDelivery(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "a")
	require.NoError(t, f.ctrl.Open(context.Background(), "a"))
	f.ctrl.Close()

	f.send(t, "a", "after close")
	assert.Empty(t, f.ctrl.Snapshot())
	assert.Empty(t, f.sink.ofKind(UpdateMessage))
}
