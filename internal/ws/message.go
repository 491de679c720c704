package ws

import (
	"time"

	"github.com/storechat/internal/controller"
	"github.com/storechat/internal/model"
)

type EventType string

const (
	// Client -> server.
	EventOpenSession  EventType = "open_session"
	EventLeaveSession EventType = "leave_session"
	EventSend         EventType = "send"
	EventClaim        EventType = "claim"
	EventCloseSession EventType = "close_session"
	EventListWaiting  EventType = "list_waiting"

	// Server -> client.
	EventSnapshot    EventType = "snapshot"
	EventMessage     EventType = "message"
	EventStatus      EventType = "status"
	EventConnState   EventType = "conn_state"
	EventWaitingList EventType = "waiting_list"
	EventError       EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// --- Typed payloads for hot-path (avoid map[string]any allocations) ---

// SnapshotPayload carries the full replacement view of a session.
type SnapshotPayload struct {
	SessionID string              `json:"session_id"`
	Messages  []model.ChatMessage `json:"messages"`
}

// MessagePayload carries one live message merged into the view.
type MessagePayload struct {
	SessionID string            `json:"session_id"`
	Message   model.ChatMessage `json:"message"`
}

// StatusPayload is sent on session lifecycle transitions.
type StatusPayload struct {
	SessionID        string              `json:"session_id"`
	Status           model.SessionStatus `json:"status"`
	AssignedStaffRef string              `json:"assigned_staff_ref,omitempty"`
	At               time.Time           `json:"at"`
}

// ConnStatePayload reflects the transport state of an opened view.
type ConnStatePayload struct {
	SessionID string               `json:"session_id"`
	State     controller.ConnState `json:"state"`
}

// WaitingListPayload carries the unassigned sessions, oldest first.
type WaitingListPayload struct {
	Sessions []model.ChatSession `json:"sessions"`
}

// toOutgoing converts a controller update into the wire shape.
func toOutgoing(u controller.Update) OutgoingMessage {
	switch u.Kind {
	case controller.UpdateSnapshot:
		msgs := u.Messages
		if msgs == nil {
			msgs = []model.ChatMessage{}
		}
		return OutgoingMessage{Type: EventSnapshot, Payload: SnapshotPayload{
			SessionID: u.SessionID,
			Messages:  msgs,
		}}
	case controller.UpdateMessage:
		return OutgoingMessage{Type: EventMessage, Payload: MessagePayload{
			SessionID: u.SessionID,
			Message:   *u.Message,
		}}
	case controller.UpdateStatus:
		return OutgoingMessage{Type: EventStatus, Payload: StatusPayload{
			SessionID:        u.Status.SessionID,
			Status:           u.Status.Status,
			AssignedStaffRef: u.Status.AssignedStaffRef,
			At:               u.Status.At,
		}}
	default:
		return OutgoingMessage{Type: EventConnState, Payload: ConnStatePayload{
			SessionID: u.SessionID,
			State:     u.State,
		}}
	}
}
