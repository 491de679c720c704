package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/storechat/internal/model"
)

type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
)

// Event is the single normalized envelope published to the session topics.
// Everything downstream of the relay consumes this shape only; there is no
// field sniffing on raw payloads anywhere else.
type Event struct {
	Type    EventType          `json:"type"`
	Message *model.ChatMessage `json:"message,omitempty"`
	Status  *StatusChange      `json:"status,omitempty"`
}

// StatusChange announces a lifecycle transition on the status topic.
type StatusChange struct {
	SessionID        string              `json:"session_id"`
	Status           model.SessionStatus `json:"status"`
	AssignedStaffRef string              `json:"assigned_staff_ref,omitempty"`
	At               time.Time           `json:"at"`
}

// EncodeMessageEvent wraps a persisted message for publishing.
func EncodeMessageEvent(m *model.ChatMessage) ([]byte, error) {
	return json.Marshal(Event{Type: EventMessage, Message: m})
}

// EncodeStatusEvent wraps a session transition for publishing.
func EncodeStatusEvent(s *model.ChatSession) ([]byte, error) {
	change := &StatusChange{
		SessionID:        s.ID,
		Status:           s.Status,
		AssignedStaffRef: s.AssignedStaffRef,
		At:               time.Now().UTC(),
	}
	return json.Marshal(Event{Type: EventStatus, Status: change})
}

// DecodeEvent parses a topic payload into the normalized envelope.
func DecodeEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("relay.DecodeEvent: %w", err)
	}
	switch ev.Type {
	case EventMessage:
		if ev.Message == nil {
			return nil, fmt.Errorf("relay.DecodeEvent: message event without message")
		}
	case EventStatus:
		if ev.Status == nil {
			return nil, fmt.Errorf("relay.DecodeEvent: status event without status")
		}
	default:
		return nil, fmt.Errorf("relay.DecodeEvent: unknown event type %q", ev.Type)
	}
	return &ev, nil
}
