package model

import "time"

type SessionStatus string

const (
	SessionWaiting  SessionStatus = "waiting"
	SessionAssigned SessionStatus = "assigned"
	SessionClosed   SessionStatus = "closed"
)

// ChatSession is one customer-to-staff conversation.
// Exactly one of CustomerID / GuestRef identifies the customer side.
// AssignedStaffRef is set at most once, by the winning claim; a session never
// leaves the closed status.
type ChatSession struct {
	ID                 string        `json:"id"`
	CustomerID         string        `json:"customer_id,omitempty"`
	GuestRef           string        `json:"guest_ref,omitempty"`
	Status             SessionStatus `json:"status"`
	AssignedStaffRef   string        `json:"assigned_staff_ref,omitempty"`
	LastMessageSummary string        `json:"last_message_summary,omitempty"`
	LastSeq            int64         `json:"-"`
	CreatedAt          time.Time     `json:"created_at"`
	AssignedAt         *time.Time    `json:"assigned_at,omitempty"`
	ClosedAt           *time.Time    `json:"closed_at,omitempty"`
}

// CustomerRef returns whichever customer identity the session carries.
func (s *ChatSession) CustomerRef() string {
	if s.CustomerID != "" {
		return s.CustomerID
	}
	return s.GuestRef
}

// IsClosed reports whether the session reached its terminal status.
func (s *ChatSession) IsClosed() bool {
	return s.Status == SessionClosed
}
