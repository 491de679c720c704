package model

import (
	"sort"
	"time"
	"unicode/utf8"
)

type SenderRole string

const (
	RoleStaff    SenderRole = "staff"
	RoleCustomer SenderRole = "customer"
	RoleGuest    SenderRole = "guest"
	RoleSystem   SenderRole = "system"
)

// ChatMessage is immutable once persisted. ID identifies the message for
// deduplication; Seq is a session-scoped sequence assigned by the store at
// append time. SentAt is server-assigned, never taken from the client.
// Total order within a session is (SentAt, Seq).
type ChatMessage struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Seq        int64      `json:"seq"`
	SenderRole SenderRole `json:"sender_role"`
	SenderRef  string     `json:"sender_ref"`
	Content    string     `json:"content"`
	SentAt     time.Time  `json:"sent_at"`
}

// Before reports whether m precedes other in the session's total order.
func (m *ChatMessage) Before(other *ChatMessage) bool {
	if m.SentAt.Equal(other.SentAt) {
		return m.Seq < other.Seq
	}
	return m.SentAt.Before(other.SentAt)
}

// SortMessages orders messages by (SentAt, Seq) ascending, in place.
// Transport arrival order is never trusted.
func SortMessages(msgs []ChatMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Before(&msgs[j])
	})
}

// Summary returns a short form of the content for session list rendering.
// Truncation lands on a rune boundary so the result is always valid UTF-8.
func (m *ChatMessage) Summary() string {
	const maxSummary = 120
	if len(m.Content) <= maxSummary {
		return m.Content
	}
	cut := maxSummary - 3
	for cut > 0 && !utf8.RuneStart(m.Content[cut]) {
		cut--
	}
	return m.Content[:cut] + "..."
}
