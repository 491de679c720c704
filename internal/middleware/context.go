package middleware

import (
	"context"

	"github.com/storechat/internal/model"
)

type contextKey string

const (
	ActorIDKey   contextKey = "actor_id"
	ActorRoleKey contextKey = "actor_role"
	SessionIDKey contextKey = "session_id"
)

// GetActorID returns the acting identity from the context (set by
// StaffAuth or GuestAuth).
func GetActorID(ctx context.Context) string {
	v, _ := ctx.Value(ActorIDKey).(string)
	return v
}

// GetActorRole returns the acting role from the context.
func GetActorRole(ctx context.Context) model.SenderRole {
	v, _ := ctx.Value(ActorRoleKey).(model.SenderRole)
	return v
}

// GetSessionID returns the session a guest token is scoped to, if any.
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}
