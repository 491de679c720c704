package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/storechat/internal/auth"
	"github.com/storechat/internal/model"
)

// GuestAuth accepts a session-scoped guest token (X-Guest-Token header or
// guest_token query for WebSocket clients) and puts the guest ref and the
// session the token is bound to into the context. Handlers must check that
// the requested session matches GetSessionID.
func GuestAuth(tokens *auth.GuestTokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(r.Header.Get("X-Guest-Token"))
			if token == "" {
				token = r.URL.Query().Get("guest_token")
			}
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			sessionID, guestRef, err := tokens.Parse(token)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ActorIDKey, guestRef)
			ctx = context.WithValue(ctx, ActorRoleKey, model.RoleGuest)
			ctx = context.WithValue(ctx, SessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
