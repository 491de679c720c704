package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/storechat/internal/model"
)

// StaffAuth validates a staff bearer token against the external auth service
// and puts the resulting actor id into the request context. The auth provider
// is an opaque collaborator: this middleware never inspects the token itself.
func StaffAuth(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	return actorAuth(authServiceURL, client, "staff", model.RoleStaff)
}

// CustomerAuth does the same for authenticated storefront customers.
func CustomerAuth(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	return actorAuth(authServiceURL, client, "customer", model.RoleCustomer)
}

func actorAuth(authServiceURL string, client *http.Client, wantRole string, role model.SenderRole) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				// WebSocket clients cannot set headers; allow query fallback.
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			reqBody, _ := json.Marshal(map[string]string{"token": token})
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
				strings.TrimSuffix(authServiceURL, "/")+"/internal/validate", bytes.NewReader(reqBody))
			if err != nil {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			var result struct {
				ActorID string `json:"actor_id"`
				Role    string `json:"role"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.ActorID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if result.Role != wantRole {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), ActorIDKey, result.ActorID)
			ctx = context.WithValue(ctx, ActorRoleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
