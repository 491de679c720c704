package handler

import (
	"encoding/json"
	"net/http"

	"github.com/storechat/internal/middleware"
	"github.com/storechat/internal/notify"
)

// NotifyHandler manages staff Web Push subscriptions (staff auth required).
type NotifyHandler struct {
	client *notify.Client
}

func NewNotifyHandler(client *notify.Client) *NotifyHandler {
	return &NotifyHandler{client: client}
}

// SubscribeRequest is the body from the frontend (PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription notify.PushSubscription `json:"subscription"`
}

// Subscribe stores the push subscription for the acting staff member.
func (h *NotifyHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	staffRef := middleware.GetActorID(r.Context())
	if staffRef == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Subscription.Endpoint == "" || req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.client.Subscribe(r.Context(), staffRef, req.Subscription); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest removes a subscription by endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *NotifyHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	staffRef := middleware.GetActorID(r.Context())
	if staffRef == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.client.Unsubscribe(r.Context(), staffRef, req.Endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
