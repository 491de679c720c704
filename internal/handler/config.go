package handler

import (
	"net/http"

	"github.com/storechat/internal/config"
)

// ConfigHandler exposes public configuration to the storefront widget.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// GetChatConfig returns widget parameters (no auth required).
func (h *ConfigHandler) GetChatConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"max_message_len": h.cfg.MaxMessageLen,
	})
}

// GetNotifyConfig returns the public VAPID key for staff push subscriptions.
func (h *ConfigHandler) GetNotifyConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg.NotifyServiceURL == "" || h.cfg.NotifyVAPIDPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":          true,
		"vapid_public_key": h.cfg.NotifyVAPIDPublicKey,
	})
}
