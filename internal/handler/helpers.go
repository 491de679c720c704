package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/storechat/internal/lifecycle"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/relay"
	"github.com/storechat/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps the typed session errors to HTTP statuses. Anything
// unrecognized is logged and reported as a 500.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, lifecycle.ErrAlreadyAssigned):
		writeError(w, http.StatusConflict, "session already assigned")
	case errors.Is(err, relay.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session is closed")
	case errors.Is(err, relay.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not a participant")
	case errors.Is(err, relay.ErrInvalidContent):
		writeError(w, http.StatusUnprocessableEntity, "invalid message content")
	default:
		logger.Errorf("%s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
