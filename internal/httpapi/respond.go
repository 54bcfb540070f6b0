package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"campusnotify/internal/notifications"
	"campusnotify/internal/policy"
	"campusnotify/internal/schedule"
	"campusnotify/internal/subscription"

	"github.com/go-chi/chi/v5/middleware"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg, RequestID: middleware.GetReqID(r.Context())})
}

// writeDomainError maps service errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, subscription.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, subscription.ErrAlreadySubscribed):
		writeError(w, r, http.StatusConflict, "already_subscribed", err.Error())
	case errors.Is(err, subscription.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, subscription.ErrRenewalFailed):
		writeError(w, r, http.StatusBadGateway, "renewal_failed", err.Error())
	case errors.Is(err, subscription.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, policy.ErrCategoryNotFound):
		writeError(w, r, http.StatusBadRequest, "unknown_category", err.Error())
	case errors.Is(err, notifications.ErrInvalidRequest), errors.Is(err, notifications.ErrUnknownAction):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, schedule.ErrStopped):
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid json body: "+err.Error())
		return false
	}
	return true
}
