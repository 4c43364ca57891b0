package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/livegate/internal/action"
	"github.com/MrWong99/livegate/internal/fault"
	"github.com/MrWong99/livegate/internal/session"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// errorBody is the JSON error response. Message is always safe to show to
// the user.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode response", "err", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: msg})
}

// writeError maps err to a status code and a user-facing message. Raw error
// text is logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: "internal", Message: fault.Message(err)}

	switch k := fault.KindOf(err); {
	case errors.Is(err, session.ErrSessionActive):
		status = http.StatusConflict
		body = errorBody{Error: "session_active", Message: "A session is already running."}
	case errors.Is(err, action.ErrNotFound):
		status = http.StatusNotFound
		body = errorBody{Error: "not_found", Message: "No action with this ID exists."}
	case errors.Is(err, action.ErrInvalidProposal):
		status = http.StatusBadRequest
		body = errorBody{Error: "invalid_proposal", Message: "The proposed action is incomplete."}
	case k != 0:
		body.Error = k.String()
		status = statusOf(k)
	}

	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "api: request failed", "path", r.URL.Path, "err", err)
	} else {
		slog.DebugContext(r.Context(), "api: request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func statusOf(k fault.Kind) int {
	switch k {
	case fault.PermissionDenied:
		return http.StatusForbidden
	case fault.DeviceUnavailable:
		return http.StatusServiceUnavailable
	case fault.NetworkSetupFailed, fault.StreamFault:
		return http.StatusBadGateway
	case fault.ActionResolutionConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
