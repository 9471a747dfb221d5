package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ahmethakanbesel/price-backfill/internal/apperror"
)

// APIResponse is the envelope of every JSON response. Code is set on
// errors raised by the service layer.
type APIResponse[T any] struct {
	Message string        `json:"message"`
	Code    apperror.Code `json:"code,omitempty"`
	Data    T             `json:"data"`
}

func respond[T any](w http.ResponseWriter, status int, body APIResponse[T]) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	respond(w, status, APIResponse[T]{Message: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	respond(w, status, APIResponse[string]{Message: message})
}

// writeServiceError maps an *apperror.AppError to its status; anything else
// is logged and reported as a 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if ae, ok := apperror.As(err); ok {
		respond(w, ae.HTTPStatus(), APIResponse[string]{Message: ae.Message(), Code: ae.Code()})
		return
	}
	slog.Error("request failed", "path", r.URL.Path, "error", err, "requestID", r.Context().Value(requestIDKey))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
