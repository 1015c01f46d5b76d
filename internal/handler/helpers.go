// Package handler binds the export subsystem to its HTTP surface. Wire
// formats stay thin: handlers parse, call the scheduler or sweeper, and
// map sentinel errors onto status codes.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stayware/lodgemap/internal/jobs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSchedulerError maps the scheduler's sentinel errors to HTTP status
// codes. Anything unrecognized is an internal error and gets logged; the
// sentinel text is safe to show callers.
func writeSchedulerError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, jobs.ErrInvalidState), errors.Is(err, jobs.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrGone):
		writeError(w, http.StatusGone, err.Error())
	default:
		logger.Error("export request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
