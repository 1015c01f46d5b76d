package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stayware/lodgemap/internal/cleanup"
)

type AdminHandler struct {
	sweeper *cleanup.Sweeper
	logger  *slog.Logger
}

func NewAdminHandler(sweeper *cleanup.Sweeper, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{sweeper: sweeper, logger: logger}
}

type cleanupRequest struct {
	CompletedRetentionHours float64 `json:"completed_retention_hours"`
	FailedRetentionHours    float64 `json:"failed_retention_hours"`
	DryRun                  bool    `json:"dry_run"`
}

// Cleanup triggers a sweep on demand. An empty body runs the defaults;
// retention overrides and dry_run come from the request.
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CompletedRetentionHours < 0 || req.FailedRetentionHours < 0 {
		writeError(w, http.StatusBadRequest, "retention hours must not be negative")
		return
	}

	opts := cleanup.Options{
		CompletedRetention: time.Duration(req.CompletedRetentionHours * float64(time.Hour)),
		FailedRetention:    time.Duration(req.FailedRetentionHours * float64(time.Hour)),
		DryRun:             req.DryRun,
	}
	res, err := h.sweeper.Sweep(r.Context(), opts)
	if err != nil {
		h.logger.Error("admin sweep failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}

	h.logger.Info("admin sweep finished",
		slog.Bool("dry_run", req.DryRun),
		slog.Int("deleted", res.Deleted),
		slog.Int("failed", res.Failed),
	)
	writeJSON(w, http.StatusOK, res)
}
