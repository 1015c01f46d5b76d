package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/stayware/lodgemap/internal/auth"
	"github.com/stayware/lodgemap/internal/jobs"
	"github.com/stayware/lodgemap/internal/model"
)

type ExportHandler struct {
	scheduler *jobs.Scheduler
	logger    *slog.Logger
}

func NewExportHandler(scheduler *jobs.Scheduler, logger *slog.Logger) *ExportHandler {
	return &ExportHandler{scheduler: scheduler, logger: logger}
}

type submitRequest struct {
	ExportType string          `json:"export_type"`
	Format     string          `json:"format"`
	Filters    json.RawMessage `json:"filters"`
}

// Create accepts an export request and returns 202 with the pending job.
// The file is produced asynchronously; callers poll the job or watch the
// status feed.
func (h *ExportHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := h.scheduler.Submit(
		r.Context(),
		auth.PrincipalID(r.Context()),
		model.ExportType(req.ExportType),
		model.ExportFormat(req.Format),
		string(req.Filters),
	)
	if err != nil {
		writeSchedulerError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// List returns the caller's recent jobs, newest first.
func (h *ExportHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	list, err := h.scheduler.List(r.Context(), auth.PrincipalID(r.Context()), limit)
	if err != nil {
		writeSchedulerError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []model.ExportJob{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get returns one job's status view.
func (h *ExportHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Status(r.Context(), r.PathValue("id"), auth.PrincipalID(r.Context()))
	if err != nil {
		writeSchedulerError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel stops a pending or running job.
func (h *ExportHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.scheduler.Cancel(r.Context(), id, auth.PrincipalID(r.Context())); err != nil {
		writeSchedulerError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

// Download streams the completed artifact.
func (h *ExportHandler) Download(w http.ResponseWriter, r *http.Request) {
	rc, job, err := h.scheduler.Download(r.Context(), r.PathValue("id"), auth.PrincipalID(r.Context()))
	if err != nil {
		writeSchedulerError(w, h.logger, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", job.Format.ContentType())
	w.Header().Set("Content-Length", strconv.FormatInt(job.FileSize, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(job.FilePath)))
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are already out; all we can do is log the broken pipe.
		h.logger.Warn("stream artifact",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}
