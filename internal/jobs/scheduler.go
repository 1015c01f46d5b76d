package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/stayware/lodgemap/internal/export"
	"github.com/stayware/lodgemap/internal/metrics"
	"github.com/stayware/lodgemap/internal/model"
	"github.com/stayware/lodgemap/internal/statuscache"
	"github.com/stayware/lodgemap/internal/storage"
	"github.com/stayware/lodgemap/internal/store"
)

// Scheduler is the admission path for export jobs: it validates requests,
// persists pending records, hands ids to the pool, and answers status,
// cancel, and download calls with ownership checks.
type Scheduler struct {
	jobs     *store.JobStore
	pool     *Pool
	storage  storage.Store
	cache    *statuscache.Cache
	logger   *slog.Logger
	callback func(*model.ExportJob)
}

// NewScheduler wires the admission controller. cache may be nil, in which
// case every status read hits the job store. callback, when non-nil,
// receives the job after transitions the scheduler applies itself.
func NewScheduler(js *store.JobStore, pool *Pool, st storage.Store, cache *statuscache.Cache, logger *slog.Logger, callback func(*model.ExportJob)) *Scheduler {
	return &Scheduler{
		jobs:     js,
		pool:     pool,
		storage:  st,
		cache:    cache,
		logger:   logger,
		callback: callback,
	}
}

// Submit validates the request, creates a pending job, and enqueues it.
// Execution concurrency is capped by the pool; admission never blocks on a
// busy pool because the queue sweep recovers anything the channel missed.
func (s *Scheduler) Submit(ctx context.Context, principalID int64, exportType model.ExportType, format model.ExportFormat, filters string) (*model.ExportJob, error) {
	if !exportType.Valid() {
		return nil, fmt.Errorf("%w: unknown export type %q", ErrInvalidRequest, exportType)
	}
	if !format.Valid() {
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, format)
	}
	if err := export.ValidateFilters(exportType, filters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	job, err := s.jobs.Create(principalID, exportType, format, filters)
	if err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	metrics.JobsSubmittedTotal.WithLabelValues(string(exportType), string(format)).Inc()
	s.logger.Info("export submitted",
		slog.String("job_id", job.ID),
		slog.Int64("principal_id", principalID),
		slog.String("export_type", string(exportType)),
		slog.String("format", string(format)),
	)

	s.pool.Enqueue(job.ID)
	return job, nil
}

// Status returns the job view for its owner. Reads go through the status
// cache when one is configured; the store stays the source of truth.
func (s *Scheduler) Status(ctx context.Context, jobID string, principalID int64) (*model.ExportJob, error) {
	if s.cache != nil {
		if job, ok := s.cache.Get(ctx, jobID); ok {
			if job.PrincipalID != principalID {
				return nil, ErrForbidden
			}
			return job, nil
		}
	}

	job, err := s.load(jobID, principalID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, job)
	}
	return job, nil
}

// List returns the principal's most recent jobs, newest first.
func (s *Scheduler) List(ctx context.Context, principalID int64, limit int) ([]model.ExportJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.jobs.ListByPrincipal(principalID, limit)
}

// Cancel stops a job. A pending job is cancelled directly and never runs;
// a running job gets a cooperative signal and its worker applies the
// terminal transition at the next checkpoint. Terminal jobs are rejected.
func (s *Scheduler) Cancel(ctx context.Context, jobID string, principalID int64) error {
	job, err := s.load(jobID, principalID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}

	if job.Status == model.ExportStatusPending {
		won, err := s.jobs.CancelPending(jobID)
		if err != nil {
			return fmt.Errorf("cancel pending: %w", err)
		}
		if won {
			s.invalidate(ctx, jobID)
			s.logger.Info("export cancelled before start", slog.String("job_id", jobID))
			s.notify(jobID)
			return nil
		}
		// Lost the race to a claiming worker; fall through to the
		// running path.
		job, err = s.load(jobID, principalID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
		}
	}

	if s.pool.Cancel(jobID) {
		s.invalidate(ctx, jobID)
		s.logger.Info("export cancellation signalled", slog.String("job_id", jobID))
		return nil
	}

	// The worker registers its cancel hook before the claim, so a job
	// whose row reads running is always signallable. No delivery means the
	// run just ended; the re-read confirms which way.
	job, err = s.load(jobID, principalID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}
	s.logger.Warn("cancel signal undeliverable, job still in flight", slog.String("job_id", jobID))
	return nil
}

// Download opens the completed artifact for streaming. The returned job
// carries the format and size for response headers.
func (s *Scheduler) Download(ctx context.Context, jobID string, principalID int64) (io.ReadCloser, *model.ExportJob, error) {
	job, err := s.load(jobID, principalID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != model.ExportStatusCompleted {
		return nil, nil, fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}
	if job.Reclaimed {
		return nil, nil, ErrGone
	}

	rc, size, err := s.storage.Open(ctx, job.FilePath)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, nil, ErrGone
		}
		return nil, nil, fmt.Errorf("open artifact: %w", err)
	}
	if size != job.FileSize {
		s.logger.Warn("artifact size drifted from job record",
			slog.String("job_id", jobID),
			slog.Int64("recorded", job.FileSize),
			slog.Int64("actual", size),
		)
	}
	return rc, job, nil
}

// load fetches a job and enforces ownership: NotFound before Forbidden, so
// probing ids leaks nothing about other principals' jobs.
func (s *Scheduler) load(jobID string, principalID int64) (*model.ExportJob, error) {
	job, err := s.jobs.GetByID(jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if job.PrincipalID != principalID {
		return nil, ErrForbidden
	}
	return job, nil
}

func (s *Scheduler) invalidate(ctx context.Context, jobID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, jobID)
	}
}

func (s *Scheduler) notify(jobID string) {
	if s.callback == nil {
		return
	}
	job, err := s.jobs.GetByID(jobID)
	if err != nil || job == nil {
		return
	}
	s.callback(job)
}
