package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stayware/lodgemap/internal/export"
	"github.com/stayware/lodgemap/internal/metrics"
	"github.com/stayware/lodgemap/internal/model"
	"github.com/stayware/lodgemap/internal/storage"
	"github.com/stayware/lodgemap/internal/store"
)

// SourceResolver binds an export type and its filter payload to a row
// source. *export.Catalog is the production implementation.
type SourceResolver interface {
	Source(exportType model.ExportType, filters string) (export.Source, error)
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	// Workers is the number of concurrent executors.
	Workers int
	// QueueSize bounds the in-memory dispatch queue. A full queue never
	// loses work: pending rows are re-enqueued by the requeue loop.
	QueueSize int
	// JobTimeout bounds a single export run, queries included.
	JobTimeout time.Duration
	// CompletedRetention sets how long finished artifacts stay
	// downloadable; it becomes the job's expires_at at completion.
	CompletedRetention time.Duration
	// RequeueInterval is how often pending rows are swept back into the
	// queue.
	RequeueInterval time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 24 * time.Hour
	}
	if c.RequeueInterval <= 0 {
		c.RequeueInterval = 15 * time.Second
	}
}

// Pool executes export jobs from an in-process FIFO queue with a fixed
// number of workers. Claiming is a status-predicated update, so a job id
// enqueued twice runs once.
type Pool struct {
	mu  sync.RWMutex
	cfg PoolConfig

	jobs     *store.JobStore
	catalog  SourceResolver
	storage  storage.Store
	logger   *slog.Logger
	callback func(*model.ExportJob)

	queue   chan string
	cancels map[string]context.CancelCauseFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPool creates a worker pool. callback, when non-nil, receives the job
// after every status transition.
func NewPool(cfg PoolConfig, js *store.JobStore, catalog SourceResolver, st storage.Store, logger *slog.Logger, callback func(*model.ExportJob)) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:      cfg,
		jobs:     js,
		catalog:  catalog,
		storage:  st,
		logger:   logger,
		callback: callback,
		queue:    make(chan string, cfg.QueueSize),
		cancels:  make(map[string]context.CancelCauseFunc),
	}
}

// Start launches the workers and the requeue loop. Pending jobs left over
// from a previous run are picked up immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 1; i <= p.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.requeueLoop(ctx)
	}()

	go func() {
		wg.Wait()
		close(p.done)
	}()
}

// Stop shuts the pool down. In-flight jobs run to completion under their
// own deadlines; queued jobs stay pending and are re-enqueued on the next
// Start.
func (p *Pool) Stop() {
	p.mu.RLock()
	cancel := p.cancel
	done := p.done
	p.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Enqueue offers a job id to the dispatch queue. When the queue is full
// the id is dropped here and recovered by the requeue loop; the job record
// already exists, so no work is lost.
func (p *Pool) Enqueue(id string) bool {
	select {
	case p.queue <- id:
		return true
	default:
		p.logger.Warn("dispatch queue full, deferring to requeue sweep", slog.String("job_id", id))
		return false
	}
}

// Cancel delivers a cancellation cause to the worker running the job.
// It reports whether a running execution was signalled.
func (p *Pool) Cancel(id string) bool {
	p.mu.RLock()
	cancelCause, ok := p.cancels[id]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	cancelCause(ErrCancelled)
	return true
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	p.logger.Info("export worker started", slog.Int("worker_id", workerID))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopped", slog.Int("worker_id", workerID))
			return
		case id := <-p.queue:
			if ctx.Err() != nil {
				return
			}
			p.runJob(id, workerID)
		}
	}
}

func (p *Pool) requeueLoop(ctx context.Context) {
	p.requeuePending()
	ticker := time.NewTicker(p.cfg.RequeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.requeuePending()
		}
	}
}

func (p *Pool) requeuePending() {
	ids, err := p.jobs.ListPendingIDs(p.cfg.QueueSize)
	if err != nil {
		p.logger.Error("list pending jobs", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		if !p.Enqueue(id) {
			break
		}
	}
	if depth, err := p.jobs.CountByStatus(model.ExportStatusPending); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}

// runJob claims and executes one job. The execution context descends from
// Background, not the pool context, so shutdown drains the job instead of
// killing it; the per-job deadline still bounds how long that takes.
func (p *Pool) runJob(id string, workerID int) {
	jobCtx, cancelCause := context.WithCancelCause(context.Background())
	defer cancelCause(nil)

	// Register the cancel hook before the claim: once the row reads
	// running, a cancel always has somewhere to land, no matter how long
	// the post-claim bookkeeping takes. A signal arriving before the claim
	// kills the run at its first checkpoint, which is still a cancel.
	p.mu.Lock()
	if _, taken := p.cancels[id]; taken {
		// Another worker holds this id; its claim already won or will.
		p.mu.Unlock()
		return
	}
	p.cancels[id] = cancelCause
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, id)
		p.mu.Unlock()
	}()

	claimed, err := p.jobs.Claim(id)
	if err != nil {
		p.logger.Error("claim job", slog.String("job_id", id), slog.Any("error", err))
		return
	}
	if !claimed {
		return
	}

	job, err := p.jobs.GetByID(id)
	if err != nil || job == nil {
		p.logger.Error("load claimed job", slog.String("job_id", id), slog.Any("error", err))
		return
	}

	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("export_type", string(job.ExportType)),
		slog.String("format", string(job.Format)),
		slog.Int("worker_id", workerID),
	)
	logger.Info("export started")
	p.notify(id)

	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()
	start := time.Now()

	runCtx, cancelTimeout := context.WithTimeout(jobCtx, p.cfg.JobTimeout)
	defer cancelTimeout()

	rows, name, runErr := p.produce(runCtx, job)
	if runErr != nil {
		p.discardPartial(id, name, logger)
		p.finalizeError(job, runErr, logger)
		p.notify(id)
		return
	}

	size, err := p.storage.Size(runCtx, name)
	if err != nil {
		p.discardPartial(id, name, logger)
		p.finalizeError(job, fmt.Errorf("verify artifact: %w", err), logger)
		p.notify(id)
		return
	}

	expires := time.Now().UTC().Add(p.cfg.CompletedRetention)
	ok, err := p.jobs.MarkCompleted(id, name, size, expires)
	if err != nil {
		logger.Error("mark completed", slog.Any("error", err))
		return
	}
	if !ok {
		logger.Warn("completion lost, job no longer running")
		return
	}

	metrics.JobsFinishedTotal.WithLabelValues(string(model.ExportStatusCompleted)).Inc()
	metrics.JobDurationSeconds.WithLabelValues(string(job.ExportType), string(job.Format)).Observe(time.Since(start).Seconds())
	logger.Info("export completed",
		slog.Int64("rows", rows),
		slog.Int64("bytes", size),
		slog.Duration("elapsed", time.Since(start)),
	)
	p.notify(id)
}

// produce streams the export into a freshly created artifact and returns
// the row count and artifact name. On error the artifact may exist
// partially; the caller discards it.
func (p *Pool) produce(ctx context.Context, job *model.ExportJob) (int64, string, error) {
	src, err := p.catalog.Source(job.ExportType, job.Filters)
	if err != nil {
		return 0, "", fmt.Errorf("resolve source: %w", err)
	}

	name := storage.ArtifactName(string(job.ExportType), job.ID, job.Format.Ext(), time.Now())
	w, err := p.storage.Create(ctx, name)
	if err != nil {
		return 0, "", err
	}
	if err := p.jobs.SetFilePath(job.ID, name); err != nil {
		p.logger.Error("record artifact path", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	rows, runErr := export.Run(ctx, src, job.Format, w, func(pct int) {
		if err := p.jobs.UpdateProgress(job.ID, pct); err != nil {
			p.logger.Error("update progress", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	})
	closeErr := w.Close()
	if runErr == nil {
		runErr = closeErr
	}
	return rows, name, runErr
}

// discardPartial removes whatever landed in storage for a job that did not
// complete. Deletion runs on a fresh context because the job's own context
// is usually already dead here.
func (p *Pool) discardPartial(id, name string, logger *slog.Logger) {
	if name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.storage.Delete(ctx, name); err != nil {
		logger.Error("discard partial artifact", slog.String("artifact", name), slog.Any("error", err))
		return
	}
	if err := p.jobs.ClearFilePath(id); err != nil {
		logger.Error("clear artifact path", slog.Any("error", err))
	}
}

func (p *Pool) finalizeError(job *model.ExportJob, runErr error, logger *slog.Logger) {
	switch {
	case errors.Is(runErr, ErrCancelled):
		ok, err := p.jobs.MarkCancelled(job.ID)
		if err != nil {
			logger.Error("mark cancelled", slog.Any("error", err))
			return
		}
		if ok {
			metrics.JobsFinishedTotal.WithLabelValues(string(model.ExportStatusCancelled)).Inc()
			logger.Info("export cancelled")
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		msg := fmt.Sprintf("job timeout after %s", p.cfg.JobTimeout)
		ok, err := p.jobs.MarkFailed(job.ID, msg)
		if err != nil {
			logger.Error("mark failed", slog.Any("error", err))
			return
		}
		if ok {
			metrics.JobsFinishedTotal.WithLabelValues(string(model.ExportStatusFailed)).Inc()
			logger.Warn("export timed out", slog.Duration("timeout", p.cfg.JobTimeout))
		}
	default:
		ok, err := p.jobs.MarkFailed(job.ID, runErr.Error())
		if err != nil {
			logger.Error("mark failed", slog.Any("error", err))
			return
		}
		if ok {
			metrics.JobsFinishedTotal.WithLabelValues(string(model.ExportStatusFailed)).Inc()
			logger.Error("export failed", slog.Any("error", runErr))
		}
	}
}

func (p *Pool) notify(id string) {
	if p.callback == nil {
		return
	}
	job, err := p.jobs.GetByID(id)
	if err != nil || job == nil {
		return
	}
	p.callback(job)
}
