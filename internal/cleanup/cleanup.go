// Package cleanup reclaims storage from expired export artifacts. The
// sweeper runs on a timer inside the server and once-off from the CLI and
// the admin endpoint; all three paths share Sweep.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stayware/lodgemap/internal/metrics"
	"github.com/stayware/lodgemap/internal/model"
	"github.com/stayware/lodgemap/internal/storage"
	"github.com/stayware/lodgemap/internal/store"
)

// candidateLimit caps how many jobs one sweep touches. Leftovers are
// picked up by the next run.
const candidateLimit = 1000

// Options control one sweep.
type Options struct {
	// CompletedRetention is how long completed artifacts stay
	// downloadable after completion.
	CompletedRetention time.Duration
	// FailedRetention is how long residual files of failed or cancelled
	// jobs may linger before removal.
	FailedRetention time.Duration
	// DryRun selects and counts without touching storage or records.
	DryRun bool
}

func (o *Options) applyDefaults() {
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = 24 * time.Hour
	}
	if o.FailedRetention <= 0 {
		o.FailedRetention = time.Hour
	}
}

// Result reports what a sweep did, or in dry-run mode, would do.
type Result struct {
	Deleted int `json:"deleted_count"`
	Failed  int `json:"failed_count"`
}

// Config holds the periodic sweeper's settings.
type Config struct {
	// Interval between automatic sweeps.
	Interval time.Duration
	// Defaults are the options each automatic sweep runs with.
	Defaults Options
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	c.Defaults.applyDefaults()
}

// Sweeper deletes expired completed artifacts and stale failed leftovers.
// It only ever touches terminal jobs, so it never races a worker.
type Sweeper struct {
	mu  sync.RWMutex
	cfg Config

	jobs    *store.JobStore
	storage storage.Store
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(cfg Config, js *store.JobStore, st storage.Store, logger *slog.Logger) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{
		cfg:     cfg,
		jobs:    js,
		storage: st,
		logger:  logger,
	}
}

// Start launches the periodic sweep loop. The first sweep runs after one
// full interval, not at startup, so a crash-looping process does not hammer
// storage.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := s.Sweep(ctx, s.cfg.Defaults)
				if err != nil {
					s.logger.Error("cleanup sweep failed", slog.Any("error", err))
					continue
				}
				if res.Deleted > 0 || res.Failed > 0 {
					s.logger.Info("cleanup sweep finished",
						slog.Int("deleted", res.Deleted),
						slog.Int("failed", res.Failed),
					)
				}
			}
		}
	}()
}

// Stop halts the periodic loop and waits for an in-progress sweep.
func (s *Sweeper) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Sweep reclaims expired completed artifacts and failed-job residue. A
// single file's failure is counted and logged, never fatal to the rest of
// the batch. Sweeping twice is idempotent: reclaimed jobs leave the
// candidate set.
func (s *Sweeper) Sweep(ctx context.Context, opts Options) (Result, error) {
	opts.applyDefaults()
	now := time.Now().UTC()
	var res Result

	expired, err := s.jobs.ListExpiredCompleted(now, now.Add(-opts.CompletedRetention), candidateLimit)
	if err != nil {
		return res, fmt.Errorf("list expired completed jobs: %w", err)
	}
	s.reclaim(ctx, expired, opts.DryRun, &res)

	stale, err := s.jobs.ListStaleResidue(now.Add(-opts.FailedRetention), candidateLimit)
	if err != nil {
		return res, fmt.Errorf("list stale residue: %w", err)
	}
	s.reclaim(ctx, stale, opts.DryRun, &res)

	return res, nil
}

func (s *Sweeper) reclaim(ctx context.Context, jobs []model.ExportJob, dryRun bool, res *Result) {
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if dryRun {
			res.Deleted++
			continue
		}

		// Delete tolerates missing files: a job whose artifact is
		// already gone still gets its record flagged.
		if err := s.storage.Delete(ctx, job.FilePath); err != nil {
			res.Failed++
			metrics.CleanupFailuresTotal.Inc()
			s.logger.Error("delete artifact",
				slog.String("job_id", job.ID),
				slog.String("artifact", job.FilePath),
				slog.Any("error", err),
			)
			continue
		}
		if err := s.jobs.MarkReclaimed(job.ID); err != nil {
			res.Failed++
			metrics.CleanupFailuresTotal.Inc()
			s.logger.Error("mark job reclaimed",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}
		res.Deleted++
		metrics.CleanupReclaimedTotal.Inc()
		s.logger.Debug("artifact reclaimed",
			slog.String("job_id", job.ID),
			slog.String("artifact", job.FilePath),
		)
	}
}
