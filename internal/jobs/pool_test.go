package jobs

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stayware/lodgemap/internal/database"
	"github.com/stayware/lodgemap/internal/export"
	"github.com/stayware/lodgemap/internal/model"
	"github.com/stayware/lodgemap/internal/storage"
	"github.com/stayware/lodgemap/internal/store"
)

// stubResolver hands every job the source built by its factory and counts
// resolutions, which equal the number of claimed executions.
type stubResolver struct {
	mu       sync.Mutex
	factory  func(filters string) export.Source
	resolved []string
}

func (r *stubResolver) Source(_ model.ExportType, filters string) (export.Source, error) {
	r.mu.Lock()
	r.resolved = append(r.resolved, filters)
	r.mu.Unlock()
	return r.factory(filters), nil
}

func (r *stubResolver) resolutions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resolved...)
}

// stubSource yields rows batches of one row each. When started is non-nil
// the first Next signals it; when release is non-nil every Next after the
// first row blocks until release closes or the context dies.
type stubSource struct {
	rows    int
	started chan<- struct{}
	release <-chan struct{}
}

func (s *stubSource) Columns() []string                { return []string{"id", "name"} }
func (s *stubSource) Count(context.Context) (int64, error) { return int64(s.rows), nil }

func (s *stubSource) Open(context.Context) (export.Cursor, error) {
	return &stubCursor{src: s}, nil
}

type stubCursor struct {
	src  *stubSource
	next int
}

func (c *stubCursor) Next(ctx context.Context) ([]export.Row, error) {
	if c.next == 0 && c.src.started != nil {
		c.src.started <- struct{}{}
	}
	if c.next > 0 && c.src.release != nil {
		select {
		case <-c.src.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.next >= c.src.rows {
		return nil, nil
	}
	c.next++
	return []export.Row{{int64(c.next), "row"}}, nil
}

func (c *stubCursor) Close() error { return nil }

type poolEnv struct {
	db          *sql.DB
	jobs        *store.JobStore
	storage     storage.Store
	dir         string
	principalID int64
}

func newPoolEnv(t *testing.T) *poolEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	result, err := db.Exec(`INSERT INTO principals (name, key_id, key_hash) VALUES ('Test', 'lk_test', 'hash')`)
	if err != nil {
		t.Fatalf("create principal: %v", err)
	}
	pid, _ := result.LastInsertId()

	dir := t.TempDir()
	return &poolEnv{
		db:          db,
		jobs:        store.NewJobStore(db),
		storage:     storage.NewLocal(dir),
		dir:         dir,
		principalID: pid,
	}
}

func (e *poolEnv) startPool(t *testing.T, cfg PoolConfig, resolver SourceResolver) *Pool {
	t.Helper()
	pool := NewPool(cfg, e.jobs, resolver, e.storage, slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return pool
}

func waitForStatus(t *testing.T, js *store.JobStore, id string, want model.ExportStatus) *model.ExportJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := js.GetByID(id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := js.GetByID(id)
	t.Fatalf("job %s never reached %s (last: %+v)", id, want, job)
	return nil
}

func artifactCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read export dir: %v", err)
	}
	return len(entries)
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	env := newPoolEnv(t)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 3}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 1}, resolver)

	job, err := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	pool.Enqueue(job.ID)

	done := waitForStatus(t, env.jobs, job.ID, model.ExportStatusCompleted)
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if done.FilePath == "" {
		t.Fatal("expected file_path set")
	}
	if done.ExpiresAt == nil {
		t.Error("expected expires_at set on completion")
	}

	// Recorded size must equal the bytes on disk.
	size, err := env.storage.Size(context.Background(), done.FilePath)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size == 0 || size != done.FileSize {
		t.Errorf("file_size = %d, on disk %d", done.FileSize, size)
	}
}

func TestPoolConcurrencyCap(t *testing.T) {
	env := newPoolEnv(t)
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 2, started: started, release: release}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 3}, resolver)

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		ids = append(ids, job.ID)
		pool.Enqueue(job.ID)
	}

	// Exactly pool-size jobs start; the rest hold in pending.
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for workers to start")
		}
	}
	running, err := env.jobs.CountByStatus(model.ExportStatusRunning)
	if err != nil {
		t.Fatalf("count running: %v", err)
	}
	if running != 3 {
		t.Errorf("running = %d, want 3", running)
	}
	pending, _ := env.jobs.CountByStatus(model.ExportStatusPending)
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}

	close(release)
	for _, id := range ids {
		waitForStatus(t, env.jobs, id, model.ExportStatusCompleted)
	}
}

func TestPoolFIFOOrder(t *testing.T) {
	env := newPoolEnv(t)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 1}
	}}
	pool := NewPool(PoolConfig{Workers: 1}, env.jobs, resolver, env.storage, slog.Default(), nil)

	// Jobs are created and enqueued in order before any worker runs.
	var markers []string
	for _, marker := range []string{`{"supplier":"a"}`, `{"supplier":"b"}`, `{"supplier":"c"}`} {
		job, err := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, marker)
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		pool.Enqueue(job.ID)
		markers = append(markers, marker)
		defer waitForStatus(t, env.jobs, job.ID, model.ExportStatusCompleted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(resolver.resolutions()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := resolver.resolutions()
	if len(got) != 3 {
		t.Fatalf("executions = %d, want 3", len(got))
	}
	for i, marker := range markers {
		if got[i] != marker {
			t.Errorf("execution %d = %s, want %s (submission order)", i, got[i], marker)
		}
	}
}

func TestPoolTimeout(t *testing.T) {
	env := newPoolEnv(t)
	release := make(chan struct{})
	defer close(release)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 10, release: release}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 1, JobTimeout: 100 * time.Millisecond}, resolver)

	job, _ := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	pool.Enqueue(job.ID)

	failed := waitForStatus(t, env.jobs, job.ID, model.ExportStatusFailed)
	if !strings.Contains(failed.ErrorMessage, "timeout") {
		t.Errorf("error_message = %q, want a timeout mention", failed.ErrorMessage)
	}
	if failed.FilePath != "" {
		t.Errorf("file_path = %q, want cleared", failed.FilePath)
	}
	if n := artifactCount(t, env.dir); n != 0 {
		t.Errorf("artifacts on disk = %d, want 0 after timeout", n)
	}
}

func TestPoolCancelRunning(t *testing.T) {
	env := newPoolEnv(t)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 10, started: started, release: release}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 1}, resolver)

	job, _ := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	pool.Enqueue(job.ID)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job to start")
	}
	if !pool.Cancel(job.ID) {
		t.Fatal("expected cancel signal to be delivered")
	}

	cancelled := waitForStatus(t, env.jobs, job.ID, model.ExportStatusCancelled)
	if cancelled.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty on cancel", cancelled.ErrorMessage)
	}
	if n := artifactCount(t, env.dir); n != 0 {
		t.Errorf("artifacts on disk = %d, want 0 after cancel", n)
	}
}

func TestPoolCancelDeliverableDuringSlowNotify(t *testing.T) {
	env := newPoolEnv(t)
	release := make(chan struct{})
	defer close(release)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 10, release: release}
	}}

	// The status callback stalls right after the claim, the way a slow
	// cache write or broadcast would. A cancel arriving in that window
	// must still find the job's signal registered.
	notifyGate := make(chan struct{})
	callback := func(job *model.ExportJob) {
		if job.Status == model.ExportStatusRunning {
			<-notifyGate
		}
	}
	pool := NewPool(PoolConfig{Workers: 1}, env.jobs, resolver, env.storage, slog.Default(), callback)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	job, _ := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	pool.Enqueue(job.ID)
	waitForStatus(t, env.jobs, job.ID, model.ExportStatusRunning)

	if !pool.Cancel(job.ID) {
		t.Fatal("cancel undeliverable while the store shows the job running")
	}
	close(notifyGate)

	cancelled := waitForStatus(t, env.jobs, job.ID, model.ExportStatusCancelled)
	if n := artifactCount(t, env.dir); n != 0 {
		t.Errorf("artifacts on disk = %d, want 0 after cancel", n)
	}
	if cancelled.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty on cancel", cancelled.ErrorMessage)
	}
}

func TestPoolCancelUnknownJob(t *testing.T) {
	env := newPoolEnv(t)
	pool := NewPool(PoolConfig{}, env.jobs, &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 1}
	}}, env.storage, slog.Default(), nil)

	if pool.Cancel("not-running") {
		t.Error("expected cancel of unknown job to report false")
	}
}

func TestPoolDuplicateEnqueueRunsOnce(t *testing.T) {
	env := newPoolEnv(t)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 1}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 2}, resolver)

	job, _ := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	pool.Enqueue(job.ID)
	pool.Enqueue(job.ID)

	waitForStatus(t, env.jobs, job.ID, model.ExportStatusCompleted)

	// The losing claim must not have reached the engine.
	time.Sleep(50 * time.Millisecond)
	if n := len(resolver.resolutions()); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
	if n := artifactCount(t, env.dir); n != 1 {
		t.Errorf("artifacts on disk = %d, want 1", n)
	}
}

func TestPoolRequeuesPendingOnStart(t *testing.T) {
	env := newPoolEnv(t)

	// The job exists before the pool starts, as after a restart.
	job, _ := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")

	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 1}
	}}
	env.startPool(t, PoolConfig{Workers: 1}, resolver)

	waitForStatus(t, env.jobs, job.ID, model.ExportStatusCompleted)
}

func TestPoolEngineErrorFails(t *testing.T) {
	env := newPoolEnv(t)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &failingSource{}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 1}, resolver)

	job, _ := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	pool.Enqueue(job.ID)

	failed := waitForStatus(t, env.jobs, job.ID, model.ExportStatusFailed)
	if !strings.Contains(failed.ErrorMessage, "supplier feed unavailable") {
		t.Errorf("error_message = %q, want source error", failed.ErrorMessage)
	}
	if n := artifactCount(t, env.dir); n != 0 {
		t.Errorf("artifacts on disk = %d, want 0 after failure", n)
	}
}

type failingSource struct{}

func (*failingSource) Columns() []string                    { return []string{"id"} }
func (*failingSource) Count(context.Context) (int64, error) { return 1, nil }
func (*failingSource) Open(context.Context) (export.Cursor, error) {
	return &failingCursor{}, nil
}

type failingCursor struct{}

func (*failingCursor) Next(context.Context) ([]export.Row, error) {
	return nil, errors.New("supplier feed unavailable")
}
func (*failingCursor) Close() error { return nil }

func TestPoolNeverExceedsWorkerCount(t *testing.T) {
	env := newPoolEnv(t)
	var active, peak atomic.Int64
	release := make(chan struct{})
	resolver := &stubResolver{factory: func(string) export.Source {
		return &gaugedSource{active: &active, peak: &peak, release: release}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 2}, resolver)

	var ids []string
	for i := 0; i < 6; i++ {
		job, _ := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
		ids = append(ids, job.ID)
		pool.Enqueue(job.ID)
	}
	close(release)

	for _, id := range ids {
		waitForStatus(t, env.jobs, id, model.ExportStatusCompleted)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent executions = %d, want <= 2", got)
	}
}

// gaugedSource tracks how many executions overlap.
type gaugedSource struct {
	active  *atomic.Int64
	peak    *atomic.Int64
	release <-chan struct{}
}

func (*gaugedSource) Columns() []string                    { return []string{"id"} }
func (*gaugedSource) Count(context.Context) (int64, error) { return 1, nil }

func (s *gaugedSource) Open(context.Context) (export.Cursor, error) {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &gaugedCursor{src: s}, nil
}

type gaugedCursor struct {
	src  *gaugedSource
	done bool
}

func (c *gaugedCursor) Next(ctx context.Context) ([]export.Row, error) {
	if c.done {
		return nil, nil
	}
	select {
	case <-c.src.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.done = true
	return []export.Row{{int64(1)}}, nil
}

func (c *gaugedCursor) Close() error {
	c.src.active.Add(-1)
	return nil
}
