package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stayware/lodgemap/internal/export"
	"github.com/stayware/lodgemap/internal/model"
)

func newScheduler(t *testing.T, env *poolEnv, pool *Pool) *Scheduler {
	t.Helper()
	return NewScheduler(env.jobs, pool, env.storage, nil, slog.Default(), nil)
}

// idlePool builds a pool that is never started, for tests that need jobs to
// stay pending.
func idlePool(env *poolEnv) *Pool {
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 1}
	}}
	return NewPool(PoolConfig{}, env.jobs, resolver, env.storage, slog.Default(), nil)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	env := newPoolEnv(t)
	sched := newScheduler(t, env, idlePool(env))
	ctx := context.Background()

	cases := []struct {
		name       string
		exportType model.ExportType
		format     model.ExportFormat
		filters    string
	}{
		{"unknown type", "bookings", model.FormatCSV, ""},
		{"unknown format", model.ExportTypeHotels, "pdf", ""},
		{"malformed filters", model.ExportTypeHotels, model.FormatCSV, `{"supplier":`},
		{"unknown filter key", model.ExportTypeHotels, model.FormatCSV, `{"suplier":"acme"}`},
		{"wrong filter type", model.ExportTypeHotels, model.FormatCSV, `{"min_star_rating":"four"}`},
		{"star rating out of range", model.ExportTypeHotels, model.FormatCSV, `{"min_star_rating":7}`},
		{"summary takes no filters", model.ExportTypeSupplierSummary, model.FormatCSV, `{"supplier":"acme"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := sched.Submit(ctx, env.principalID, tc.exportType, tc.format, tc.filters)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Submit() error = %v, want ErrInvalidRequest", err)
			}
		})
	}

	// Nothing from the table reached the store.
	pending, err := env.jobs.CountByStatus(model.ExportStatusPending)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending after rejected submits = %d, want 0", pending)
	}
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	env := newPoolEnv(t)
	sched := newScheduler(t, env, idlePool(env))

	job, err := sched.Submit(context.Background(), env.principalID, model.ExportTypeMappings, model.FormatJSON, `{"verified_only":true}`)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if job.Status != model.ExportStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.ID == "" {
		t.Error("expected a generated job id")
	}

	got, err := sched.Status(context.Background(), job.ID, env.principalID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.ExportType != model.ExportTypeMappings || got.Format != model.FormatJSON {
		t.Errorf("stored job = %s/%s, want mappings/json", got.ExportType, got.Format)
	}
}

func TestStatusOwnership(t *testing.T) {
	env := newPoolEnv(t)
	sched := newScheduler(t, env, idlePool(env))
	ctx := context.Background()

	other := createPrincipal(t, env, "Other", "lk_other")

	job, err := sched.Submit(ctx, env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if _, err := sched.Status(ctx, job.ID, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("Status() as other principal error = %v, want ErrForbidden", err)
	}
	if _, err := sched.Status(ctx, "b2c3d4e5-0000-0000-0000-000000000000", env.principalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status() unknown id error = %v, want ErrNotFound", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	env := newPoolEnv(t)
	sched := newScheduler(t, env, idlePool(env))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := sched.Submit(ctx, env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		ids = append(ids, job.ID)
		time.Sleep(5 * time.Millisecond)
	}

	// Zero limit falls back to the default page size.
	jobs, err := sched.List(ctx, env.principalID, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("List() returned %d jobs, want 3", len(jobs))
	}
	if jobs[0].ID != ids[2] || jobs[2].ID != ids[0] {
		t.Error("expected newest-first ordering")
	}

	jobs, err = sched.List(ctx, env.principalID, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("List(limit=2) returned %d jobs, want 2", len(jobs))
	}
}

func TestCancelPendingJob(t *testing.T) {
	env := newPoolEnv(t)
	sched := newScheduler(t, env, idlePool(env))
	ctx := context.Background()

	job, err := sched.Submit(ctx, env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := sched.Cancel(ctx, job.ID, env.principalID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	got, _ := env.jobs.GetByID(job.ID)
	if got.Status != model.ExportStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// A second cancel hits a terminal job.
	if err := sched.Cancel(ctx, job.ID, env.principalID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Cancel() error = %v, want ErrInvalidState", err)
	}
}

func TestCancelTerminalJob(t *testing.T) {
	env := newPoolEnv(t)
	sched := newScheduler(t, env, idlePool(env))
	ctx := context.Background()

	job, _ := env.jobs.Create(env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	if _, err := env.jobs.Claim(job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.jobs.MarkFailed(job.ID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := sched.Cancel(ctx, job.ID, env.principalID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Cancel() of failed job error = %v, want ErrInvalidState", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	env := newPoolEnv(t)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 10, started: started, release: release}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 1}, resolver)
	sched := newScheduler(t, env, pool)
	ctx := context.Background()

	job, err := sched.Submit(ctx, env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for job to start")
	}

	if err := sched.Cancel(ctx, job.ID, env.principalID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitForStatus(t, env.jobs, job.ID, model.ExportStatusCancelled)
}

func TestCancelEnforcesOwnership(t *testing.T) {
	env := newPoolEnv(t)
	sched := newScheduler(t, env, idlePool(env))
	ctx := context.Background()

	other := createPrincipal(t, env, "Other", "lk_other2")
	job, _ := sched.Submit(ctx, env.principalID, model.ExportTypeHotels, model.FormatCSV, "")

	if err := sched.Cancel(ctx, job.ID, other); !errors.Is(err, ErrForbidden) {
		t.Errorf("Cancel() as other principal error = %v, want ErrForbidden", err)
	}
	got, _ := env.jobs.GetByID(job.ID)
	if got.Status != model.ExportStatusPending {
		t.Errorf("status = %s, want pending after forbidden cancel", got.Status)
	}
}

func TestDownloadNotReady(t *testing.T) {
	env := newPoolEnv(t)
	sched := newScheduler(t, env, idlePool(env))
	ctx := context.Background()

	job, _ := sched.Submit(ctx, env.principalID, model.ExportTypeHotels, model.FormatCSV, "")

	_, _, err := sched.Download(ctx, job.ID, env.principalID)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("Download() of pending job error = %v, want ErrNotReady", err)
	}
}

func TestDownloadCompletedJob(t *testing.T) {
	env := newPoolEnv(t)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 4}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 1}, resolver)
	sched := newScheduler(t, env, pool)
	ctx := context.Background()

	job, err := sched.Submit(ctx, env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	done := waitForStatus(t, env.jobs, job.ID, model.ExportStatusCompleted)

	rc, got, err := sched.Download(ctx, job.ID, env.principalID)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if int64(len(body)) != done.FileSize {
		t.Errorf("artifact bytes = %d, want %d", len(body), done.FileSize)
	}
	if got.Format != model.FormatCSV {
		t.Errorf("job format = %s, want csv", got.Format)
	}
}

func TestDownloadReclaimedArtifactGone(t *testing.T) {
	env := newPoolEnv(t)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 1}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 1}, resolver)
	sched := newScheduler(t, env, pool)
	ctx := context.Background()

	job, _ := sched.Submit(ctx, env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	waitForStatus(t, env.jobs, job.ID, model.ExportStatusCompleted)

	if err := env.jobs.MarkReclaimed(job.ID); err != nil {
		t.Fatalf("mark reclaimed: %v", err)
	}
	_, _, err := sched.Download(ctx, job.ID, env.principalID)
	if !errors.Is(err, ErrGone) {
		t.Errorf("Download() of reclaimed job error = %v, want ErrGone", err)
	}
}

func TestDownloadMissingArtifactGone(t *testing.T) {
	env := newPoolEnv(t)
	resolver := &stubResolver{factory: func(string) export.Source {
		return &stubSource{rows: 1}
	}}
	pool := env.startPool(t, PoolConfig{Workers: 1}, resolver)
	sched := newScheduler(t, env, pool)
	ctx := context.Background()

	job, _ := sched.Submit(ctx, env.principalID, model.ExportTypeHotels, model.FormatCSV, "")
	done := waitForStatus(t, env.jobs, job.ID, model.ExportStatusCompleted)

	// Artifact vanished out from under the record.
	if err := env.storage.Delete(ctx, done.FilePath); err != nil {
		t.Fatalf("delete artifact: %v", err)
	}
	_, _, err := sched.Download(ctx, job.ID, env.principalID)
	if !errors.Is(err, ErrGone) {
		t.Errorf("Download() with missing artifact error = %v, want ErrGone", err)
	}
}

func createPrincipal(t *testing.T, env *poolEnv, name, keyID string) int64 {
	t.Helper()
	result, err := env.db.Exec(`INSERT INTO principals (name, key_id, key_hash) VALUES (?, ?, 'hash')`, name, keyID)
	if err != nil {
		t.Fatalf("create principal %s: %v", name, err)
	}
	id, _ := result.LastInsertId()
	return id
}
