// Package storage persists export artifacts. Artifacts are addressed by
// storage-relative names so job records stay valid across backends.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Store is the artifact backend used by export workers and cleanup.
type Store interface {
	// Create opens a write handle for a new artifact. The name must not
	// already exist.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// Open returns the artifact contents and size.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// Size returns the artifact size in bytes.
	Size(ctx context.Context, name string) (int64, error)
	// Delete removes the artifact. Deleting a missing artifact is not an
	// error, so retries and overlapping sweeps stay safe.
	Delete(ctx context.Context, name string) error
}

// OpError reports a failed storage operation. Callers use it to tell
// storage trouble apart from export engine failures.
type OpError struct {
	Op   string
	Name string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// ArtifactName derives the canonical artifact name for a job. The
// timestamp keeps repeated exports of the same dataset distinguishable.
func ArtifactName(exportType, jobID, ext string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.%s", exportType, jobID, at.UTC().Format("2006-01-02T150405Z"), ext)
}
