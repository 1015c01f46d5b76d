package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stayware/lodgemap/internal/model"
)

type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

const jobCols = `id, principal_id, export_type, format, filters, status, progress, file_path, file_size, error_message, reclaimed, started_at, completed_at, expires_at, created_at, updated_at`

func scanJob(scanner interface{ Scan(...any) error }) (*model.ExportJob, error) {
	var j model.ExportJob
	var filePath, errMsg sql.NullString
	var startedAt, completedAt, expiresAt sql.NullTime
	err := scanner.Scan(
		&j.ID, &j.PrincipalID, &j.ExportType, &j.Format, &j.Filters,
		&j.Status, &j.Progress, &filePath, &j.FileSize, &errMsg, &j.Reclaimed,
		&startedAt, &completedAt, &expiresAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.FilePath = filePath.String
	j.ErrorMessage = errMsg.String
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if expiresAt.Valid {
		j.ExpiresAt = &expiresAt.Time
	}
	return &j, nil
}

// Create inserts a new pending job with a generated UUID and returns it.
func (s *JobStore) Create(principalID int64, exportType model.ExportType, format model.ExportFormat, filters string) (*model.ExportJob, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	if filters == "" {
		filters = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO export_jobs (id, principal_id, export_type, format, filters, status, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, principalID, exportType, format, filters, model.ExportStatusPending, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create export job: %w", err)
	}
	return &model.ExportJob{
		ID:          id,
		PrincipalID: principalID,
		ExportType:  exportType,
		Format:      format,
		Filters:     filters,
		Status:      model.ExportStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *JobStore) GetByID(id string) (*model.ExportJob, error) {
	row := s.db.QueryRow(`SELECT `+jobCols+` FROM export_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get export job %s: %w", id, err)
	}
	return j, nil
}

func (s *JobStore) ListByPrincipal(principalID int64, limit int) ([]model.ExportJob, error) {
	rows, err := s.db.Query(
		`SELECT `+jobCols+` FROM export_jobs WHERE principal_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		principalID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.ExportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ListPendingIDs returns pending job IDs oldest first, so queue order
// matches submission order.
func (s *JobStore) ListPendingIDs(limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM export_jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		model.ExportStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim transitions a pending job to running. The status predicate makes
// the claim atomic: of any number of workers racing on the same ID, exactly
// one sees a row change.
func (s *JobStore) Claim(id string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE export_jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.ExportStatusRunning, now, now, id, model.ExportStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateProgress records completion percentage for a running job. Values
// never regress: stale writes lose the predicate and become no-ops.
func (s *JobStore) UpdateProgress(id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.db.Exec(
		`UPDATE export_jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ? AND progress <= ?`,
		progress, time.Now().UTC(), id, model.ExportStatusRunning, progress,
	)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return nil
}

// MarkCompleted finalizes a running job as completed, recording the
// artifact path, its size, and when the artifact expires.
func (s *JobStore) MarkCompleted(id, filePath string, fileSize int64, expiresAt time.Time) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE export_jobs SET status = ?, progress = 100, file_path = ?, file_size = ?, completed_at = ?, expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		model.ExportStatusCompleted, filePath, fileSize, now, expiresAt.UTC(), now, id, model.ExportStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("mark job %s completed: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark completed rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkFailed finalizes a running job as failed with a diagnostic message.
func (s *JobStore) MarkFailed(id, errorMsg string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE export_jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.ExportStatusFailed, errorMsg, now, now, id, model.ExportStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("mark job %s failed: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkCancelled finalizes a running job as cancelled. Only the owning
// worker calls this, after it has stopped work and discarded partial output.
func (s *JobStore) MarkCancelled(id string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE export_jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.ExportStatusCancelled, now, now, id, model.ExportStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("mark job %s cancelled: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark cancelled rows affected: %w", err)
	}
	return n == 1, nil
}

// CancelPending cancels a job that has not started. Races with Claim: at
// most one of the two predicated updates can win.
func (s *JobStore) CancelPending(id string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE export_jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.ExportStatusCancelled, now, now, id, model.ExportStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("cancel pending job %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel pending rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkReclaimed flags a job whose artifact has been removed by cleanup.
// The file path is kept for audit; downloads check the flag.
func (s *JobStore) MarkReclaimed(id string) error {
	_, err := s.db.Exec(
		`UPDATE export_jobs SET reclaimed = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark job %s reclaimed: %w", id, err)
	}
	return nil
}

// ListExpiredCompleted returns completed, unreclaimed jobs whose artifacts
// expired at or before now, or that completed at or before completedBefore.
// The second cutoff lets a sweep with a shorter retention override the
// expiry recorded at completion time.
func (s *JobStore) ListExpiredCompleted(now, completedBefore time.Time, limit int) ([]model.ExportJob, error) {
	rows, err := s.db.Query(
		`SELECT `+jobCols+` FROM export_jobs
		 WHERE status = ? AND reclaimed = 0
		   AND ((expires_at IS NOT NULL AND expires_at <= ?) OR completed_at <= ?)
		 ORDER BY completed_at ASC LIMIT ?`,
		model.ExportStatusCompleted, now.UTC(), completedBefore.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.ExportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ListStaleResidue returns failed or cancelled jobs older than the cutoff
// that still reference an artifact, typically a partial file whose removal
// failed at finalize time.
func (s *JobStore) ListStaleResidue(before time.Time, limit int) ([]model.ExportJob, error) {
	rows, err := s.db.Query(
		`SELECT `+jobCols+` FROM export_jobs
		 WHERE status IN (?, ?) AND reclaimed = 0 AND file_path IS NOT NULL AND completed_at <= ?
		 ORDER BY completed_at ASC LIMIT ?`,
		model.ExportStatusFailed, model.ExportStatusCancelled, before.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale residue: %w", err)
	}
	defer rows.Close()

	var jobs []model.ExportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ClearFilePath removes the artifact reference from a non-completed job,
// used when a partial file has been discarded.
func (s *JobStore) ClearFilePath(id string) error {
	_, err := s.db.Exec(
		`UPDATE export_jobs SET file_path = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("clear file path for job %s: %w", id, err)
	}
	return nil
}

// SetFilePath records where a worker is writing before the job completes,
// so a crash or failed delete leaves a path cleanup can find.
func (s *JobStore) SetFilePath(id, filePath string) error {
	_, err := s.db.Exec(
		`UPDATE export_jobs SET file_path = ?, updated_at = ? WHERE id = ?`,
		filePath, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set file path for job %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) CountByStatus(status model.ExportStatus) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM export_jobs WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count jobs by status: %w", err)
	}
	return count, nil
}
