package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

const scanJobColumns = `id, status, total_photos, processed_photos, failed_photos, detected_faces,
	last_processed_id, started_at, completed_at, last_heartbeat, error_message`

func scanJobRow(scanner interface{ Scan(...any) error }) (database.ScanJob, error) {
	var job database.ScanJob
	var completedAt sql.NullTime
	err := scanner.Scan(
		&job.ID,
		&job.Status,
		&job.TotalPhotos,
		&job.ProcessedPhotos,
		&job.FailedPhotos,
		&job.DetectedFaces,
		&job.LastProcessedID,
		&job.StartedAt,
		&completedAt,
		&job.LastHeartbeat,
		&job.ErrorMessage,
	)
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, err
}

// CreateScanJob inserts a pending job unless a non-terminal one already exists.
// The immediate transaction serializes concurrent creators.
func (s *Store) CreateScanJob(ctx context.Context, total int, startedAt time.Time) (*database.ScanJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM scan_jobs WHERE status IN (?, ?))",
		database.ScanJobPending, database.ScanJobProcessing).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("check active scan job: %w", err)
	}
	if active {
		return nil, database.ErrActiveScanJob
	}

	startedAt = startedAt.UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO scan_jobs (status, total_photos, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?)
	`, database.ScanJobPending, total, startedAt, startedAt)
	if err != nil {
		return nil, fmt.Errorf("insert scan job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("scan job id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &database.ScanJob{
		ID:            id,
		Status:        database.ScanJobPending,
		TotalPhotos:   total,
		StartedAt:     startedAt,
		LastHeartbeat: startedAt,
	}, nil
}

// GetScanJob retrieves a job by id, returns nil if not found.
func (s *Store) GetScanJob(ctx context.Context, id int64) (*database.ScanJob, error) {
	job, err := scanJobRow(s.db.QueryRowContext(ctx, "SELECT "+scanJobColumns+" FROM scan_jobs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	return &job, nil
}

// GetActiveScanJob returns the non-terminal job, or nil if there is none.
func (s *Store) GetActiveScanJob(ctx context.Context) (*database.ScanJob, error) {
	job, err := scanJobRow(s.db.QueryRowContext(ctx,
		"SELECT "+scanJobColumns+" FROM scan_jobs WHERE status IN (?, ?) ORDER BY id DESC LIMIT 1",
		database.ScanJobPending, database.ScanJobProcessing))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active scan job: %w", err)
	}
	return &job, nil
}

// UpdateScanJobProgress writes counters, checkpoint and heartbeat in one statement.
func (s *Store) UpdateScanJobProgress(
	ctx context.Context, id int64, progress database.ScanJobProgress, heartbeat time.Time,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs
		SET processed_photos = ?, failed_photos = ?, detected_faces = ?, last_processed_id = ?,
		    last_heartbeat = ?,
		    status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ?
	`,
		progress.ProcessedPhotos,
		progress.FailedPhotos,
		progress.DetectedFaces,
		progress.LastProcessedID,
		heartbeat.UTC(),
		database.ScanJobPending, database.ScanJobProcessing,
		id,
	)
	if err != nil {
		return fmt.Errorf("update scan job progress: %w", err)
	}
	return requireRow(res, id)
}

// UpdateScanJobStatus sets the status; terminal statuses also set completed_at.
func (s *Store) UpdateScanJobStatus(
	ctx context.Context, id int64, status database.ScanJobStatus, errMsg string, at time.Time,
) error {
	var completedAt sql.NullTime
	if status.IsTerminal() {
		completedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs SET status = ?, error_message = ?, completed_at = ?, last_heartbeat = ?
		WHERE id = ?
	`, status, errMsg, completedAt, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update scan job status: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("scan job %d: %w", id, database.ErrNotFound)
	}
	return nil
}

// ListScanJobs returns the most recent jobs first.
func (s *Store) ListScanJobs(ctx context.Context, limit int) ([]database.ScanJob, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scanJobColumns+" FROM scan_jobs ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query scan jobs: %w", err)
	}
	defer rows.Close()

	var jobs []database.ScanJob
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan jobs: %w", err)
	}
	return jobs, nil
}

// GetScanJobStats aggregates the job history.
func (s *Store) GetScanJobStats(ctx context.Context) (*database.ScanJobStats, error) {
	var stats database.ScanJobStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(processed_photos), 0),
		       COALESCE(SUM(detected_faces), 0)
		FROM scan_jobs
	`,
		database.ScanJobCompleted, database.ScanJobFailed, database.ScanJobCancelled,
		database.ScanJobPending, database.ScanJobProcessing,
	).Scan(
		&stats.TotalJobs,
		&stats.CompletedJobs,
		&stats.FailedJobs,
		&stats.CancelledJobs,
		&stats.ActiveJobs,
		&stats.PhotosProcessed,
		&stats.FacesDetected,
	)
	if err != nil {
		return nil, fmt.Errorf("scan job stats: %w", err)
	}

	var last sql.NullTime
	err = s.db.QueryRowContext(ctx,
		"SELECT completed_at FROM scan_jobs WHERE status = ? ORDER BY completed_at DESC LIMIT 1",
		database.ScanJobCompleted).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("last completed scan job: %w", err)
	}
	if last.Valid {
		stats.LastCompletedAt = &last.Time
	}
	return &stats, nil
}
