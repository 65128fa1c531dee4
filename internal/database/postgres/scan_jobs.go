package postgres

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

// ScanJobRepository persists the scan job ledger in PostgreSQL.
type ScanJobRepository struct {
	pool *Pool
}

// NewScanJobRepository creates a new PostgreSQL scan job repository.
func NewScanJobRepository(pool *Pool) *ScanJobRepository {
	return &ScanJobRepository{pool: pool}
}

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

// CreateScanJob inserts a pending job. The partial unique index on active
// statuses rejects a second non-terminal job.
func (r *ScanJobRepository) CreateScanJob(ctx context.Context, total int, startedAt time.Time) (*database.ScanJob, error) {
	job, err := scanJobRow(r.pool.QueryRow(ctx, `
		INSERT INTO scan_jobs (status, total_photos, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $3)
		RETURNING `+scanJobColumns,
		database.ScanJobPending, total, startedAt.UTC()))
	if isUniqueViolation(err) {
		return nil, database.ErrActiveScanJob
	}
	if err != nil {
		return nil, fmt.Errorf("insert scan job: %w", err)
	}
	return &job, nil
}

// GetScanJob retrieves a job by id, returns nil if not found.
func (r *ScanJobRepository) GetScanJob(ctx context.Context, id int64) (*database.ScanJob, error) {
	job, err := scanJobRow(r.pool.QueryRow(ctx, "SELECT "+scanJobColumns+" FROM scan_jobs WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	return &job, nil
}

// GetActiveScanJob returns the non-terminal job, or nil if there is none.
func (r *ScanJobRepository) GetActiveScanJob(ctx context.Context) (*database.ScanJob, error) {
	job, err := scanJobRow(r.pool.QueryRow(ctx,
		"SELECT "+scanJobColumns+" FROM scan_jobs WHERE status IN ($1, $2) ORDER BY id DESC LIMIT 1",
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
func (r *ScanJobRepository) UpdateScanJobProgress(
	ctx context.Context, id int64, progress database.ScanJobProgress, heartbeat time.Time,
) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE scan_jobs
		SET processed_photos = $1, failed_photos = $2, detected_faces = $3, last_processed_id = $4,
		    last_heartbeat = $5,
		    status = CASE WHEN status = $6 THEN $7 ELSE status END
		WHERE id = $8
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
func (r *ScanJobRepository) UpdateScanJobStatus(
	ctx context.Context, id int64, status database.ScanJobStatus, errMsg string, at time.Time,
) error {
	var completedAt sql.NullTime
	if status.IsTerminal() {
		completedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	res, err := r.pool.Exec(ctx, `
		UPDATE scan_jobs SET status = $1, error_message = $2, completed_at = $3, last_heartbeat = $4
		WHERE id = $5
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
func (r *ScanJobRepository) ListScanJobs(ctx context.Context, limit int) ([]database.ScanJob, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+scanJobColumns+" FROM scan_jobs ORDER BY id DESC LIMIT $1", limit)
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
func (r *ScanJobRepository) GetScanJobStats(ctx context.Context) (*database.ScanJobStats, error) {
	var stats database.ScanJobStats
	var last sql.NullTime
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status = 'cancelled'),
		       COUNT(*) FILTER (WHERE status IN ('pending', 'processing')),
		       COALESCE(SUM(processed_photos), 0),
		       COALESCE(SUM(detected_faces), 0),
		       MAX(completed_at) FILTER (WHERE status = 'completed')
		FROM scan_jobs
	`).Scan(
		&stats.TotalJobs,
		&stats.CompletedJobs,
		&stats.FailedJobs,
		&stats.CancelledJobs,
		&stats.ActiveJobs,
		&stats.PhotosProcessed,
		&stats.FacesDetected,
		&last,
	)
	if err != nil {
		return nil, fmt.Errorf("scan job stats: %w", err)
	}
	if last.Valid {
		stats.LastCompletedAt = &last.Time
	}
	return &stats, nil
}

var _ database.ScanJobStore = (*ScanJobRepository)(nil)
