// Package ledger persists the lifecycle of full-library scan jobs.
//
// At most one job is non-terminal at a time. The process that started or
// resumed it writes to it through a Handle; nothing else does.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/database"
)

var (
	// ErrStaleJob is returned when resuming a job whose heartbeat is too old.
	ErrStaleJob = errors.New("scan job heartbeat is stale")

	// ErrNotResumable is returned when resuming a missing or terminal job.
	ErrNotResumable = errors.New("scan job is not resumable")
)

// Options configures a Ledger.
type Options struct {
	// HeartbeatEvery is the number of finished photos between progress flushes
	HeartbeatEvery int
	// StaleAfter is the heartbeat age after which an active job is abandoned
	StaleAfter time.Duration
}

// Ledger creates, recovers and queries scan jobs.
type Ledger struct {
	store database.ScanJobStore
	opts  Options
	now   func() time.Time
}

// New creates a ledger over store.
func New(store database.ScanJobStore, opts Options) *Ledger {
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = constants.HeartbeatEvery
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = constants.StaleJobAfter
	}
	return &Ledger{store: store, opts: opts, now: time.Now}
}

// StartScanJob creates a pending job for total photos and returns its handle.
// Returns database.ErrActiveScanJob if another job is still active.
func (l *Ledger) StartScanJob(ctx context.Context, total int) (*Handle, error) {
	job, err := l.store.CreateScanJob(ctx, total, l.now())
	if err != nil {
		return nil, fmt.Errorf("create scan job: %w", err)
	}
	log.Printf("Ledger: started scan job %d for %d photos", job.ID, total)
	return newHandle(l, *job), nil
}

// RecoveryResult is the outcome of the startup recovery check.
type RecoveryResult struct {
	// Resumable is the active job that may be resumed, nil if none
	Resumable *database.ScanJob `json:"resumable,omitempty"`
	// Abandoned is the job that was marked failed because of a stale heartbeat
	Abandoned *database.ScanJob `json:"abandoned,omitempty"`
}

// Recover inspects the active job once at process start. A job whose heartbeat
// is older than StaleAfter is marked failed; otherwise it is reported resumable.
func (l *Ledger) Recover(ctx context.Context) (*RecoveryResult, error) {
	job, err := l.store.GetActiveScanJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("get active scan job: %w", err)
	}
	if job == nil {
		return &RecoveryResult{}, nil
	}

	if l.isStale(job) {
		if err := l.abandon(ctx, job); err != nil {
			return nil, err
		}
		return &RecoveryResult{Abandoned: job}, nil
	}

	log.Printf("Ledger: scan job %d is resumable (%d/%d processed, checkpoint %d)",
		job.ID, job.ProcessedPhotos, job.TotalPhotos, job.LastProcessedID)
	return &RecoveryResult{Resumable: job}, nil
}

// Resume takes over an active job and returns its handle, seeded with the
// persisted counters and checkpoint.
func (l *Ledger) Resume(ctx context.Context, jobID int64) (*Handle, error) {
	job, err := l.store.GetScanJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	if job == nil || job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %d", ErrNotResumable, jobID)
	}
	if l.isStale(job) {
		if err := l.abandon(ctx, job); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %d", ErrStaleJob, jobID)
	}

	h := newHandle(l, *job)
	// Claim the job right away so a slow first batch does not look abandoned.
	if err := h.Flush(ctx); err != nil {
		return nil, err
	}
	log.Printf("Ledger: resumed scan job %d from checkpoint %d", job.ID, job.LastProcessedID)
	return h, nil
}

// Active returns the non-terminal job, or nil.
func (l *Ledger) Active(ctx context.Context) (*database.ScanJob, error) {
	job, err := l.store.GetActiveScanJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("get active scan job: %w", err)
	}
	return job, nil
}

// Get returns a job by id, or nil.
func (l *Ledger) Get(ctx context.Context, jobID int64) (*database.ScanJob, error) {
	job, err := l.store.GetScanJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	return job, nil
}

// MarkFailed fails a job that is not owned by a handle in this process.
// Terminal jobs are left untouched.
func (l *Ledger) MarkFailed(ctx context.Context, jobID int64, reason string) error {
	job, err := l.store.GetScanJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get scan job: %w", err)
	}
	if job == nil || job.Status.IsTerminal() {
		return nil
	}
	if err := l.store.UpdateScanJobStatus(ctx, jobID, database.ScanJobFailed, reason, l.now()); err != nil {
		return fmt.Errorf("mark scan job failed: %w", err)
	}
	log.Printf("Ledger: scan job %d marked failed: %s", jobID, reason)
	return nil
}

// Stats aggregates the job history.
func (l *Ledger) Stats(ctx context.Context) (*database.ScanJobStats, error) {
	stats, err := l.store.GetScanJobStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get scan job stats: %w", err)
	}
	return stats, nil
}

// List returns the most recent jobs first.
func (l *Ledger) List(ctx context.Context, limit int) ([]database.ScanJob, error) {
	if limit <= 0 {
		limit = constants.DefaultScanJobListLimit
	}
	jobs, err := l.store.ListScanJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan jobs: %w", err)
	}
	return jobs, nil
}

func (l *Ledger) isStale(job *database.ScanJob) bool {
	return l.now().Sub(job.LastHeartbeat) > l.opts.StaleAfter
}

func (l *Ledger) abandon(ctx context.Context, job *database.ScanJob) error {
	age := l.now().Sub(job.LastHeartbeat).Round(time.Second)
	reason := fmt.Sprintf("no heartbeat for %s, owning process presumably crashed", age)
	at := l.now()
	if err := l.store.UpdateScanJobStatus(ctx, job.ID, database.ScanJobFailed, reason, at); err != nil {
		return fmt.Errorf("mark stale scan job failed: %w", err)
	}
	job.Status = database.ScanJobFailed
	job.ErrorMessage = reason
	job.CompletedAt = &at
	log.Printf("Ledger: scan job %d abandoned: %s", job.ID, reason)
	return nil
}
