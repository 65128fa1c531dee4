package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

// Handle is the single writer of one scan job.
//
// The checkpoint is a low watermark: it only advances past a photo id once
// every tracked photo up to that id has finished, so concurrent completion
// order never skips work on resume.
type Handle struct {
	ledger *Ledger

	mu        sync.Mutex
	job       database.ScanJob
	progress  database.ScanJobProgress
	unflushed int
	finished  bool

	tracked []int64 // ascending photo ids handed to the queue
	cursor  int     // tracked[:cursor] are finished
	done    map[int64]bool
}

func newHandle(l *Ledger, job database.ScanJob) *Handle {
	return &Handle{
		ledger: l,
		job:    job,
		progress: database.ScanJobProgress{
			ProcessedPhotos: job.ProcessedPhotos,
			FailedPhotos:    job.FailedPhotos,
			DetectedFaces:   job.DetectedFaces,
			LastProcessedID: job.LastProcessedID,
		},
		done: make(map[int64]bool),
	}
}

// ID returns the job id.
func (h *Handle) ID() int64 {
	return h.job.ID
}

// Job returns a snapshot of the job including unflushed counters.
func (h *Handle) Job() database.ScanJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	job := h.job
	job.ProcessedPhotos = h.progress.ProcessedPhotos
	job.FailedPhotos = h.progress.FailedPhotos
	job.DetectedFaces = h.progress.DetectedFaces
	job.LastProcessedID = h.progress.LastProcessedID
	return job
}

// Checkpoint returns the current resumption cursor.
func (h *Handle) Checkpoint() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress.LastProcessedID
}

// Finished reports whether the job reached a terminal status through this handle.
func (h *Handle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// Track registers photo ids handed to the queue. Ids must be ascending.
func (h *Handle) Track(photoIDs ...int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracked = append(h.tracked, photoIDs...)
}

// RecordTask counts a finished photo and flushes every HeartbeatEvery photos.
func (h *Handle) RecordTask(ctx context.Context, photoID int64, faces int, failed bool) error {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return nil
	}

	if failed {
		h.progress.FailedPhotos++
	} else {
		h.progress.ProcessedPhotos++
		h.progress.DetectedFaces += faces
	}
	h.done[photoID] = true
	for h.cursor < len(h.tracked) && h.done[h.tracked[h.cursor]] {
		id := h.tracked[h.cursor]
		delete(h.done, id)
		h.progress.LastProcessedID = max(h.progress.LastProcessedID, id)
		h.cursor++
	}

	h.unflushed++
	flush := h.unflushed >= h.ledger.opts.HeartbeatEvery
	h.mu.Unlock()

	if flush {
		return h.Flush(ctx)
	}
	return nil
}

// Flush writes counters, checkpoint and heartbeat in one statement.
func (h *Handle) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return nil
	}
	return h.flushLocked(ctx)
}

func (h *Handle) flushLocked(ctx context.Context) error {
	now := h.ledger.now()
	if err := h.ledger.store.UpdateScanJobProgress(ctx, h.job.ID, h.progress, now); err != nil {
		return fmt.Errorf("update scan job progress: %w", err)
	}
	h.unflushed = 0
	h.job.LastHeartbeat = now
	if h.job.Status == database.ScanJobPending {
		h.job.Status = database.ScanJobProcessing
	}
	return nil
}

// Complete flushes and marks the job completed.
func (h *Handle) Complete(ctx context.Context) error {
	return h.finish(ctx, database.ScanJobCompleted, "")
}

// Fail flushes and marks the job failed with a one-line reason.
func (h *Handle) Fail(ctx context.Context, reason string) error {
	return h.finish(ctx, database.ScanJobFailed, reason)
}

// Cancel flushes and marks the job cancelled.
func (h *Handle) Cancel(ctx context.Context) error {
	return h.finish(ctx, database.ScanJobCancelled, "cancelled by user")
}

func (h *Handle) finish(ctx context.Context, status database.ScanJobStatus, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return nil
	}

	if err := h.flushLocked(ctx); err != nil {
		return err
	}
	at := h.ledger.now()
	if err := h.ledger.store.UpdateScanJobStatus(ctx, h.job.ID, status, reason, at); err != nil {
		return fmt.Errorf("update scan job status: %w", err)
	}
	h.finished = true
	h.job.Status = status
	h.job.ErrorMessage = reason
	h.job.CompletedAt = &at

	log.Printf("Ledger: scan job %d %s (%d processed, %d failed, %d faces)",
		h.job.ID, status, h.progress.ProcessedPhotos, h.progress.FailedPhotos, h.progress.DetectedFaces)
	return nil
}
