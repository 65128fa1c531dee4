// Package scanner runs library scans: it seeds the task queue with
// unprocessed photos, owns the scan job handle, and forwards queue progress
// to the ledger and the progress holder.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/ledger"
	"github.com/kozaktomas/face-clusterer/internal/queue"
	"github.com/kozaktomas/face-clusterer/internal/reconcile"
)

var (
	// ErrNothingToScan is returned when every library photo is already processed.
	ErrNothingToScan = errors.New("no unprocessed photos")

	// ErrScanInProgress is returned when another live scan job owns the ledger.
	ErrScanInProgress = errors.New("a scan is already in progress")
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	ledgerWriteTimeout       = 10 * time.Second
)

// Detector finds faces in the photo at path.
type Detector interface {
	Detect(ctx context.Context, path string) ([]database.StoredFace, error)
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	BatchSize        int
	Concurrency      int
	TaskTimeout      time.Duration
	ProgressInterval time.Duration
	BreakerThreshold int
	// HeartbeatInterval flushes the job at least this often while photos are slow
	HeartbeatInterval time.Duration
	Reconcile         reconcile.Options
}

// Result is returned by StartScan, ScanAll and ResumeScanJob.
type Result struct {
	Success       bool  `json:"success"`
	JobID         int64 `json:"job_id,omitempty"`
	Count         int   `json:"count"`
	DetectedFaces int   `json:"detectedFaces"`
	Failed        int   `json:"failed"`
}

// Service orchestrates scans.
type Service struct {
	catalog  database.PhotoCatalog
	faces    database.FaceWriter
	detector Detector
	ledger   *ledger.Ledger
	queue    *queue.Queue
	holder   *reconcile.Holder
	opts     Options

	mu              sync.Mutex
	handle          *ledger.Handle
	cancelRequested bool
	stopHeartbeat   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService wires a queue and a progress holder around the detector.
func NewService(catalog database.PhotoCatalog, faces database.FaceWriter, detector Detector, l *ledger.Ledger, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.DefaultScanBatchSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		catalog:  catalog,
		faces:    faces,
		detector: detector,
		ledger:   l,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.queue = queue.New(queue.ProcessorFunc(s.process), queue.Options{
		Concurrency:      opts.Concurrency,
		TaskTimeout:      opts.TaskTimeout,
		ProgressInterval: opts.ProgressInterval,
		BreakerThreshold: opts.BreakerThreshold,
		OnTaskDone:       s.onTaskDone,
		OnProgress:       s.onProgress,
		OnRunEnd:         s.onRunEnd,
	})
	s.holder = reconcile.NewHolder(holderQueue{s}, opts.Reconcile)
	return s
}

// Holder returns the process-wide progress holder.
func (s *Service) Holder() *reconcile.Holder {
	return s.holder
}

// Ledger returns the scan job ledger.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// process detects the faces of one photo and replaces its stored faces.
func (s *Service) process(ctx context.Context, task queue.Task) (int, error) {
	faces, err := s.detector.Detect(ctx, task.Path)
	if err != nil {
		return 0, fmt.Errorf("detect faces in %s: %w", task.Path, err)
	}
	saved, err := s.faces.SaveFaces(ctx, task.PhotoID, faces)
	if err != nil {
		return 0, fmt.Errorf("save faces of photo %d: %w", task.PhotoID, err)
	}
	return len(saved), nil
}

// photoSource pages through the catalog and checks processing state in the face store.
type photoSource struct {
	catalog database.PhotoCatalog
	faces   database.FaceReader
}

func (p photoSource) ListPhotosAfter(ctx context.Context, afterID int64, limit int) ([]database.Photo, error) {
	return p.catalog.ListPhotosAfter(ctx, afterID, limit)
}

func (p photoSource) IsFacesProcessed(ctx context.Context, photoID int64) (bool, error) {
	return p.faces.IsFacesProcessed(ctx, photoID)
}

func (s *Service) source() photoSource {
	return photoSource{catalog: s.catalog, faces: s.faces}
}

// StartScan seeds the queue with up to BatchSize unprocessed photos under a
// new scan job and starts it. It returns once the queue is running.
func (s *Service) StartScan(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked(ctx, "superseded by a new scan")

	photos, err := ledger.CollectUnprocessed(ctx, s.source(), 0, s.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("collect unprocessed photos: %w", err)
	}
	if len(photos) == 0 {
		return nil, ErrNothingToScan
	}

	handle, err := s.startJobLocked(ctx, len(photos))
	if err != nil {
		return nil, err
	}

	added, err := handle.Enqueue(s.queue, photos)
	if err != nil {
		s.abortLocked(ctx, handle, err)
		return nil, err
	}
	if err := s.runLocked(handle, added); err != nil {
		return nil, err
	}
	return &Result{Success: true, JobID: handle.ID(), Count: added}, nil
}

// ScanAll runs StartScan and waits for the run to end.
func (s *Service) ScanAll(ctx context.Context) (*Result, error) {
	result, err := s.StartScan(ctx)
	if errors.Is(err, ErrNothingToScan) {
		return &Result{Success: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.queue.Wait(ctx); err != nil {
		return nil, err
	}

	status := s.queue.Status()
	result.DetectedFaces = status.DetectedFaces
	result.Failed = status.Failed
	result.Success = status.State == queue.StateCompleted
	return result, nil
}

// Wait blocks until the current run ends.
func (s *Service) Wait(ctx context.Context) error {
	return s.queue.Wait(ctx)
}

// startJobLocked creates the scan job. A stale job left by a crashed
// process is failed first; a live one is reported as ErrScanInProgress.
func (s *Service) startJobLocked(ctx context.Context, total int) (*ledger.Handle, error) {
	handle, err := s.ledger.StartScanJob(ctx, total)
	if !errors.Is(err, database.ErrActiveScanJob) {
		return handle, err
	}

	recovery, err := s.ledger.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if recovery.Resumable != nil {
		return nil, fmt.Errorf("%w: job %d", ErrScanInProgress, recovery.Resumable.ID)
	}
	return s.ledger.StartScanJob(ctx, total)
}

// ResumeScanJob takes over an active job and re-enqueues the unprocessed
// photos after its checkpoint.
func (s *Service) ResumeScanJob(ctx context.Context, jobID int64) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Status().IsRunning {
		if s.handle != nil && s.handle.ID() == jobID {
			return nil, fmt.Errorf("job %d: %w", jobID, queue.ErrAlreadyRunning)
		}
		return nil, ErrScanInProgress
	}

	handle, err := s.ledger.Resume(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.queue.ForceReset()

	added, err := handle.ResumeFromCheckpoint(ctx, s.source(), s.queue, handle.Checkpoint(), s.opts.BatchSize)
	if err != nil {
		s.abortLocked(ctx, handle, err)
		return nil, err
	}
	if added == 0 {
		if err := handle.Complete(ctx); err != nil {
			return nil, err
		}
		return &Result{Success: true, JobID: jobID}, nil
	}
	if err := s.runLocked(handle, added); err != nil {
		return nil, err
	}
	return &Result{Success: true, JobID: jobID, Count: added}, nil
}

func (s *Service) runLocked(handle *ledger.Handle, count int) error {
	s.handle = handle
	s.cancelRequested = false
	s.holder.ScanStarted(handle.ID(), count)

	if err := s.queue.Start(s.ctx); err != nil {
		s.abortLocked(s.ctx, handle, err)
		s.holder.Reset(s.ctx, fmt.Sprintf("Scan job %d failed to start", handle.ID()))
		return fmt.Errorf("start queue: %w", err)
	}

	s.stopHeartbeat = make(chan struct{})
	go s.heartbeat(handle, s.stopHeartbeat)

	log.Printf("Scanner: scan job %d started with %d photos", handle.ID(), count)
	return nil
}

func (s *Service) abortLocked(ctx context.Context, handle *ledger.Handle, cause error) {
	if err := handle.Fail(ctx, cause.Error()); err != nil {
		log.Printf("Scanner: failed to mark job %d failed: %v", handle.ID(), err)
	}
	if s.handle == handle {
		s.handle = nil
	}
}

// resetLocked clears the queue and finishes the job of the previous run.
// A queue that is still running when a new scan starts is treated as stuck.
func (s *Service) resetLocked(ctx context.Context, reason string) {
	if s.queue.Status().IsRunning {
		log.Printf("Scanner: queue still running, forcing reset")
	}
	s.queue.ForceReset()
	s.stopHeartbeatLocked()

	if s.handle != nil && !s.handle.Finished() {
		if err := s.handle.Cancel(ctx); err != nil {
			log.Printf("Scanner: failed to cancel job %d (%s): %v", s.handle.ID(), reason, err)
		}
	}
	s.handle = nil
}

func (s *Service) stopHeartbeatLocked() {
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
		s.stopHeartbeat = nil
	}
}

// heartbeat keeps the job alive while single photos take long.
func (s *Service) heartbeat(handle *ledger.Handle, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if handle.Finished() {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, ledgerWriteTimeout)
			if err := handle.Flush(ctx); err != nil {
				log.Printf("Scanner: heartbeat for job %d failed: %v", handle.ID(), err)
			}
			cancel()
		}
	}
}

func (s *Service) currentHandle() *ledger.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Service) onTaskDone(task queue.Task) {
	handle := s.currentHandle()
	if handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	if err := handle.RecordTask(ctx, task.PhotoID, task.FaceCount, task.Status == queue.TaskFailed); err != nil {
		log.Printf("Scanner: failed to record photo %d on job %d: %v", task.PhotoID, handle.ID(), err)
	}
}

func (s *Service) onProgress(p queue.Progress) {
	s.holder.Progress(p)
}

// onRunEnd finishes the job according to how the run ended. A run stopped by
// shutdown leaves the job active so it can be resumed after restart.
func (s *Service) onRunEnd(summary queue.Summary) {
	s.mu.Lock()
	handle := s.handle
	cancelled := s.cancelRequested
	s.stopHeartbeatLocked()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	var jobID int64
	if handle != nil {
		jobID = handle.ID()
		var err error
		switch {
		case summary.State == queue.StateCompleted:
			err = handle.Complete(ctx)
		case summary.State == queue.StateError:
			err = handle.Fail(ctx, fmt.Sprintf("halted after repeated failures: %s", s.queue.Status().LastError))
		case cancelled:
			err = handle.Cancel(ctx)
		default:
			err = handle.Flush(ctx)
		}
		if err != nil {
			log.Printf("Scanner: failed to finish job %d: %v", handle.ID(), err)
		}
	}
	s.holder.Completed(jobID, summary)
}

// QueueStatus returns the authoritative queue status.
func (s *Service) QueueStatus() queue.Status {
	return s.queue.Status()
}

// CancelScan stops dispatching; in-flight photos finish and the job is cancelled.
// Returns false when no scan is running.
func (s *Service) CancelScan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.queue.Status().IsRunning {
		return false
	}
	s.cancelRequested = true
	s.queue.Cancel()
	log.Printf("Scanner: cancel requested")
	return true
}

// ResetQueue force-clears the queue, cancels the current job and resets the holder.
func (s *Service) ResetQueue(ctx context.Context) queue.Status {
	s.mu.Lock()
	s.resetLocked(ctx, "queue reset")
	s.mu.Unlock()

	s.holder.Reset(ctx, "Queue reset")
	return s.queue.Status()
}

// ActiveScanJob returns the non-terminal job, with unflushed counters when
// this process owns it.
func (s *Service) ActiveScanJob(ctx context.Context) (*database.ScanJob, error) {
	job, err := s.ledger.Active(ctx)
	if err != nil || job == nil {
		return job, err
	}
	if handle := s.currentHandle(); handle != nil && handle.ID() == job.ID && !handle.Finished() {
		live := handle.Job()
		return &live, nil
	}
	return job, nil
}

// Recover runs the startup recovery check.
func (s *Service) Recover(ctx context.Context) (*ledger.RecoveryResult, error) {
	return s.ledger.Recover(ctx)
}

// Close stops the running scan and leaves its job resumable.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	return s.queue.Wait(ctx)
}

// holderQueue lets the holder cancel through the service so the job is closed.
type holderQueue struct {
	s *Service
}

func (q holderQueue) Status() queue.Status {
	return q.s.QueueStatus()
}

func (q holderQueue) Cancel() {
	q.s.CancelScan()
}
