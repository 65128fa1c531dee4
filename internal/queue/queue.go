// Package queue runs face detection tasks with bounded concurrency.
//
// A Queue accepts (photo id, uuid, path) tasks, invokes a Processor once per
// task and reports progress through callbacks. Tasks are never retried
// automatically; a failed task is recorded and the queue moves on.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-clusterer/internal/constants"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is in progress.
	ErrAlreadyRunning = errors.New("queue is already running")

	// ErrCancelled is returned by Enqueue after Cancel until the queue is started or reset.
	ErrCancelled = errors.New("queue is cancelled")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// State is the lifecycle state of the queue.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Task is one photo scheduled for detection.
type Task struct {
	ID         string     `json:"id"`
	PhotoID    int64      `json:"photo_id"`
	UUID       string     `json:"uuid"`
	Path       string     `json:"path"`
	Status     TaskStatus `json:"status"`
	FaceCount  int        `json:"face_count"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
}

// Processor runs detection for one task and persists its faces.
// It returns the number of faces found.
type Processor interface {
	Process(ctx context.Context, task Task) (int, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task Task) (int, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, task Task) (int, error) {
	return f(ctx, task)
}

// Status is the authoritative queue status.
type Status struct {
	IsRunning           bool   `json:"isRunning"`
	State               State  `json:"state"`
	Pending             int    `json:"pending"`
	Processing          int    `json:"processing"`
	Completed           int    `json:"completed"`
	Failed              int    `json:"failed"`
	QueueLength         int    `json:"queueLength"`
	Total               int    `json:"total"`
	DetectedFaces       int    `json:"detectedFaces"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
}

// Progress is emitted (throttled) while a run is in progress.
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
	Status  State   `json:"status"`
}

// Summary is emitted once when a run ends.
type Summary struct {
	Total         int   `json:"total"`
	Completed     int   `json:"completed"`
	Failed        int   `json:"failed"`
	DetectedFaces int   `json:"detectedFaces"`
	State         State `json:"state"`
}

// Options configures a Queue. Zero values select defaults.
type Options struct {
	Concurrency      int
	TaskTimeout      time.Duration
	ProgressInterval time.Duration
	// BreakerThreshold halts dispatching after this many consecutive failures
	BreakerThreshold int

	// OnTaskDone is called after every finished task
	OnTaskDone func(Task)
	// OnProgress is throttled to ProgressInterval; the last task of a run always emits
	OnProgress func(Progress)
	// OnRunEnd is called when a run stops dispatching and in-flight tasks drained
	OnRunEnd func(Summary)
}

// Queue is a bounded-concurrency task queue.
type Queue struct {
	processor Processor
	opts      Options

	mu        sync.Mutex
	tasks     []*Task
	next      int // index of the first pending task
	active    map[int64]*Task
	state     State
	running   bool
	cancelled bool
	tripped   bool

	completed           int
	failed              int
	processing          int
	detectedFaces       int
	consecutiveFailures int
	lastError           string
	lastEmit            time.Time

	generation uint64
	stop       context.CancelFunc
	done       chan struct{}

	now func() time.Time
}

// New creates an idle queue.
func New(processor Processor, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = constants.DefaultConcurrency
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = constants.DefaultTaskTimeout
	}
	if opts.ProgressInterval < 0 {
		opts.ProgressInterval = constants.DefaultProgressInterval
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = constants.DefaultBreakerThreshold
	}
	return &Queue{
		processor: processor,
		opts:      opts,
		active:    make(map[int64]*Task),
		state:     StateIdle,
		now:       time.Now,
	}
}

// Enqueue adds a pending task. It returns false when the photo already has a
// pending or processing task.
func (q *Queue) Enqueue(photoID int64, photoUUID, path string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return false, ErrCancelled
	}
	if _, ok := q.active[photoID]; ok {
		return false, nil
	}

	task := &Task{
		ID:         uuid.NewString(),
		PhotoID:    photoID,
		UUID:       photoUUID,
		Path:       path,
		Status:     TaskPending,
		EnqueuedAt: q.now(),
	}
	q.tasks = append(q.tasks, task)
	q.active[photoID] = task
	return true, nil
}

// Start begins processing pending tasks in the background. A paused or
// errored queue resumes with its remaining pending tasks.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return ErrAlreadyRunning
	}

	runCtx, stop := context.WithCancel(ctx)
	q.running = true
	q.cancelled = false
	q.tripped = false
	q.consecutiveFailures = 0
	q.state = StateRunning
	q.stop = stop
	q.done = make(chan struct{})
	q.lastEmit = time.Time{}

	go q.run(runCtx, q.generation, q.done)
	return nil
}

// Cancel stops dispatching new tasks. In-flight tasks finish and the queue
// moves to paused; pending tasks stay pending.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		q.cancelled = true
	}
}

// ForceReset discards all in-memory state unconditionally. Results of tasks
// still in flight are dropped when they return.
func (q *Queue) ForceReset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.generation++
	if q.stop != nil {
		q.stop()
		q.stop = nil
	}

	q.tasks = nil
	q.next = 0
	q.active = make(map[int64]*Task)
	q.state = StateIdle
	q.running = false
	q.cancelled = false
	q.tripped = false
	q.completed = 0
	q.failed = 0
	q.processing = 0
	q.detectedFaces = 0
	q.consecutiveFailures = 0
	q.lastError = ""
	q.done = nil
}

// Status returns the current counters.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) statusLocked() Status {
	pending := len(q.tasks) - q.next
	return Status{
		IsRunning:           q.running,
		State:               q.state,
		Pending:             pending,
		Processing:          q.processing,
		Completed:           q.completed,
		Failed:              q.failed,
		QueueLength:         pending + q.processing,
		Total:               len(q.tasks),
		DetectedFaces:       q.detectedFaces,
		ConsecutiveFailures: q.consecutiveFailures,
		LastError:           q.lastError,
	}
}

// Tasks returns a copy of every task of the current generation.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		result[i] = *t
	}
	return result
}

// Wait blocks until the current run ends or ctx is done.
// It returns immediately when the queue is not running.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	done := q.done
	running := q.running
	q.mu.Unlock()

	if !running || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	sem := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup

	for {
	dispatch:
		for {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				break dispatch
			}

			task, ok := q.claimNext(gen)
			if !ok {
				<-sem
				break
			}

			wg.Add(1)
			go func(t Task) {
				defer wg.Done()
				defer func() { <-sem }()
				q.execute(ctx, gen, t)
			}(task)
		}

		wg.Wait()
		if q.finish(ctx, gen) {
			return
		}
	}
}

// claimNext moves the next pending task to processing.
func (q *Queue) claimNext(gen uint64) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if gen != q.generation || q.cancelled || q.tripped || q.next >= len(q.tasks) {
		return Task{}, false
	}

	task := q.tasks[q.next]
	q.next++
	task.Status = TaskProcessing
	task.StartedAt = q.now()
	q.processing++
	return *task, true
}

func (q *Queue) execute(ctx context.Context, gen uint64, task Task) {
	taskCtx, cancel := context.WithTimeout(ctx, q.opts.TaskTimeout)
	defer cancel()

	faces, err := q.safeProcess(taskCtx, task)
	q.complete(gen, task.PhotoID, faces, err)
}

func (q *Queue) safeProcess(ctx context.Context, task Task) (faces int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing photo %d: %v", task.PhotoID, r)
		}
	}()
	return q.processor.Process(ctx, task)
}

func (q *Queue) complete(gen uint64, photoID int64, faces int, err error) {
	q.mu.Lock()

	if gen != q.generation {
		q.mu.Unlock()
		return
	}

	task := q.active[photoID]
	if task == nil {
		q.mu.Unlock()
		return
	}
	delete(q.active, photoID)

	task.FinishedAt = q.now()
	q.processing--
	if err != nil {
		task.Status = TaskFailed
		task.Error = err.Error()
		q.failed++
		q.consecutiveFailures++
		q.lastError = task.Error
		if q.consecutiveFailures >= q.opts.BreakerThreshold && !q.tripped {
			q.tripped = true
			log.Printf("Queue: %d consecutive failures, halting dispatch: %v", q.consecutiveFailures, err)
		}
	} else {
		task.Status = TaskCompleted
		task.FaceCount = faces
		q.completed++
		q.detectedFaces += faces
		q.consecutiveFailures = 0
	}

	done := *task
	var progress *Progress
	last := q.processing == 0 && (q.next >= len(q.tasks) || q.cancelled || q.tripped)
	now := q.now()
	if q.opts.OnProgress != nil && (last || now.Sub(q.lastEmit) >= q.opts.ProgressInterval) {
		q.lastEmit = now
		p := q.progressLocked()
		progress = &p
	}
	q.mu.Unlock()

	if q.opts.OnTaskDone != nil {
		q.opts.OnTaskDone(done)
	}
	if progress != nil {
		q.opts.OnProgress(*progress)
	}
}

func (q *Queue) progressLocked() Progress {
	current := q.completed + q.failed
	total := len(q.tasks)
	var percent float64
	if total > 0 {
		percent = float64(current) * 100 / float64(total)
	}
	return Progress{Current: current, Total: total, Percent: percent, Status: q.state}
}

// finish ends the run unless new tasks arrived while in-flight tasks drained.
func (q *Queue) finish(ctx context.Context, gen uint64) bool {
	q.mu.Lock()

	if gen != q.generation {
		q.mu.Unlock()
		return true
	}

	pending := len(q.tasks) - q.next
	switch {
	case q.tripped:
		q.state = StateError
	case q.cancelled, ctx.Err() != nil:
		q.state = StatePaused
	case pending > 0:
		// Enqueued after the dispatcher drained; keep going.
		q.mu.Unlock()
		return false
	default:
		q.state = StateCompleted
	}

	q.running = false
	if q.stop != nil {
		q.stop()
		q.stop = nil
	}
	summary := Summary{
		Total:         len(q.tasks),
		Completed:     q.completed,
		Failed:        q.failed,
		DetectedFaces: q.detectedFaces,
		State:         q.state,
	}
	q.mu.Unlock()

	log.Printf("Queue: run ended (%s): %d completed, %d failed, %d faces",
		summary.State, summary.Completed, summary.Failed, summary.DetectedFaces)
	if q.opts.OnRunEnd != nil {
		q.opts.OnRunEnd(summary)
	}
	return true
}
