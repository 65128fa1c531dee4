// Package reconcile keeps one process-wide view of scan progress that outlives
// any subscriber and heals itself when progress events were missed.
//
// Progress events are the primary channel. While a scan is in progress the
// holder also polls the authoritative queue status; when the queue stopped but
// the holder still shows a running scan, the holder moves itself to completed
// and publishes a notice. A scan without progress for too long is flagged as
// stalled and can be reset with DiagnoseAndRestart.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/events"
	"github.com/kozaktomas/face-clusterer/internal/queue"
)

// State is the holder's view of the scan.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateCompleted State = "completed"
	StateStalled   State = "stalled"
)

// Queue is the authoritative side: a pull-based status query and cancellation.
type Queue interface {
	Status() queue.Status
	Cancel()
}

// Sink mirrors events and snapshots outside the process.
type Sink interface {
	Publish(ctx context.Context, event events.Event) error
	StoreSnapshot(ctx context.Context, snapshot any) error
}

// Options configures a Holder. Zero values select defaults.
type Options struct {
	PollInterval time.Duration
	StallAfter   time.Duration
	Sink         Sink
}

// Snapshot is the holder state as seen by subscribers.
type Snapshot struct {
	State          State     `json:"state"`
	JobID          int64     `json:"job_id,omitempty"`
	Current        int       `json:"current"`
	Total          int       `json:"total"`
	Percent        float64   `json:"percent"`
	Completed      int       `json:"completed"`
	Failed         int       `json:"failed"`
	DetectedFaces  int       `json:"detected_faces"`
	Notice         string    `json:"notice,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	LastProgressAt time.Time `json:"last_progress_at,omitzero"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Holder owns scan progress state for the lifetime of the process.
type Holder struct {
	queue Queue
	opts  Options
	bus   events.Broadcaster

	mu       sync.Mutex
	snap     Snapshot
	seenDone int // completed+failed at the last observed progress

	wake chan struct{}
	now  func() time.Time
}

// NewHolder creates an idle holder.
func NewHolder(q Queue, opts Options) *Holder {
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.ReconcilePollInterval
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = constants.StallAfter
	}
	h := &Holder{
		queue: q,
		opts:  opts,
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
	h.snap = Snapshot{State: StateIdle, UpdatedAt: h.now()}
	return h
}

// Run polls the queue while a scan is in progress. It blocks until ctx is done.
func (h *Holder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
		}
		h.poll(ctx)
	}
}

func (h *Holder) poll(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state := h.Tick(ctx); state != StateScanning && state != StateStalled {
				return
			}
		}
	}
}

// Tick compares the holder against the authoritative queue status once and
// returns the resulting state. It does nothing unless a scan is in progress.
func (h *Holder) Tick(ctx context.Context) State {
	if state := h.Snapshot().State; state != StateScanning && state != StateStalled {
		return state
	}
	status := h.queue.Status()

	h.mu.Lock()
	if h.snap.State != StateScanning && h.snap.State != StateStalled {
		state := h.snap.State
		h.mu.Unlock()
		return state
	}
	now := h.now()
	var emitted []events.Event

	done := status.Completed + status.Failed
	if done != h.seenDone {
		h.seenDone = done
		h.snap.LastProgressAt = now
		h.applyStatusLocked(status)
		if h.snap.State == StateStalled {
			h.snap.State = StateScanning
			h.snap.Notice = ""
		}
	}

	switch {
	case !status.IsRunning && status.Pending == 0:
		h.applyStatusLocked(status)
		h.snap.State = StateCompleted
		h.snap.Percent = 100
		h.snap.Notice = fmt.Sprintf("Scan finished while progress updates were missed; status restored from the queue (%d completed, %d failed)",
			status.Completed, status.Failed)
		emitted = append(emitted,
			events.Event{Type: events.TypeNotice, Message: h.snap.Notice},
			events.Event{Type: events.TypeCompleted, Data: events.CompletedData{
				Total:         status.Total,
				Completed:     status.Completed,
				Failed:        status.Failed,
				DetectedFaces: status.DetectedFaces,
			}},
		)
		log.Printf("Reconcile: queue is %s but scan was shown as %s, marked completed", status.State, StateScanning)

	case !status.IsRunning && h.snap.State == StateScanning:
		h.snap.State = StateStalled
		h.snap.Notice = fmt.Sprintf("Queue stopped (%s) with %d photos pending", status.State, status.Pending)
		emitted = append(emitted, events.Event{Type: events.TypeNotice, Message: h.snap.Notice})
		log.Printf("Reconcile: %s", h.snap.Notice)

	case h.snap.State == StateScanning && now.Sub(h.snap.LastProgressAt) > h.opts.StallAfter:
		h.snap.State = StateStalled
		h.snap.Notice = fmt.Sprintf("No progress for %s", now.Sub(h.snap.LastProgressAt).Round(time.Second))
		emitted = append(emitted, events.Event{Type: events.TypeNotice, Message: h.snap.Notice})
		log.Printf("Reconcile: scan stalled, %s", h.snap.Notice)
	}

	if len(emitted) > 0 {
		h.snap.UpdatedAt = now
	}
	state := h.snap.State
	snap := h.snap
	h.mu.Unlock()

	for _, ev := range emitted {
		h.emit(ctx, ev, snap)
	}
	return state
}

func (h *Holder) applyStatusLocked(status queue.Status) {
	h.snap.Current = status.Completed + status.Failed
	h.snap.Total = status.Total
	h.snap.Completed = status.Completed
	h.snap.Failed = status.Failed
	h.snap.DetectedFaces = status.DetectedFaces
	h.snap.Percent = events.Percent(h.snap.Current, h.snap.Total)
}

// ScanStarted moves the holder to scanning and starts polling.
func (h *Holder) ScanStarted(jobID int64, total int) {
	h.mu.Lock()
	now := h.now()
	h.snap = Snapshot{
		State:          StateScanning,
		JobID:          jobID,
		Total:          total,
		StartedAt:      now,
		LastProgressAt: now,
		UpdatedAt:      now,
	}
	h.seenDone = 0
	snap := h.snap
	h.mu.Unlock()

	h.emit(context.Background(), events.Event{
		Type: events.TypeStatus,
		Data: events.StatusData{Stage: string(StateScanning), Message: fmt.Sprintf("Scanning %d photos", total)},
	}, snap)

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Progress records a progress report from the queue.
func (h *Holder) Progress(p queue.Progress) {
	h.mu.Lock()
	if h.snap.State != StateScanning && h.snap.State != StateStalled {
		h.mu.Unlock()
		return
	}
	now := h.now()
	h.snap.Current = p.Current
	h.snap.Total = p.Total
	h.snap.Percent = events.Percent(p.Current, p.Total)
	h.snap.LastProgressAt = now
	h.snap.UpdatedAt = now
	h.seenDone = p.Current
	if h.snap.State == StateStalled {
		h.snap.State = StateScanning
		h.snap.Notice = ""
	}
	snap := h.snap
	h.mu.Unlock()

	h.emit(context.Background(), events.Event{
		Type: events.TypeProgress,
		Data: events.ProgressData{Current: p.Current, Total: p.Total, Percent: snap.Percent, Status: string(p.Status)},
	}, snap)
}

// Completed records the end of the run of jobID. Summaries of a run the
// holder no longer tracks (reset, diagnosed or superseded) are dropped.
func (h *Holder) Completed(jobID int64, s queue.Summary) {
	h.mu.Lock()
	if (h.snap.State != StateScanning && h.snap.State != StateStalled) || h.snap.JobID != jobID {
		state := h.snap.State
		h.mu.Unlock()
		log.Printf("Reconcile: dropped end of run for job %d, holder is %s", jobID, state)
		return
	}
	now := h.now()
	h.snap.State = StateCompleted
	h.snap.Current = s.Completed + s.Failed
	h.snap.Total = s.Total
	h.snap.Completed = s.Completed
	h.snap.Failed = s.Failed
	h.snap.DetectedFaces = s.DetectedFaces
	h.snap.Percent = events.Percent(h.snap.Current, h.snap.Total)
	h.snap.UpdatedAt = now
	if s.State != queue.StateCompleted {
		h.snap.Notice = fmt.Sprintf("Scan stopped: queue %s", s.State)
	}
	h.seenDone = h.snap.Current
	snap := h.snap
	h.mu.Unlock()

	h.emit(context.Background(), events.Event{
		Type: events.TypeCompleted,
		Data: events.CompletedData{Total: s.Total, Completed: s.Completed, Failed: s.Failed, DetectedFaces: s.DetectedFaces},
	}, snap)
}

// StatusChanged publishes a stage transition without changing the holder state.
func (h *Holder) StatusChanged(stage, message string) {
	h.mu.Lock()
	snap := h.snap
	h.mu.Unlock()
	h.emit(context.Background(), events.Event{
		Type: events.TypeStatus,
		Data: events.StatusData{Stage: stage, Message: message},
	}, snap)
}

// DiagnoseAndRestart cancels the queue, clears local state and returns to idle.
func (h *Holder) DiagnoseAndRestart(ctx context.Context) Snapshot {
	status := h.queue.Status()
	h.queue.Cancel()
	return h.Reset(ctx, fmt.Sprintf("Scan reset: queue was %s with %d pending, %d processing",
		status.State, status.Pending, status.Processing))
}

// Reset clears local state and returns to idle with notice.
func (h *Holder) Reset(ctx context.Context, notice string) Snapshot {
	h.mu.Lock()
	h.snap = Snapshot{State: StateIdle, Notice: notice, UpdatedAt: h.now()}
	h.seenDone = 0
	snap := h.snap
	h.mu.Unlock()

	log.Printf("Reconcile: %s", notice)
	h.emit(ctx, events.Event{
		Type: events.TypeStatus,
		Data: events.StatusData{Stage: string(StateIdle), Message: notice},
	}, snap)
	return snap
}

// Snapshot returns the current state.
func (h *Holder) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// Subscribe attaches a listener. Subscribers may come and go at any time
// without affecting the holder.
func (h *Holder) Subscribe() chan events.Event {
	return h.bus.AddListener()
}

// Unsubscribe detaches and closes a listener.
func (h *Holder) Unsubscribe(ch chan events.Event) {
	h.bus.RemoveListener(ch)
}

// Subscribers returns the number of attached listeners.
func (h *Holder) Subscribers() int {
	return h.bus.Listeners()
}

func (h *Holder) emit(ctx context.Context, ev events.Event, snap Snapshot) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	h.bus.Send(ev)

	if h.opts.Sink == nil {
		return
	}
	if err := h.opts.Sink.Publish(ctx, ev); err != nil {
		log.Printf("Reconcile: failed to publish %s event: %v", ev.Type, err)
	}
	if err := h.opts.Sink.StoreSnapshot(ctx, snap); err != nil {
		log.Printf("Reconcile: failed to store snapshot: %v", err)
	}
}
