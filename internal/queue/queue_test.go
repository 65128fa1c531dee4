package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitDone(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("queue did not finish: %v", err)
	}
}

func assertInvariant(t *testing.T, s Status) {
	t.Helper()
	if s.Completed+s.Failed+s.Pending+s.Processing != s.Total {
		t.Errorf("completed(%d)+failed(%d)+pending(%d)+processing(%d) != total(%d)",
			s.Completed, s.Failed, s.Pending, s.Processing, s.Total)
	}
}

func TestQueue_ProcessesAllTasks(t *testing.T) {
	var calls atomic.Int32
	var doneTasks []Task
	var mu sync.Mutex
	var summary Summary

	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		calls.Add(1)
		return int(task.PhotoID % 3), nil
	}), Options{
		OnTaskDone: func(task Task) {
			mu.Lock()
			doneTasks = append(doneTasks, task)
			mu.Unlock()
		},
		OnRunEnd: func(s Summary) { summary = s },
	})

	for i := int64(1); i <= 10; i++ {
		if added, err := q.Enqueue(i, fmt.Sprintf("uuid-%d", i), fmt.Sprintf("/photos/%d.jpg", i)); err != nil || !added {
			t.Fatalf("Enqueue(%d) = %v, %v", i, added, err)
		}
	}

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitDone(t, q)

	status := q.Status()
	if status.IsRunning || status.State != StateCompleted {
		t.Errorf("expected completed, got %+v", status)
	}
	if status.Completed != 10 || status.Failed != 0 {
		t.Errorf("expected 10 completed, got %+v", status)
	}
	// 1..10 mod 3: 1,2,0,1,2,0,1,2,0,1 = 10
	if status.DetectedFaces != 10 {
		t.Errorf("expected 10 faces, got %d", status.DetectedFaces)
	}
	if calls.Load() != 10 {
		t.Errorf("expected one detection per task, got %d", calls.Load())
	}
	if len(doneTasks) != 10 {
		t.Errorf("expected 10 task callbacks, got %d", len(doneTasks))
	}
	if summary.State != StateCompleted || summary.Completed != 10 {
		t.Errorf("unexpected summary %+v", summary)
	}
	assertInvariant(t, status)
}

func TestQueue_FailureDoesNotAbort(t *testing.T) {
	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		if task.PhotoID%2 == 0 {
			return 0, errors.New("detector exploded")
		}
		return 1, nil
	}), Options{})

	for i := int64(1); i <= 6; i++ {
		q.Enqueue(i, "", "")
	}
	q.Start(context.Background())
	waitDone(t, q)

	status := q.Status()
	if status.Completed != 3 || status.Failed != 3 {
		t.Errorf("expected 3/3, got %+v", status)
	}
	if status.State != StateCompleted {
		t.Errorf("expected completed state, got %s", status.State)
	}

	for _, task := range q.Tasks() {
		if task.PhotoID%2 == 0 && (task.Status != TaskFailed || task.Error == "") {
			t.Errorf("task %d should be failed with error, got %+v", task.PhotoID, task)
		}
	}
	assertInvariant(t, status)
}

func TestQueue_DuplicateEnqueue(t *testing.T) {
	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) { return 0, nil }), Options{})

	if added, _ := q.Enqueue(1, "a", "/a"); !added {
		t.Fatal("first enqueue should be added")
	}
	if added, _ := q.Enqueue(1, "a", "/a"); added {
		t.Error("second enqueue of the same photo should be skipped")
	}
	if s := q.Status(); s.Pending != 1 {
		t.Errorf("expected 1 pending, got %d", s.Pending)
	}
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32

	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return 0, nil
	}), Options{Concurrency: 2})

	for i := int64(1); i <= 12; i++ {
		q.Enqueue(i, "", "")
	}
	q.Start(context.Background())
	waitDone(t, q)

	if maxInFlight.Load() > 2 {
		t.Errorf("expected at most 2 in-flight tasks, saw %d", maxInFlight.Load())
	}
}

func TestQueue_StartWhileRunning(t *testing.T) {
	release := make(chan struct{})
	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		<-release
		return 0, nil
	}), Options{})
	q.Enqueue(1, "", "")

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := q.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	waitDone(t, q)
}

func TestQueue_CancelDrainsAndPauses(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		if task.PhotoID == 1 {
			started <- struct{}{}
			<-release
		}
		return 1, nil
	}), Options{})

	for i := int64(1); i <= 5; i++ {
		q.Enqueue(i, "", "")
	}
	q.Start(context.Background())
	<-started

	q.Cancel()
	if _, err := q.Enqueue(99, "", ""); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled while cancelling, got %v", err)
	}
	close(release)
	waitDone(t, q)

	status := q.Status()
	if status.State != StatePaused || status.IsRunning {
		t.Errorf("expected paused, got %+v", status)
	}
	if status.Completed != 1 || status.Pending != 4 {
		t.Errorf("expected in-flight task drained and 4 pending, got %+v", status)
	}
	assertInvariant(t, status)

	// Start resumes the remaining tasks.
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	waitDone(t, q)
	if s := q.Status(); s.Completed != 5 || s.State != StateCompleted {
		t.Errorf("expected all tasks completed after resume, got %+v", s)
	}
}

func TestQueue_ForceResetDropsStaleResults(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var taskDone atomic.Int32

	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		started <- struct{}{}
		<-release
		return 3, nil
	}), Options{OnTaskDone: func(Task) { taskDone.Add(1) }})

	q.Enqueue(1, "", "")
	q.Enqueue(2, "", "")
	q.Start(context.Background())
	<-started

	q.ForceReset()
	status := q.Status()
	if status.IsRunning || status.State != StateIdle || status.Total != 0 {
		t.Errorf("expected clean idle queue after reset, got %+v", status)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)

	status = q.Status()
	if status.Completed != 0 || status.DetectedFaces != 0 {
		t.Errorf("stale result leaked into reset queue: %+v", status)
	}
	if taskDone.Load() != 0 {
		t.Errorf("expected no callbacks for stale tasks, got %d", taskDone.Load())
	}

	// The reset queue accepts new work.
	if added, err := q.Enqueue(1, "", ""); !added || err != nil {
		t.Errorf("expected enqueue after reset, got %v, %v", added, err)
	}
}

func TestQueue_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		calls.Add(1)
		return 0, errors.New("model unavailable")
	}), Options{BreakerThreshold: 3})

	for i := int64(1); i <= 10; i++ {
		q.Enqueue(i, "", "")
	}
	q.Start(context.Background())
	waitDone(t, q)

	status := q.Status()
	if status.State != StateError {
		t.Errorf("expected error state, got %s", status.State)
	}
	if status.Failed != 3 || status.Pending != 7 {
		t.Errorf("expected 3 failed and 7 pending, got %+v", status)
	}
	if status.LastError != "model unavailable" {
		t.Errorf("expected last error recorded, got %q", status.LastError)
	}
	if calls.Load() != 3 {
		t.Errorf("expected dispatch to halt after 3 calls, got %d", calls.Load())
	}
	assertInvariant(t, status)
}

func TestQueue_TaskTimeout(t *testing.T) {
	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}), Options{TaskTimeout: 10 * time.Millisecond})

	q.Enqueue(1, "", "")
	q.Start(context.Background())
	waitDone(t, q)

	tasks := q.Tasks()
	if tasks[0].Status != TaskFailed {
		t.Errorf("expected timed out task to fail, got %s", tasks[0].Status)
	}
}

func TestQueue_PanicIsRecorded(t *testing.T) {
	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		if task.PhotoID == 1 {
			panic("nil image")
		}
		return 1, nil
	}), Options{})

	q.Enqueue(1, "", "")
	q.Enqueue(2, "", "")
	q.Start(context.Background())
	waitDone(t, q)

	status := q.Status()
	if status.Failed != 1 || status.Completed != 1 {
		t.Errorf("expected panic recorded as failure, got %+v", status)
	}
}

func TestQueue_ProgressThrottledWithFinalEmit(t *testing.T) {
	var mu sync.Mutex
	var events []Progress

	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) { return 0, nil }), Options{
		ProgressInterval: time.Hour,
		OnProgress: func(p Progress) {
			mu.Lock()
			events = append(events, p)
			mu.Unlock()
		},
	})

	for i := int64(1); i <= 20; i++ {
		q.Enqueue(i, "", "")
	}
	q.Start(context.Background())
	waitDone(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected first and final progress events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Current != 20 || last.Total != 20 || last.Percent != 100 {
		t.Errorf("unexpected final progress %+v", last)
	}
}

func TestQueue_EnqueueWhileDraining(t *testing.T) {
	release := make(chan struct{})
	var q *Queue
	q = New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		if task.PhotoID == 1 {
			q.Enqueue(2, "", "")
			<-release
		}
		return 0, nil
	}), Options{})

	q.Enqueue(1, "", "")
	q.Start(context.Background())
	close(release)
	waitDone(t, q)

	if s := q.Status(); s.Completed != 2 || s.Pending != 0 {
		t.Errorf("expected late task processed, got %+v", s)
	}
}

func TestQueue_WaitWhenIdle(t *testing.T) {
	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) { return 0, nil }), Options{})
	if err := q.Wait(context.Background()); err != nil {
		t.Errorf("Wait on idle queue should return nil, got %v", err)
	}
}

func TestQueue_CountInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	q := New(ProcessorFunc(func(ctx context.Context, task Task) (int, error) {
		time.Sleep(time.Duration(task.PhotoID%3) * time.Millisecond)
		if task.PhotoID%5 == 0 {
			return 0, errors.New("bad photo")
		}
		return 1, nil
	}), Options{Concurrency: 3, BreakerThreshold: 1000})

	ctx := context.Background()
	nextID := int64(1)
	for range 200 {
		switch rng.Intn(6) {
		case 0, 1, 2:
			q.Enqueue(nextID, "", "")
			nextID++
		case 3:
			q.Start(ctx)
		case 4:
			q.Cancel()
		case 5:
			if rng.Intn(10) == 0 {
				q.ForceReset()
			}
		}
		assertInvariant(t, q.Status())
	}

	q.Start(ctx)
	waitDone(t, q)
	assertInvariant(t, q.Status())
}
