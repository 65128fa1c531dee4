// Package scheduler runs periodic maintenance next to the web server.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/kozaktomas/face-clusterer/internal/constants"
)

// OrphanCleaner deletes persons without faces.
type OrphanCleaner interface {
	CleanupOrphans(ctx context.Context) (int, error)
}

// IndexSaver persists the in-memory face index.
type IndexSaver interface {
	IsHNSWEnabled() bool
	SaveHNSWIndex() error
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int           `json:"runs"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	NextRun   time.Time     `json:"next_run"`
}

type entry struct {
	info JobInfo
	job  *gocron.Job
}

// Scheduler wraps a gocron scheduler. Jobs never overlap with themselves.
type Scheduler struct {
	cron *gocron.Scheduler
	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*entry
	running bool
}

// New creates a stopped scheduler.
func New() *Scheduler {
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{cron: cron, ctx: ctx, stop: stop, jobs: make(map[string]*entry)}
}

// AddJob runs task every interval. With runAtStart the first run happens when
// the scheduler starts, otherwise after one interval.
func (s *Scheduler) AddJob(name string, interval time.Duration, runAtStart bool, task func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already exists", name)
	}
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	e := &entry{info: JobInfo{Name: name, Interval: interval}}
	builder := s.cron.Every(interval).Tag(name)
	if !runAtStart {
		builder = builder.WaitForSchedule()
	}
	job, err := builder.Do(func() { s.run(e, task) })
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	e.job = job
	s.jobs[name] = e
	return nil
}

func (s *Scheduler) run(e *entry, task func(ctx context.Context) error) {
	err := task(s.ctx)

	now := time.Now()
	s.mu.Lock()
	e.info.Runs++
	e.info.LastRun = &now
	e.info.LastError = ""
	if err != nil {
		e.info.LastError = err.Error()
	}
	name := e.info.Name
	s.mu.Unlock()

	if err != nil {
		log.Printf("Scheduler: job %s failed: %v", name, err)
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.StartAsync()
	s.running = true
	log.Printf("Scheduler: started with %d jobs", len(s.jobs))
}

// Stop stops scheduling and cancels the context passed to running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.stop()
	s.cron.Stop()
	s.running = false
	log.Printf("Scheduler: stopped")
}

// Jobs returns the registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		info := e.info
		if e.job != nil {
			info.NextRun = e.job.NextRun()
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Maintenance intervals; zero values select the defaults.
type Maintenance struct {
	CleanupInterval time.Duration
	SaveInterval    time.Duration
}

// RegisterMaintenance adds the orphan sweep and, when the index is enabled, index persistence.
func (s *Scheduler) RegisterMaintenance(cleaner OrphanCleaner, saver IndexSaver, m Maintenance) error {
	if m.CleanupInterval <= 0 {
		m.CleanupInterval = constants.OrphanCleanupInterval
	}
	if m.SaveInterval <= 0 {
		m.SaveInterval = constants.IndexSaveInterval
	}

	if cleaner != nil {
		err := s.AddJob("orphan-cleanup", m.CleanupInterval, true, func(ctx context.Context) error {
			n, err := cleaner.CleanupOrphans(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("Scheduler: deleted %d persons without faces", n)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if saver != nil && saver.IsHNSWEnabled() {
		err := s.AddJob("index-save", m.SaveInterval, false, func(ctx context.Context) error {
			return saver.SaveHNSWIndex()
		})
		if err != nil {
			return err
		}
	}
	return nil
}
