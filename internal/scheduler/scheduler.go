package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"
)

// JobCategory classifies jobs for semaphore-based concurrency limits.
type JobCategory string

const (
	CategoryProbe       JobCategory = "probe"
	CategoryMaintenance JobCategory = "maintenance"
	CategoryDefault     JobCategory = "default"
)

// Job run statuses recorded by a RunRecorder.
const (
	StatusOK                 = "ok"
	StatusFailed             = "failed"
	StatusSkippedConcurrency = "skipped_concurrency"
	StatusSkippedLocked      = "skipped_locked"
)

// Job defines a schedulable unit of work.
type Job struct {
	Name      string      // Unique job identifier.
	Schedule  Schedule    // When to run.
	Category  JobCategory // For semaphore selection.
	Exclusive bool        // Run only in the process holding the file lock.
	Run       func(ctx context.Context) error
}

// RunRecorder persists job run outcomes.
type RunRecorder interface {
	UpsertScheduledJob(name, status string, runAt time.Time) error
}

// Config holds scheduler settings.
type Config struct {
	TickInterval       time.Duration
	MaxConcProbe       int
	MaxConcMaintenance int
	MaxConcDefault     int
	LockPath           string
}

// JobInfo is a snapshot of one registered job.
type JobInfo struct {
	Name       string      `json:"name"`
	Category   JobCategory `json:"category"`
	Schedule   string      `json:"schedule"`
	NextRun    time.Time   `json:"next_run"`
	LastRun    time.Time   `json:"last_run,omitempty"`
	LastStatus string      `json:"last_status,omitempty"`
	Running    bool        `json:"running"`
}

type jobState struct {
	job        *Job
	next       time.Time
	lastRun    time.Time
	lastStatus string
	running    bool
}

// Scheduler runs registered jobs on their schedules. Each tick dispatches the
// jobs that are due, subject to a per-category semaphore. A job never overlaps
// with itself.
type Scheduler struct {
	cfg        Config
	recorder   RunRecorder
	jobs       map[string]*jobState
	mu         sync.Mutex
	semaphores map[JobCategory]*semaphore.Weighted
	lock       *flock.Flock
	wg         sync.WaitGroup
	now        func() time.Time
}

// New creates a Scheduler. recorder may be nil.
func New(cfg Config, recorder RunRecorder) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxConcProbe <= 0 {
		cfg.MaxConcProbe = 1
	}
	if cfg.MaxConcMaintenance <= 0 {
		cfg.MaxConcMaintenance = 1
	}
	if cfg.MaxConcDefault <= 0 {
		cfg.MaxConcDefault = 4
	}
	s := &Scheduler{
		cfg:      cfg,
		recorder: recorder,
		jobs:     make(map[string]*jobState),
		semaphores: map[JobCategory]*semaphore.Weighted{
			CategoryProbe:       semaphore.NewWeighted(int64(cfg.MaxConcProbe)),
			CategoryMaintenance: semaphore.NewWeighted(int64(cfg.MaxConcMaintenance)),
			CategoryDefault:     semaphore.NewWeighted(int64(cfg.MaxConcDefault)),
		},
		now: time.Now,
	}
	if cfg.LockPath != "" {
		s.lock = flock.New(cfg.LockPath)
	}
	return s
}

// Register adds or replaces a job. Its first run is one schedule step from now.
func (s *Scheduler) Register(job *Job) error {
	if job.Name == "" || job.Schedule == nil || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name, schedule and run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = &jobState{job: job, next: job.Schedule.Next(s.now())}
	slog.Info("Scheduler: job registered", "name", job.Name, "category", job.Category, "schedule", fmt.Sprint(job.Schedule))
	return nil
}

// Unregister removes a job by name. A run in progress finishes.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Jobs returns a snapshot of registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, st := range s.jobs {
		out = append(out, JobInfo{
			Name:       st.job.Name,
			Category:   st.job.Category,
			Schedule:   fmt.Sprint(st.job.Schedule),
			NextRun:    st.next,
			LastRun:    st.lastRun,
			LastStatus: st.lastStatus,
			Running:    st.running,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run starts the tick loop. It blocks until ctx is cancelled, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler: started", "tick", s.cfg.TickInterval, "jobs", len(s.Jobs()))
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.lock != nil {
				s.lock.Unlock()
			}
			slog.Info("Scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// RunNow dispatches a job immediately regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	s.dispatch(ctx, st, s.now())
	return nil
}

// Wait blocks until every dispatched job has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// tick dispatches every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*jobState
	for _, st := range s.jobs {
		if st.next.IsZero() || now.Before(st.next) {
			continue
		}
		st.next = st.job.Schedule.Next(now)
		due = append(due, st)
	}
	s.mu.Unlock()

	for _, st := range due {
		s.dispatch(ctx, st, now)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, st *jobState, now time.Time) {
	job := st.job

	if job.Exclusive && s.lock != nil {
		acquired, err := s.lock.TryLock()
		if err != nil {
			slog.Warn("Scheduler: lock error", "job", job.Name, "error", err)
			return
		}
		if !acquired {
			slog.Debug("Scheduler: job skipped, lock held by another process", "job", job.Name)
			s.finish(st, StatusSkippedLocked, now)
			return
		}
	}

	sem := s.semaphores[job.Category]
	if sem == nil {
		sem = s.semaphores[CategoryDefault]
	}

	s.mu.Lock()
	if st.running {
		s.mu.Unlock()
		slog.Debug("Scheduler: job still running", "job", job.Name)
		return
	}
	if !sem.TryAcquire(1) {
		s.mu.Unlock()
		slog.Warn("Scheduler: job skipped, concurrency limit", "job", job.Name, "category", job.Category)
		s.finish(st, StatusSkippedConcurrency, now)
		return
	}
	st.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sem.Release(1)

		start := time.Now()
		status := StatusOK
		if err := job.Run(ctx); err != nil {
			status = StatusFailed
			slog.Warn("Scheduler: job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		} else {
			slog.Debug("Scheduler: job done", "job", job.Name, "duration", time.Since(start))
		}
		s.mu.Lock()
		st.running = false
		s.mu.Unlock()
		s.finish(st, status, now)
	}()
}

// finish records a run outcome in memory and, best effort, in the recorder.
func (s *Scheduler) finish(st *jobState, status string, at time.Time) {
	s.mu.Lock()
	st.lastRun = at
	st.lastStatus = status
	s.mu.Unlock()
	if s.recorder == nil {
		return
	}
	if err := s.recorder.UpsertScheduledJob(st.job.Name, status, at); err != nil {
		slog.Debug("Scheduler: record run failed", "job", st.job.Name, "error", err)
	}
}
