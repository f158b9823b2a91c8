/*
scheduler.go - Cron-driven background jobs

PURPOSE:
  Runs the receipt scrape and consumption validation batches on their cron
  schedules and on demand. Every run is recorded for audit.

DESIGN:
  - Jobs are registered as (name, cron expression, func) entries; an empty
    expression registers a manual-only job
  - Each job owns a Guard, so a scheduled tick and a manual trigger can never
    overlap; the loser gets ErrAlreadyRunning and nothing is recorded
  - One goroutine per scheduled job sleeps until the next cron time
  - Run records go through RunStore (SQLite in production)

USAGE:
  s := jobs.NewScheduler(store, logger, m)
  s.Register("scrape", "@every 5m", scraper.Run)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - guard.go: single-flight flag
  - worker.go: bounded batch loop used by the jobs
*/
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/welfare-ledger/metrics"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Func is one batch. A returned error marks the whole run failed; per-item
// failures belong in Result.
type Func func(ctx context.Context) (Result, error)

// JobRun is the audit record of one execution.
type JobRun struct {
	ID          string
	Job         string
	Status      string
	Processed   int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RunStore persists job runs.
type RunStore interface {
	SaveJobRun(ctx context.Context, run JobRun) error
	ListJobRuns(ctx context.Context, job string, limit int) ([]JobRun, error)
}

type entry struct {
	name     string
	spec     string
	schedule cron.Schedule
	fn       Func
	guard    *Guard
}

// Scheduler runs registered jobs.
type Scheduler struct {
	Runs    RunStore // optional
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewScheduler(runs RunStore, logger logrus.FieldLogger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		Runs:    runs,
		Logger:  logger,
		Metrics: m,
		Clock:   time.Now,
		entries: make(map[string]*entry),
	}
}

// Register adds a job. spec is a standard five-field cron expression or a
// descriptor like "@every 5m"; empty means manual trigger only.
func (s *Scheduler) Register(name, spec string, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	e := &entry{name: name, spec: spec, fn: fn, guard: &Guard{}}
	if spec != "" {
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("invalid schedule for job %s: %w", name, err)
		}
		e.schedule = schedule
	}
	s.entries[name] = e
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger runs the named job now, in the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) (JobRun, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return JobRun{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	var run JobRun
	err := e.guard.Run(ctx, func(ctx context.Context) error {
		run = s.execute(ctx, e)
		return nil
	})
	if errors.Is(err, ErrAlreadyRunning) {
		s.Logger.WithField("job", name).Info("previous run still in progress, skipping")
		s.Metrics.IncJobSkipped(name)
		return JobRun{}, err
	}
	if run.Status == StatusFailed {
		return run, errors.New(run.Error)
	}
	return run, nil
}

func (s *Scheduler) execute(ctx context.Context, e *entry) JobRun {
	log := s.Logger.WithField("job", e.name)
	start := s.now()
	run := JobRun{
		ID:        uuid.NewString(),
		Job:       e.name,
		Status:    StatusRunning,
		StartedAt: start,
	}
	s.save(ctx, log, run)

	res, err := e.fn(ctx)

	completed := s.now()
	run.CompletedAt = &completed
	run.Processed = res.Processed
	run.Failed = res.Failed
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
		log.WithError(err).Error("job run failed")
	} else {
		run.Status = StatusCompleted
		if res.Err != nil {
			run.Error = res.Err.Error()
		}
		log.WithFields(logrus.Fields{
			"processed": res.Processed,
			"failed":    res.Failed,
		}).Info("job run completed")
	}
	s.save(context.WithoutCancel(ctx), log, run)
	s.Metrics.ObserveJobRun(e.name, run.Status, completed.Sub(start))
	return run
}

func (s *Scheduler) save(ctx context.Context, log logrus.FieldLogger, run JobRun) {
	if s.Runs == nil {
		return
	}
	if err := s.Runs.SaveJobRun(ctx, run); err != nil {
		log.WithError(err).Warn("failed to save job run record")
	}
}

// History returns the most recent runs, newest first. An empty job lists all.
func (s *Scheduler) History(ctx context.Context, job string, limit int) ([]JobRun, error) {
	if s.Runs == nil {
		return nil, nil
	}
	return s.Runs.ListJobRuns(ctx, job, limit)
}

// NextRun returns when the named job fires next, or zero for manual jobs.
func (s *Scheduler) NextRun(name string) (time.Time, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if e.schedule == nil {
		return time.Time{}, nil
	}
	return e.schedule.Next(s.now()), nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start launches one loop per scheduled job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})

	for _, e := range s.entries {
		if e.schedule == nil {
			continue
		}
		s.wg.Add(1)
		go s.loop(e)
		s.Logger.WithFields(logrus.Fields{"job": e.name, "schedule": e.spec}).Info("job scheduled")
	}
}

// Stop ends the loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(e *entry) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	for {
		now := s.now()
		timer := time.NewTimer(e.schedule.Next(now).Sub(now))
		select {
		case <-timer.C:
			if _, err := s.Trigger(ctx, e.name); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.Logger.WithField("job", e.name).WithError(err).Warn("scheduled run failed")
			}
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}
