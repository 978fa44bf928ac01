package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pettag-backend/storage"

	"github.com/robfig/cron/v3"
)

var ErrUnknownJob = errors.New("unknown job")

// Locker guards a job so only one replica runs it at a time
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Observer receives run results
type Observer interface {
	JobFinished(job, result string, took time.Duration)
}

// Job is a named unit of scheduled work
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs jobs on cron specs under a distributed lock
type Scheduler struct {
	cron     *cron.Cron
	locker   Locker
	lockTTL  time.Duration
	observer Observer
	logger   *slog.Logger

	mu   sync.RWMutex
	jobs map[string]Job
}

// NewScheduler creates a scheduler. A nil locker runs jobs without locking.
func NewScheduler(locker Locker, lockTTL time.Duration, observer Observer) *Scheduler {
	logger := slog.With("service", "Scheduler")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		locker:   locker,
		lockTTL:  lockTTL,
		observer: observer,
		logger:   logger,
		jobs:     make(map[string]Job),
	}
}

// Add registers a job. Jobs with an empty spec can only be run with RunNow.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	if job.Spec != "" {
		if _, err := s.cron.AddFunc(job.Spec, func() {
			_ = s.run(context.Background(), job)
		}); err != nil {
			return fmt.Errorf("invalid schedule for %s: %w", job.Name, err)
		}
	}
	s.jobs[job.Name] = job
	s.logger.Info("Job registered", "job", job.Name, "spec", job.Spec)
	return nil
}

// RunNow runs a registered job immediately, still under its lock
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, "job:"+job.Name, s.lockTTL, job.Run)
	} else {
		err = job.Run(ctx)
	}
	took := time.Since(start)

	result := "ok"
	switch {
	case errors.Is(err, storage.ErrLockHeld):
		result = "skipped"
		s.logger.Info("Job skipped, another replica holds the lock", "job", job.Name)
	case err != nil:
		result = "error"
		s.logger.Error("Job failed", "job", job.Name, "duration", took, "error", err)
	default:
		s.logger.Info("Job finished", "job", job.Name, "duration", took)
	}
	if s.observer != nil {
		s.observer.JobFinished(job.Name, result, took)
	}
	return err
}

// Start begins running scheduled jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs or ctx, whichever comes first
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Gave up waiting for running jobs", "error", ctx.Err())
	}
}
