package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/nkiryanov/authcore/internal/logger"
)

// Job runs every Interval. Failed run is logged and retried on next tick
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type Scheduler struct {
	jobs   []Job
	logger logger.Logger
}

func New(logger logger.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, logger: logger}
}

// Start runs every job in own goroutine until ctx done
// Returned channel is closed when all jobs stopped
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		s.logger.Debug("Scheduler stopped")
	}()

	return idleStopped
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	s.logger.Debug("Starting job", "job", job.Name, "interval", job.Interval)

	if job.RunOnStart {
		s.runOnce(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Job stopped by context", "job", job.Name)
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	started := time.Now()

	// A panicking job must not take the process down, it gets its next tick
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job panicked", "job", job.Name, "panic", r)
		}
	}()

	if err := job.Run(ctx); err != nil {
		s.logger.Error("Job failed", "job", job.Name, "error", err, "duration", time.Since(started))
		return
	}
	s.logger.Debug("Job done", "job", job.Name, "duration", time.Since(started))
}
