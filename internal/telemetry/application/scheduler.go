package application

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on fixed intervals independent of ingestion load.
// A failing job logs and waits for its next tick.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
}

// NewScheduler constructs a Scheduler. Jobs with a non-positive interval are skipped.
func NewScheduler(logger *zap.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Run == nil || job.Interval <= 0 {
			continue
		}
		kept = append(kept, job)
	}
	return &Scheduler{jobs: kept, logger: logger}
}

// Start runs every job until ctx is done and waits for in-flight runs to finish.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduler: job failed", zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
}
