// Package scheduler runs the broker's periodic background jobs. Each job
// gets its own ticker with optional jitter, and panics inside a job are
// recovered and logged so one bad tick cannot take the process down.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is a unit of periodic work.
type Job interface {
	// Name identifies the job in logs.
	Name() string

	// Run executes one tick of the job.
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

type scheduledJob struct {
	job      Job
	interval time.Duration
}

// Scheduler drives registered jobs at fixed intervals.
type Scheduler struct {
	logger zerolog.Logger
	jitter time.Duration

	mu   sync.Mutex
	jobs []scheduledJob

	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler. jitter is the maximum random delay added before
// each tick to avoid thundering herds when many jobs share an interval.
func New(logger zerolog.Logger, jitter time.Duration) *Scheduler {
	return &Scheduler{
		logger: logger.With().Str("component", "scheduler").Logger(),
		jitter: jitter,
	}
}

// Add registers a job to run every interval. Must be called before Start.
func (s *Scheduler) Add(job Job, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, job.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.jobs = append(s.jobs, scheduledJob{job: job, interval: interval})
	return nil
}

// Start launches one goroutine per job. Jobs stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	for _, sj := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, sj)
	}

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Wait blocks until all job goroutines have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, sj scheduledJob) {
	defer s.wg.Done()

	logger := s.logger.With().Str("job", sj.job.Name()).Logger()
	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Job loop stopped")
			return
		case <-ticker.C:
			if s.jitter > 0 {
				delay := time.Duration(rand.Int63n(int64(s.jitter)))
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			s.runOnce(ctx, sj.job, logger)
		}
	}
}

// runOnce executes a single tick with panic recovery.
func (s *Scheduler) runOnce(ctx context.Context, job Job, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Msg("Job panicked")
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		logger.Error().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("Job failed")
		return
	}
	logger.Debug().
		Dur("duration", time.Since(start)).
		Msg("Job completed")
}
