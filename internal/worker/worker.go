// Package worker runs the periodic maintenance jobs: closing idle sessions,
// resuming expired pauses and pruning limiter state.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// jobTimeout bounds a single run of any job.
const jobTimeout = time.Minute

// Job is one scheduled task. Run returns the number of items it handled.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper is the session maintenance surface of the service.
type Sweeper interface {
	CloseInactiveSessions(ctx context.Context) (int, error)
	ResumeExpiredPausedSessions(ctx context.Context) (int, error)
}

// Pruner drops stale in-memory state.
type Pruner interface {
	Prune() int
}

// Scheduler runs jobs on cron specs. Overlapping runs of one job are skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler. Specs accept the five-field form and
// descriptors such as "@every 5m".
func New(logger zerolog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add schedules job. An empty spec disables the job.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.logger.Info().Str("job", job.Name).Msg("job disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	s.logger.Info().Str("job", job.Name).Str("spec", job.Spec).Msg("job scheduled")
	return nil
}

func (s *Scheduler) run(job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := job.Run(ctx)
	log := s.logger.With().Str("job", job.Name).Dur("took", time.Since(start)).Logger()
	if err != nil {
		log.Error().Err(err).Int("handled", n).Msg("job failed")
		return
	}
	if n > 0 {
		log.Info().Int("handled", n).Msg("job finished")
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and cancels running jobs. The returned context is
// done once they have returned.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.cancel()
	return done
}

// Register adds the standard maintenance jobs.
func Register(s *Scheduler, sweeper Sweeper, pruner Pruner, inactivitySpec, pauseResumeSpec string) error {
	jobs := []Job{
		{Name: "close_inactive", Spec: inactivitySpec, Run: sweeper.CloseInactiveSessions},
		{Name: "resume_paused", Spec: pauseResumeSpec, Run: sweeper.ResumeExpiredPausedSessions},
	}
	if pruner != nil {
		jobs = append(jobs, Job{Name: "prune_limiter", Spec: "@every 1m", Run: func(context.Context) (int, error) {
			return pruner.Prune(), nil
		}})
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
