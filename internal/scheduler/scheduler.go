// Package scheduler runs the kernel's periodic maintenance: the reservation
// TTL sweep, posting expiry, the matcher safety sweep and the outbox reaper.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one periodic maintenance task. Run returns how many rows it acted
// on; the scheduler logs the count.
type Job interface {
	Name() string
	Schedule() string
	Run(ctx context.Context) (int, error)
}

// Scheduler drives jobs on cron schedules. A slow job skips its next tick
// instead of stacking up.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job
	log  zerolog.Logger
}

// New creates a scheduler with the given jobs registered.
func New(log zerolog.Logger, jobs ...Job) (*Scheduler, error) {
	slog := log.With().Str("component", "scheduler").Logger()
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{slog}),
		cron.Recover(cronLogger{slog}),
	))

	s := &Scheduler{cron: c, jobs: jobs, log: slog}
	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.Schedule(), func() { s.runJob(job) }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins dispatching jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop halts dispatch and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) runJob(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
		return
	}
	if n > 0 {
		s.log.Info().
			Str("job", job.Name()).
			Int("affected", n).
			Dur("took", time.Since(start)).
			Msg("Job completed")
	}
}

// cronLogger adapts zerolog to the cron logging interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
