/**
 * @description
 * Cron scheduler setup for the refund sweep.
 */
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance. schedule uses the
// robfig/cron syntax, including descriptors such as "@every 5m".
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the refund sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.SweepRefunds); err != nil {
		s.logger.Error("failed to schedule refund sweep job", "schedule", s.schedule, "error", err)
		return fmt.Errorf("invalid refund sweep schedule %q: %w", s.schedule, err)
	}
	s.logger.Info("scheduled refund sweep job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once a running
// sweep has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
