/**
 * @description
 * Cron scheduler setup for the billing jobs. Cadence comes from
 * configuration; each tick launches the job through the registry, so a tick
 * that fires while the previous run is still in flight fails fast instead
 * of racing.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/proteamcare/billing-service/internal/config"
	"github.com/proteamcare/billing-service/internal/domain"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.add(s.config.InvoiceJobSchedule, "invoice generation", func() {
		s.logLaunch(s.jobs.RunInvoiceGeneration(today(), false))
	})
	s.add(s.config.RecurrentJobSchedule, "recurrent billing", func() {
		s.logLaunch(s.jobs.RunRecurrentBilling(today()))
	})
	s.add(s.config.FallbackJobSchedule, "fallback sweep", func() {
		s.logLaunch(s.jobs.RunFallbackSweep())
	})
	s.add(s.config.ReconcileJobSchedule, "status reconciliation", func() {
		s.logLaunch(s.jobs.RunStatusReconciliation())
	})

	s.cron.Start()
}

func (s *Scheduler) add(spec, name string, fn func()) {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
	} else {
		s.logger.Info("scheduled job", "job", name, "schedule", spec)
	}
}

func (s *Scheduler) logLaunch(run domain.JobRun, err error) {
	if err != nil {
		if errors.Is(err, ErrJobAlreadyRunning) {
			s.logger.Warn("skipping scheduled tick, job already running", "error", err)
			return
		}
		s.logger.Error("failed to launch scheduled job", "error", err)
		return
	}
	s.logger.Info("scheduled job launched", "job_id", run.ID, "type", string(run.Type))
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
