package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wbe7/openrag/pkg/logger"
)

// SchedulerConfig contains the periodic job schedules.
type SchedulerConfig struct {
	// ReconcileSchedule is a cron expression for the periodic incremental
	// poll that keeps connections fresh when webhook delivery is missed.
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
	RenewalSweep      time.Duration `yaml:"renewal_sweep"`
}

// DefaultSchedulerConfig returns default configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		ReconcileSchedule: "@every 15m",
		RenewalSweep:      time.Hour,
	}
}

// Scheduler runs the reconciling poll and the channel renewal sweep on
// cron schedules.
type Scheduler struct {
	config       *SchedulerConfig
	orchestrator *Orchestrator
	webhooks     *WebhookManager
	cron         *cron.Cron
	logger       *logger.Logger
}

// NewScheduler creates the periodic job scheduler.
func NewScheduler(cfg *SchedulerConfig, orchestrator *Orchestrator, webhooks *WebhookManager, log *logger.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	return &Scheduler{
		config:       cfg,
		orchestrator: orchestrator,
		webhooks:     webhooks,
		cron:         cron.New(),
		logger:       log.WithField("component", "sync_scheduler"),
	}
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.ReconcileSchedule != "" {
		_, err := s.cron.AddFunc(s.config.ReconcileSchedule, func() {
			results := s.orchestrator.SyncAll(ctx, ModeIncremental)
			processed, failed := 0, 0
			for _, r := range results {
				processed += r.Processed
				failed += r.Failed
			}
			s.logger.Info("reconcile poll finished: %d connections, %d files, %d failures",
				len(results), processed, failed)
		})
		if err != nil {
			return fmt.Errorf("registering reconcile job: %w", err)
		}
	}

	if s.webhooks != nil && s.config.RenewalSweep > 0 {
		schedule := fmt.Sprintf("@every %s", s.config.RenewalSweep)
		if _, err := s.cron.AddFunc(schedule, func() {
			s.webhooks.RenewDue(ctx)
		}); err != nil {
			return fmt.Errorf("registering renewal job: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started, reconcile=%q renewal_sweep=%s",
		s.config.ReconcileSchedule, s.config.RenewalSweep)
	return nil
}

// Stop halts the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}
