package jobs

import (
	"context"
	"log/slog"
	"time"

	"pettag-backend/registry"
)

// Job names
const (
	ExpirySweep       = "expiry-sweep"
	DuplicateSweep    = "duplicate-sweep"
	RenewalReminders  = "renewal-reminders"
	defaultJobTimeout = 5 * time.Minute
)

// Schedules holds cron specs for the registry jobs
type Schedules struct {
	Expiry           string
	Duplicates       string
	Reminders        string
	RenewalLookahead time.Duration
}

// RegistryJobs builds the maintenance jobs that keep entitlements consistent
func RegistryJobs(manager *registry.Manager, reconciler *registry.Reconciler, sched Schedules) []Job {
	logger := slog.With("service", "RegistryJobs")

	return []Job{
		{
			Name:    ExpirySweep,
			Spec:    sched.Expiry,
			Timeout: defaultJobTimeout,
			Run: func(ctx context.Context) error {
				report, err := manager.ExpireDue(ctx)
				if err != nil {
					return err
				}
				logger.Info("Expiry sweep done",
					"subscriptions", report.Subscriptions,
					"partner_subscriptions", report.PartnerSubscriptions,
					"conflicts", report.Conflicts)
				return nil
			},
		},
		{
			Name:    DuplicateSweep,
			Spec:    sched.Duplicates,
			Timeout: defaultJobTimeout,
			Run: func(ctx context.Context) error {
				report, err := reconciler.Run(ctx, false)
				if report != nil {
					logger.Info("Duplicate sweep done", "groups", len(report.Before), "deleted", len(report.Deleted), "remaining", len(report.After))
				}
				return err
			},
		},
		{
			Name:    RenewalReminders,
			Spec:    sched.Reminders,
			Timeout: defaultJobTimeout,
			Run: func(ctx context.Context) error {
				n, err := manager.RemindRenewals(ctx, sched.RenewalLookahead)
				if err != nil {
					return err
				}
				logger.Info("Renewal reminders sent", "count", n)
				return nil
			},
		},
	}
}
