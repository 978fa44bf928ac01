package main

import (
	"context"
	"fmt"
	"log/slog"

	"pettag-backend/common"
	"pettag-backend/db"
	"pettag-backend/jobs"
	"pettag-backend/metrics"
	"pettag-backend/registry"
	"pettag-backend/sections"
	"pettag-backend/services"
	"pettag-backend/storage"
)

// app owns the long-lived connections behind a set of sections.Dependencies
type app struct {
	deps     *sections.Dependencies
	database *db.DB
	redis    *storage.RedisClient
}

func connectDatabase(ctx context.Context, cfg *common.Config) (*db.DB, error) {
	return db.ConnectWithConfig(ctx, &db.Config{
		DatabaseURL:  cfg.DatabaseURL,
		Debug:        cfg.DatabaseDebug,
		MaxOpenConns: cfg.DBMaxOpenConns,
	})
}

func newApp(ctx context.Context, cfg *common.Config) (*app, error) {
	database, err := connectDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Redis is optional: without it notifications go to the log and jobs run unlocked
	var (
		locker   jobs.Locker
		notifier registry.Notifier = services.NewLogNotifier()
	)
	redisClient, err := storage.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	if err != nil {
		slog.Warn("Redis unavailable, running without locks and notification fan-out", "addr", cfg.RedisAddr, "error", err)
		redisClient = nil
	} else {
		locker = redisClient
		notifier = services.NewRedisNotifier(redisClient, cfg.NotificationChannel)
	}

	m := metrics.New()
	opts := []registry.Option{registry.WithNotifier(notifier), registry.WithRecorder(m)}
	store := registry.NewStore(database, cfg.TxTimeout())
	manager := registry.NewManager(store, cfg.RenewalCeiling, opts...)
	engine := registry.NewEngine(store, manager, opts...)
	reconciler := registry.NewReconciler(store, opts...)

	scheduler := jobs.NewScheduler(locker, cfg.LockTTL(), m)
	for _, job := range jobs.RegistryJobs(manager, reconciler, jobs.Schedules{
		Expiry:           cfg.ExpirySchedule,
		Duplicates:       cfg.DuplicateSchedule,
		Reminders:        cfg.ReminderSchedule,
		RenewalLookahead: cfg.RenewalLookahead(),
	}) {
		if err := scheduler.Add(job); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", job.Name, err)
		}
	}

	stripeSvc := services.NewStripeService(cfg.StripeSecretKey, cfg.StripePublishableKey, cfg.StripeWebhookSecret)
	paypalSvc := services.NewPayPalService(services.PayPalConfig{
		BaseURL:      cfg.PayPalBaseURL,
		ClientID:     cfg.PayPalClientID,
		ClientSecret: cfg.PayPalClientSecret,
		WebhookID:    cfg.PayPalWebhookID,
		ReturnURL:    cfg.PayPalReturnURL,
		CancelURL:    cfg.PayPalCancelURL,
	})

	deps := sections.NewDependencies(cfg, database, redisClient, store, manager, engine, reconciler,
		stripeSvc, paypalSvc, m, scheduler)

	return &app{deps: deps, database: database, redis: redisClient}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("Failed to close redis", "error", err)
		}
	}
	if err := a.database.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}
