package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pettag-backend/db"
	"pettag-backend/registry"
	"pettag-backend/sections/models"
	"pettag-backend/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runLog struct {
	mu      sync.Mutex
	results map[string][]string
}

func (r *runLog) JobFinished(job, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string][]string{}
	}
	r.results[job] = append(r.results[job], result)
}

func newRedisLocker(t *testing.T) *storage.RedisClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return storage.NewRedisClientWithClient(client, "test:")
}

func TestRunNowRecordsResults(t *testing.T) {
	obs := &runLog{}
	s := NewScheduler(newRedisLocker(t), time.Minute, obs)
	ctx := context.Background()

	calls := 0
	require.NoError(t, s.Add(Job{Name: "ok", Run: func(context.Context) error { calls++; return nil }}))
	require.NoError(t, s.Add(Job{Name: "broken", Run: func(context.Context) error { return errors.New("boom") }}))

	require.NoError(t, s.RunNow(ctx, "ok"))
	assert.Equal(t, 1, calls)
	assert.EqualError(t, s.RunNow(ctx, "broken"), "boom")
	assert.ErrorIs(t, s.RunNow(ctx, "missing"), ErrUnknownJob)

	assert.Equal(t, []string{"ok"}, obs.results["ok"])
	assert.Equal(t, []string{"error"}, obs.results["broken"])
}

func TestLockedJobIsSkipped(t *testing.T) {
	locker := newRedisLocker(t)
	obs := &runLog{}
	s := NewScheduler(locker, time.Minute, obs)
	ctx := context.Background()

	ran := false
	require.NoError(t, s.Add(Job{Name: "sweep", Run: func(context.Context) error { ran = true; return nil }}))

	err := locker.WithLock(ctx, "job:sweep", time.Minute, func(ctx context.Context) error {
		return s.RunNow(ctx, "sweep")
	})
	assert.ErrorIs(t, err, storage.ErrLockHeld)
	assert.False(t, ran)
	assert.Equal(t, []string{"skipped"}, obs.results["sweep"])
}

func TestLockFailureIsReportedAsError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	obs := &runLog{}
	s := NewScheduler(storage.NewRedisClientWithClient(client, "test:"), time.Minute, obs)

	ran := false
	require.NoError(t, s.Add(Job{Name: "sweep", Run: func(context.Context) error { ran = true; return nil }}))
	mr.Close()

	err := s.RunNow(context.Background(), "sweep")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrLockHeld)
	assert.False(t, ran)
	assert.Equal(t, []string{"error"}, obs.results["sweep"])
}

func TestAddValidates(t *testing.T) {
	s := NewScheduler(nil, time.Minute, nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Name: "bad", Spec: "not a spec", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "good", Spec: "*/5 * * * *", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "good", Run: noop}), "duplicate names are rejected")
	assert.Error(t, s.Add(Job{Spec: "* * * * *", Run: noop}))

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestRegistryJobsExpireAndReconcile(t *testing.T) {
	database, err := db.Open(sqlite.Open("file::memory:"), false)
	require.NoError(t, err)
	sqlDB, err := database.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx))

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := registry.WithClock(func() time.Time { return now })
	store := registry.NewStore(database, 5*time.Second)
	manager := registry.NewManager(store, registry.DefaultRenewalCeiling, clock)
	reconciler := registry.NewReconciler(store, clock)

	require.NoError(t, database.Create(&models.User{Email: "owner@example.com"}).Error)
	tag := &models.Tag{Code: "AB12CD34", Status: models.TagClaimed, CreatedByID: 1}
	require.NoError(t, database.Create(tag).Error)
	lapsed := now.AddDate(0, 0, -1)
	for i := 0; i < 2; i++ {
		sub := &models.Subscription{UserID: 1, TagID: &tag.ID, Type: models.SubscriptionTypeTag}
		sub.Status = models.SubscriptionActive
		sub.Amount = decimal.RequireFromString("4.99")
		sub.Currency = "USD"
		sub.BillingPeriod = models.BillingLifetime
		sub.StartDate = now.AddDate(0, -1, 0)
		if i == 1 {
			sub.BillingPeriod = models.BillingMonthly
			sub.EndDate = &lapsed
		}
		require.NoError(t, database.Create(sub).Error)
	}

	s := NewScheduler(newRedisLocker(t), time.Minute, nil)
	for _, job := range RegistryJobs(manager, reconciler, Schedules{RenewalLookahead: 7 * 24 * time.Hour}) {
		require.NoError(t, s.Add(job))
	}

	require.NoError(t, s.RunNow(ctx, ExpirySweep))
	require.NoError(t, s.RunNow(ctx, DuplicateSweep), "an expired row is not an active duplicate")
	require.NoError(t, s.RunNow(ctx, RenewalReminders))

	var statuses []models.SubscriptionStatus
	require.NoError(t, database.Model(&models.Subscription{}).Order("id").Pluck("status", &statuses).Error)
	assert.Equal(t, []models.SubscriptionStatus{models.SubscriptionActive, models.SubscriptionExpired}, statuses)
}
