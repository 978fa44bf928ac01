package registry

import (
	"context"
	"testing"
	"time"

	"pettag-backend/sections/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to models.SubscriptionStatus
		want     bool
	}{
		{models.SubscriptionPending, models.SubscriptionActive, true},
		{models.SubscriptionPending, models.SubscriptionCancelled, true},
		{models.SubscriptionPending, models.SubscriptionExpired, false},
		{models.SubscriptionActive, models.SubscriptionActive, true},
		{models.SubscriptionActive, models.SubscriptionExpired, true},
		{models.SubscriptionActive, models.SubscriptionPending, false},
		{models.SubscriptionExpired, models.SubscriptionActive, false},
		{models.SubscriptionExpired, models.SubscriptionCancelled, true},
		{models.SubscriptionCancelled, models.SubscriptionActive, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func activeEntitlement(end *time.Time) models.Entitlement {
	return models.Entitlement{
		Status:        models.SubscriptionActive,
		BillingPeriod: models.BillingMonthly,
		StartDate:     t0,
		EndDate:       end,
		AutoRenew:     true,
	}
}

func TestRequestCancellationAndReactivate(t *testing.T) {
	e := activeEntitlement(timePtr(t0.AddDate(0, 0, 10)))

	require.NoError(t, requestCancellation(&e))
	assert.True(t, e.CancellationRequested)
	assert.False(t, e.AutoRenew)
	assert.Equal(t, models.SubscriptionActive, e.Status)
	assert.ErrorIs(t, requestCancellation(&e), ErrInvalidTransition)

	require.NoError(t, reactivateAutoRenew(&e))
	assert.False(t, e.CancellationRequested)
	assert.True(t, e.AutoRenew)
	assert.ErrorIs(t, reactivateAutoRenew(&e), ErrInvalidTransition)

	pending := models.Entitlement{Status: models.SubscriptionPending}
	assert.ErrorIs(t, requestCancellation(&pending), ErrInvalidTransition)
}

func TestRenewDefaultsFromLaterOfEndAndNow(t *testing.T) {
	future := t0.AddDate(0, 0, 3)
	e := activeEntitlement(&future)
	e.CancellationRequested = true
	e.RenewalAttempts = 2
	reason := "card_declined"
	e.RenewalFailureReason = &reason

	require.NoError(t, renew(&e, nil, t0))
	assert.True(t, e.EndDate.Equal(future.AddDate(0, 0, 30)))
	assert.False(t, e.CancellationRequested)
	assert.Zero(t, e.RenewalAttempts)
	assert.Nil(t, e.RenewalFailureReason)

	past := t0.AddDate(0, 0, -3)
	lapsed := activeEntitlement(&past)
	require.NoError(t, renew(&lapsed, nil, t0))
	assert.True(t, lapsed.EndDate.Equal(t0.AddDate(0, 0, 30)))

	explicit := t0.AddDate(1, 0, 0)
	require.NoError(t, renew(&lapsed, &explicit, t0))
	assert.True(t, lapsed.EndDate.Equal(explicit))

	cancelled := models.Entitlement{Status: models.SubscriptionCancelled}
	assert.ErrorIs(t, renew(&cancelled, nil, t0), ErrInvalidTransition)
}

func TestRecordRenewalFailureCeiling(t *testing.T) {
	e := activeEntitlement(timePtr(t0.AddDate(0, 0, 1)))
	for i := 1; i < 3; i++ {
		expired, err := recordRenewalFailure(&e, "insufficient_funds", t0, 3)
		require.NoError(t, err)
		assert.False(t, expired)
		assert.Equal(t, i, e.RenewalAttempts)
		assert.Equal(t, models.SubscriptionActive, e.Status)
	}
	expired, err := recordRenewalFailure(&e, "insufficient_funds", t0, 3)
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, models.SubscriptionExpired, e.Status)
	require.NotNil(t, e.LastRenewalAttempt)
	assert.True(t, e.LastRenewalAttempt.Equal(t0))
}

func TestCancelNow(t *testing.T) {
	for _, status := range []models.SubscriptionStatus{models.SubscriptionPending, models.SubscriptionActive, models.SubscriptionExpired} {
		e := models.Entitlement{Status: status, AutoRenew: true}
		require.NoError(t, cancelNow(&e, t0), status)
		assert.Equal(t, models.SubscriptionCancelled, e.Status)
		assert.False(t, e.AutoRenew)
		require.NotNil(t, e.CancelledAt)
	}
	cancelled := models.Entitlement{Status: models.SubscriptionCancelled}
	assert.ErrorIs(t, cancelNow(&cancelled, t0), errNoChange)
}

func TestCancellationGracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 42)
	tag := f.tag(t, "AB12CD34", models.TagClaimed, nil)
	end := t0.AddDate(0, 0, 10)
	sub := f.subscription(t, 42, tag.ID, t0.AddDate(0, 0, -20), &end)

	updated, err := f.manager.RequestCancellation(ctx, sub.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, updated.Status)
	assert.True(t, updated.IsActive(f.clock.Now()))
	assert.True(t, updated.IsActive(end))
	assert.False(t, updated.IsActive(end.Add(time.Second)))

	_, err = f.manager.RequestCancellation(ctx, sub.ID, 7)
	assert.ErrorIs(t, err, ErrForbidden)

	f.clock.Advance(9 * 24 * time.Hour)
	report, err := f.manager.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Subscriptions)

	f.clock.Advance(2 * 24 * time.Hour)
	report, err = f.manager.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Subscriptions)

	stored, err := f.store.SubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionExpired, stored.Status)
	assert.Contains(t, f.notifier.events(), NotifySubscriptionExpired)
	assert.Equal(t, 1, f.recorder.expired[models.SubscriptionTypeTag])
}

func TestExpireDueSkipsLifetimeAndPartnerRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 1)
	f.user(t, 42)
	tag := f.tag(t, "AB12CD34", models.TagClaimed, nil)
	f.subscription(t, 42, tag.ID, t0, nil)
	_, ps := f.partner(t, 1, 0, true)

	f.clock.Advance(400 * 24 * time.Hour)
	report, err := f.manager.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Subscriptions)
	assert.Equal(t, 1, report.PartnerSubscriptions)

	stored, err := f.store.PartnerSubscriptionByID(ctx, ps.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionExpired, stored.Status)
}

func TestApproveAndRejectPartnerSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 1)
	_, pending := f.partner(t, 1, 5, false)
	_, other := f.partner(t, 1, 5, false)

	approved, err := f.manager.ApprovePartnerSubscription(ctx, pending.ID, 99)
	require.NoError(t, err)
	assert.True(t, approved.AdminApproved)
	require.NotNil(t, approved.ApproverID)
	assert.Equal(t, uint(99), *approved.ApproverID)
	require.NotNil(t, approved.ApprovedAt)
	assert.True(t, approved.IsActive(f.clock.Now()))

	_, err = f.manager.ApprovePartnerSubscription(ctx, pending.ID, 99)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rejected, err := f.manager.RejectPartnerSubscription(ctx, other.ID, 99, "incomplete business details")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, rejected.Status)
	assert.False(t, rejected.AdminApproved)
	require.NotNil(t, rejected.RejectionReason)

	assert.Equal(t, []string{NotifyPartnerApproved, NotifyPartnerRejected}, f.notifier.events())
}

func TestCancelImmediatelyBypassesGracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 42)
	tag := f.tag(t, "AB12CD34", models.TagClaimed, nil)
	sub := f.subscription(t, 42, tag.ID, t0, timePtr(t0.AddDate(0, 0, 20)))

	cancelled, err := f.manager.CancelSubscription(ctx, sub.ID, 99)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, cancelled.Status)
	assert.False(t, cancelled.IsActive(f.clock.Now()))

	again, err := f.manager.CancelSubscription(ctx, sub.ID, 99)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)
}

func TestRenewWithExplicitEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 42)
	tag := f.tag(t, "AB12CD34", models.TagClaimed, nil)
	sub := f.subscription(t, 42, tag.ID, t0, timePtr(t0.AddDate(0, 0, 5)))

	_, _, err := f.manager.Renew(ctx, models.SubscriptionTypeTag, sub.ID, timePtr(t0.Add(-time.Minute)))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	newEnd := t0.AddDate(0, 3, 0)
	renewed, ps, err := f.manager.Renew(ctx, models.SubscriptionTypeTag, sub.ID, &newEnd)
	require.NoError(t, err)
	assert.Nil(t, ps)
	require.NotNil(t, renewed.EndDate)
	assert.True(t, newEnd.Equal(*renewed.EndDate))
	assert.Greater(t, renewed.Version, sub.Version)

	f.user(t, 7)
	_, partnerSub := f.partner(t, 7, 3, true)
	_, ps, err = f.manager.Renew(ctx, models.SubscriptionTypePartner, partnerSub.ID, nil)
	require.NoError(t, err)
	assert.True(t, models.BillingMonthly.EndFrom(*partnerSub.EndDate).Equal(*ps.EndDate))

	_, _, err = f.manager.Renew(ctx, models.SubscriptionTypeTag, 9999, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaleWriteIsConcurrencyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 42)
	tag := f.tag(t, "AB12CD34", models.TagClaimed, nil)
	sub := f.subscription(t, 42, tag.ID, t0, timePtr(t0.AddDate(0, 0, 20)))

	stale, err := f.store.SubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)

	_, err = f.manager.CancelSubscription(ctx, sub.ID, 99)
	require.NoError(t, err)

	require.NoError(t, requestCancellation(&stale.Entitlement))
	err = f.store.InTx(ctx, func(tx *gorm.DB) error {
		return saveSubscription(tx, stale)
	})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	stored, err := f.store.SubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, stored.Status)
}

func TestRemindRenewals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, 1)
	f.user(t, 42)
	soon := f.tag(t, "SOON2345", models.TagClaimed, nil)
	later := f.tag(t, "LATER234", models.TagClaimed, nil)
	f.subscription(t, 42, soon.ID, t0, timePtr(t0.AddDate(0, 0, 3)))
	f.subscription(t, 42, later.ID, t0, timePtr(t0.AddDate(0, 0, 20)))
	f.partner(t, 1, 0, true)

	due, err := f.manager.DueForRenewal(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, due.Subscriptions, 1)
	assert.Empty(t, due.PartnerSubscriptions)

	n, err := f.manager.RemindRenewals(ctx, 31*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{NotifyRenewalDue, NotifyRenewalDue, NotifyRenewalDue}, f.notifier.events())
}
