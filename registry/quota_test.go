package registry

import (
	"testing"
	"time"

	"pettag-backend/sections/models"

	"github.com/stretchr/testify/assert"
)

var quotaNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func activePartnerSub(maxTags int) models.PartnerSubscription {
	end := quotaNow.AddDate(0, 0, 30)
	return models.PartnerSubscription{
		AdminApproved: true,
		MaxTags:       maxTags,
		Entitlement: models.Entitlement{
			Status:    models.SubscriptionActive,
			StartDate: quotaNow.AddDate(0, 0, -1),
			EndDate:   &end,
		},
	}
}

func snapshot(tagCount int64, subs ...models.PartnerSubscription) *PartnerSnapshot {
	snap := &PartnerSnapshot{Subscriptions: subs, TagCount: tagCount}
	snap.Partner.ID = 7
	snap.Partner.OwnerID = 1
	snap.MemberIDs = []uint{2}
	return snap
}

func TestPartnerCanCreateTagBoundary(t *testing.T) {
	tests := []struct {
		name     string
		maxTags  int
		tagCount int64
		want     bool
	}{
		{"at limit", 3, 3, false},
		{"below limit", 3, 2, true},
		{"unlimited empty", 0, 0, true},
		{"unlimited large", 0, 10000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PartnerCanCreateTag(snapshot(tt.tagCount, activePartnerSub(tt.maxTags)), quotaNow))
		})
	}
}

func TestPartnerCanCreateTagRequiresEntitlement(t *testing.T) {
	unapproved := activePartnerSub(0)
	unapproved.AdminApproved = false
	assert.False(t, PartnerCanCreateTag(snapshot(0, unapproved), quotaNow))

	pending := activePartnerSub(0)
	pending.Status = models.SubscriptionPending
	assert.False(t, PartnerCanCreateTag(snapshot(0, pending), quotaNow))

	lapsed := activePartnerSub(0)
	past := quotaNow.Add(-time.Minute)
	lapsed.EndDate = &past
	assert.False(t, PartnerCanCreateTag(snapshot(0, lapsed), quotaNow))

	assert.False(t, PartnerCanCreateTag(snapshot(0), quotaNow))
	assert.False(t, PartnerCanCreateTag(nil, quotaNow))
}

func TestEffectiveTagLimitMostPermissive(t *testing.T) {
	limit, ok := EffectiveTagLimit(snapshot(0, activePartnerSub(3), activePartnerSub(10)), quotaNow)
	assert.True(t, ok)
	assert.Equal(t, 10, limit)

	limit, ok = EffectiveTagLimit(snapshot(0, activePartnerSub(3), activePartnerSub(0)), quotaNow)
	assert.True(t, ok)
	assert.Equal(t, 0, limit)
}

func TestPartnerCanActivateTag(t *testing.T) {
	partnerID := uint(7)
	other := uint(8)
	snap := snapshot(1, activePartnerSub(5))

	assert.True(t, PartnerCanActivateTag(&models.Tag{PartnerID: &partnerID}, snap, quotaNow))
	assert.False(t, PartnerCanActivateTag(&models.Tag{PartnerID: &other}, snap, quotaNow))
	assert.False(t, PartnerCanActivateTag(&models.Tag{}, snap, quotaNow))
	assert.False(t, PartnerCanActivateTag(&models.Tag{PartnerID: &partnerID}, snapshot(1), quotaNow))
}

func TestPartnerVetted(t *testing.T) {
	admin := uint(9)
	approved := activePartnerSub(3)
	approved.ApproverID = &admin

	selfApproved := activePartnerSub(3)

	rejected := activePartnerSub(3)
	rejected.AdminApproved = false
	rejected.ApproverID = &admin
	rejected.Status = models.SubscriptionCancelled

	revoked := approved
	revoked.Status = models.SubscriptionCancelled

	lapsed := approved
	lapsed.Status = models.SubscriptionExpired

	assert.False(t, PartnerVetted(nil))
	assert.False(t, PartnerVetted(snapshot(0)))
	assert.True(t, PartnerVetted(snapshot(0, approved)))
	assert.True(t, PartnerVetted(snapshot(0, lapsed)), "an expired approval still vouches for the partner")
	assert.False(t, PartnerVetted(snapshot(0, selfApproved)), "approval without an approver")
	assert.False(t, PartnerVetted(snapshot(0, rejected)))
	assert.False(t, PartnerVetted(snapshot(0, revoked)))
	assert.True(t, PartnerVetted(snapshot(0, rejected, approved)))
}

func TestUserHasAccess(t *testing.T) {
	snap := snapshot(0)
	assert.True(t, UserHasAccess(snap, 1), "owner")
	assert.True(t, UserHasAccess(snap, 2), "member")
	assert.False(t, UserHasAccess(snap, 3))
	assert.False(t, UserHasAccess(snap, 0))
}

func TestTagHasActiveSubscription(t *testing.T) {
	end := quotaNow.Add(time.Hour)
	active := models.Subscription{Type: models.SubscriptionTypeTag}
	active.Status = models.SubscriptionActive
	active.EndDate = &end

	cancelled := active
	cancelled.Status = models.SubscriptionCancelled

	assert.True(t, TagHasActiveSubscription([]models.Subscription{cancelled, active}, quotaNow))
	assert.False(t, TagHasActiveSubscription([]models.Subscription{cancelled}, quotaNow))
	assert.False(t, TagHasActiveSubscription([]models.Subscription{active}, end.Add(time.Second)))

	lifetime := active
	lifetime.EndDate = nil
	assert.True(t, TagHasActiveSubscription([]models.Subscription{lifetime}, quotaNow.AddDate(50, 0, 0)))
}

func TestUserCanManageTag(t *testing.T) {
	partnerID := uint(7)
	owner := uint(42)
	snap := snapshot(0)

	assert.True(t, UserCanManageTag(&models.Tag{OwnerID: &owner}, nil, 42))
	assert.True(t, UserCanManageTag(&models.Tag{PartnerID: &partnerID}, snap, 2))
	assert.False(t, UserCanManageTag(&models.Tag{PartnerID: &partnerID}, snap, 42))
}
