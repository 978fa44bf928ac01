package registry

import (
	"time"

	"pettag-backend/sections/models"
)

// PartnerSnapshot is a consistent in-memory view of a partner read inside one transaction
type PartnerSnapshot struct {
	Partner       models.Partner
	MemberIDs     []uint
	Subscriptions []models.PartnerSubscription
	TagCount      int64
}

// PartnerHasActiveSubscription reports whether any subscription in the snapshot grants access at now
func PartnerHasActiveSubscription(snap *PartnerSnapshot, now time.Time) bool {
	_, ok := EffectiveTagLimit(snap, now)
	return ok
}

// EffectiveTagLimit returns the tag limit granted by the partner's active
// subscriptions. When several are active the most permissive wins and 0 means
// unlimited. ok is false when no subscription is active.
func EffectiveTagLimit(snap *PartnerSnapshot, now time.Time) (limit int, ok bool) {
	if snap == nil {
		return 0, false
	}
	for i := range snap.Subscriptions {
		ps := &snap.Subscriptions[i]
		if !ps.IsActive(now) {
			continue
		}
		if ps.MaxTags == 0 {
			return 0, true
		}
		if !ok || ps.MaxTags > limit {
			limit = ps.MaxTags
		}
		ok = true
	}
	return limit, ok
}

// PartnerVetted reports whether an administrator approved one of the partner's
// subscriptions and that approval still stands. Rejected and cancelled rows do not count.
func PartnerVetted(snap *PartnerSnapshot) bool {
	if snap == nil {
		return false
	}
	for i := range snap.Subscriptions {
		ps := &snap.Subscriptions[i]
		if !ps.AdminApproved || ps.ApproverID == nil {
			continue
		}
		if ps.Status == models.SubscriptionActive || ps.Status == models.SubscriptionExpired {
			return true
		}
	}
	return false
}

// PartnerCanCreateTag reports whether the partner may create one more tag
func PartnerCanCreateTag(snap *PartnerSnapshot, now time.Time) bool {
	limit, ok := EffectiveTagLimit(snap, now)
	if !ok {
		return false
	}
	return limit == 0 || snap.TagCount < int64(limit)
}

// PartnerCanActivateTag reports whether tag belongs to the snapshot's partner and that partner is entitled
func PartnerCanActivateTag(tag *models.Tag, snap *PartnerSnapshot, now time.Time) bool {
	if tag == nil || tag.PartnerID == nil || snap == nil || *tag.PartnerID != snap.Partner.ID {
		return false
	}
	return PartnerHasActiveSubscription(snap, now)
}

// UserHasAccess reports whether userID owns or is a member of the partner
func UserHasAccess(snap *PartnerSnapshot, userID uint) bool {
	if snap == nil || userID == 0 {
		return false
	}
	if snap.Partner.OwnerID == userID {
		return true
	}
	for _, id := range snap.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// TagHasActiveSubscription reports whether any tag-type subscription in subs is active at now
func TagHasActiveSubscription(subs []models.Subscription, now time.Time) bool {
	for i := range subs {
		if subs[i].Type == models.SubscriptionTypeTag && subs[i].IsActive(now) {
			return true
		}
	}
	return false
}

// UserCanManageTag reports whether userID owns the tag or can act for its partner
func UserCanManageTag(tag *models.Tag, snap *PartnerSnapshot, userID uint) bool {
	if tag == nil {
		return false
	}
	if tag.OwnerID != nil && *tag.OwnerID == userID {
		return true
	}
	if tag.PartnerID != nil && snap != nil && *tag.PartnerID == snap.Partner.ID {
		return UserHasAccess(snap, userID)
	}
	return false
}
