package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pettag-backend/sections/models"

	"gorm.io/gorm"
)

// ExpiryReport counts rows moved to expired by one sweep
type ExpiryReport struct {
	Subscriptions        int `json:"subscriptions"`
	PartnerSubscriptions int `json:"partnerSubscriptions"`
	Conflicts            int `json:"conflicts"`
}

// ExpireDue eagerly expires every active entitlement whose end date has
// passed. Each row is its own transaction; a row that changed under the sweep
// is skipped and picked up next time.
func (m *Manager) ExpireDue(ctx context.Context) (ExpiryReport, error) {
	var report ExpiryReport
	now := m.opts.now()

	subIDs, err := m.dueIDs(ctx, &models.Subscription{}, now)
	if err != nil {
		return report, err
	}
	for _, id := range subIDs {
		sub, err := m.mutateSubscription(ctx, id, func(_ *gorm.DB, sub *models.Subscription, _ time.Time) error {
			if !expireIfDue(&sub.Entitlement, now) {
				return errNoChange
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				report.Conflicts++
				continue
			}
			return report, err
		}
		if sub.Status != models.SubscriptionExpired {
			continue
		}
		report.Subscriptions++
		m.opts.send(ctx, m.logger, Notification{
			UserID: sub.UserID,
			Event:  NotifySubscriptionExpired,
			Data:   subscriptionData(sub.ID, models.SubscriptionTypeTag, &sub.Entitlement),
		})
	}

	psIDs, err := m.dueIDs(ctx, &models.PartnerSubscription{}, now)
	if err != nil {
		return report, err
	}
	for _, id := range psIDs {
		ps, err := m.mutatePartnerSubscription(ctx, id, func(_ *gorm.DB, ps *models.PartnerSubscription, _ time.Time) error {
			if !expireIfDue(&ps.Entitlement, now) {
				return errNoChange
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				report.Conflicts++
				continue
			}
			return report, err
		}
		if ps.Status != models.SubscriptionExpired {
			continue
		}
		report.PartnerSubscriptions++
		m.opts.send(ctx, m.logger, Notification{
			UserID: ps.Partner.OwnerID,
			Event:  NotifySubscriptionExpired,
			Data:   subscriptionData(ps.ID, models.SubscriptionTypePartner, &ps.Entitlement),
		})
	}

	m.opts.recorder.SubscriptionsExpired(models.SubscriptionTypeTag, report.Subscriptions)
	m.opts.recorder.SubscriptionsExpired(models.SubscriptionTypePartner, report.PartnerSubscriptions)
	m.logger.Info("Expiry sweep finished",
		"subscriptions", report.Subscriptions,
		"partner_subscriptions", report.PartnerSubscriptions,
		"conflicts", report.Conflicts)
	return report, nil
}

func (m *Manager) dueIDs(ctx context.Context, model any, now time.Time) ([]uint, error) {
	handle, cancel := m.store.reader(ctx)
	defer cancel()
	var ids []uint
	err := handle.Model(model).
		Where("status = ? AND end_date IS NOT NULL AND end_date < ?", models.SubscriptionActive, now).
		Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find expired rows: %w", err)
	}
	return ids, nil
}

// RenewalCandidates are the entitlements whose period ends inside a lookahead window
type RenewalCandidates struct {
	Subscriptions        []models.Subscription
	PartnerSubscriptions []models.PartnerSubscription
}

// DueForRenewal lists active auto-renewing rows ending within lookahead of now
func (m *Manager) DueForRenewal(ctx context.Context, lookahead time.Duration) (*RenewalCandidates, error) {
	handle, cancel := m.store.reader(ctx)
	defer cancel()

	now := m.opts.now()
	until := now.Add(lookahead)
	where := "status = ? AND auto_renew = ? AND end_date IS NOT NULL AND end_date >= ? AND end_date <= ?"

	out := &RenewalCandidates{}
	if err := handle.Where(where, models.SubscriptionActive, true, now, until).
		Order("end_date ASC").Find(&out.Subscriptions).Error; err != nil {
		return nil, fmt.Errorf("failed to load renewal candidates: %w", err)
	}
	if err := handle.Preload("Partner").
		Where(where+" AND admin_approved = ?", models.SubscriptionActive, true, now, until, true).
		Order("end_date ASC").Find(&out.PartnerSubscriptions).Error; err != nil {
		return nil, fmt.Errorf("failed to load partner renewal candidates: %w", err)
	}
	return out, nil
}

// RemindRenewals notifies the holder of every entitlement due for renewal
func (m *Manager) RemindRenewals(ctx context.Context, lookahead time.Duration) (int, error) {
	due, err := m.DueForRenewal(ctx, lookahead)
	if err != nil {
		return 0, err
	}
	for i := range due.Subscriptions {
		sub := &due.Subscriptions[i]
		m.opts.send(ctx, m.logger, Notification{
			UserID: sub.UserID,
			Event:  NotifyRenewalDue,
			Data:   subscriptionData(sub.ID, models.SubscriptionTypeTag, &sub.Entitlement),
		})
	}
	for i := range due.PartnerSubscriptions {
		ps := &due.PartnerSubscriptions[i]
		m.opts.send(ctx, m.logger, Notification{
			UserID: ps.Partner.OwnerID,
			Event:  NotifyRenewalDue,
			Data:   subscriptionData(ps.ID, models.SubscriptionTypePartner, &ps.Entitlement),
		})
	}
	n := len(due.Subscriptions) + len(due.PartnerSubscriptions)
	m.logger.Info("Renewal reminders sent", "count", n, "lookahead", lookahead)
	return n, nil
}
