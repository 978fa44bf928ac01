package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pettag-backend/sections/models"

	"gorm.io/gorm"
)

// DefaultRenewalCeiling is how many failed renewals an entitlement survives before expiring
const DefaultRenewalCeiling = 3

// transitions is the status table shared by tag and partner subscriptions.
// active -> active is a renewal.
var transitions = map[models.SubscriptionStatus][]models.SubscriptionStatus{
	models.SubscriptionPending:   {models.SubscriptionActive, models.SubscriptionCancelled},
	models.SubscriptionActive:    {models.SubscriptionActive, models.SubscriptionCancelled, models.SubscriptionExpired},
	models.SubscriptionExpired:   {models.SubscriptionCancelled},
	models.SubscriptionCancelled: {},
}

// errNoChange tells the mutate helpers to skip the write
var errNoChange = errors.New("no change")

func canTransition(from, to models.SubscriptionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(e *models.Entitlement, to models.SubscriptionStatus) error {
	if !canTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	return nil
}

func requestCancellation(e *models.Entitlement) error {
	if e.Status != models.SubscriptionActive || e.CancellationRequested {
		return fmt.Errorf("%w: cancellation can only be requested once on an active subscription", ErrInvalidTransition)
	}
	e.CancellationRequested = true
	e.AutoRenew = false
	return nil
}

func reactivateAutoRenew(e *models.Entitlement) error {
	if e.Status != models.SubscriptionActive || !e.CancellationRequested {
		return fmt.Errorf("%w: auto-renew can only be restored after a cancellation request", ErrInvalidTransition)
	}
	e.CancellationRequested = false
	e.AutoRenew = true
	return nil
}

func cancelNow(e *models.Entitlement, now time.Time) error {
	if e.Status == models.SubscriptionCancelled {
		return errNoChange
	}
	if err := transition(e, models.SubscriptionCancelled); err != nil {
		return err
	}
	e.AutoRenew = false
	e.CancelledAt = &now
	return nil
}

// renew extends an active entitlement. newEnd defaults to one billing period
// after the later of the current end and now.
func renew(e *models.Entitlement, newEnd *time.Time, now time.Time) error {
	if e.Status != models.SubscriptionActive {
		return fmt.Errorf("%w: only active subscriptions renew, this one is %s", ErrInvalidTransition, e.Status)
	}
	if newEnd == nil {
		from := now
		if e.EndDate != nil && e.EndDate.After(now) {
			from = *e.EndDate
		}
		newEnd = e.BillingPeriod.EndFrom(from)
	}
	e.EndDate = newEnd
	e.CancellationRequested = false
	e.AutoRenew = e.BillingPeriod.Recurring()
	e.RenewalAttempts = 0
	e.RenewalFailureReason = nil
	return nil
}

// recordRenewalFailure counts a failed renewal and expires the entitlement at the ceiling
func recordRenewalFailure(e *models.Entitlement, reason string, now time.Time, ceiling int) (expired bool, err error) {
	if e.Status != models.SubscriptionActive {
		return false, fmt.Errorf("%w: renewal failures apply to active subscriptions only", ErrInvalidTransition)
	}
	e.RenewalAttempts++
	e.LastRenewalAttempt = &now
	e.RenewalFailureReason = &reason
	if ceiling > 0 && e.RenewalAttempts >= ceiling {
		e.Status = models.SubscriptionExpired
		e.AutoRenew = false
		return true, nil
	}
	return false, nil
}

func expireIfDue(e *models.Entitlement, now time.Time) bool {
	if e.Status != models.SubscriptionActive || e.EndDate == nil || !e.EndDate.Before(now) {
		return false
	}
	e.Status = models.SubscriptionExpired
	e.AutoRenew = false
	return true
}

func approve(ps *models.PartnerSubscription, adminID uint, now time.Time) error {
	if ps.Status != models.SubscriptionPending {
		return fmt.Errorf("%w: only pending partner subscriptions can be approved", ErrInvalidTransition)
	}
	if err := transition(&ps.Entitlement, models.SubscriptionActive); err != nil {
		return err
	}
	ps.AdminApproved = true
	ps.ApproverID = &adminID
	ps.ApprovedAt = &now
	ps.RejectionReason = nil
	// the paid period starts at approval, not at payment
	ps.StartDate = now
	ps.EndDate = ps.BillingPeriod.EndFrom(now)
	ps.AutoRenew = ps.BillingPeriod.Recurring()
	return nil
}

func reject(ps *models.PartnerSubscription, adminID uint, reason string, now time.Time) error {
	if ps.Status != models.SubscriptionPending {
		return fmt.Errorf("%w: only pending partner subscriptions can be rejected", ErrInvalidTransition)
	}
	if err := transition(&ps.Entitlement, models.SubscriptionCancelled); err != nil {
		return err
	}
	ps.ApproverID = &adminID
	ps.RejectionReason = &reason
	ps.CancelledAt = &now
	ps.AutoRenew = false
	return nil
}

// Manager owns the subscription state machines
type Manager struct {
	store   *Store
	ceiling int
	opts    options
	logger  *slog.Logger
}

// NewManager builds a lifecycle manager. A non-positive ceiling uses DefaultRenewalCeiling.
func NewManager(store *Store, renewalCeiling int, opts ...Option) *Manager {
	if renewalCeiling <= 0 {
		renewalCeiling = DefaultRenewalCeiling
	}
	return &Manager{
		store:   store,
		ceiling: renewalCeiling,
		opts:    buildOptions(opts),
		logger:  slog.With("service", "SubscriptionLifecycle"),
	}
}

// Now returns the manager's clock
func (m *Manager) Now() time.Time {
	return m.opts.now()
}

func (m *Manager) mutateSubscription(ctx context.Context, id uint, fn func(tx *gorm.DB, sub *models.Subscription, now time.Time) error) (*models.Subscription, error) {
	var sub models.Subscription
	now := m.opts.now()
	err := m.store.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&sub, id).Error; err != nil {
			return notFound(err, fmt.Sprintf("subscription %d", id))
		}
		if err := fn(tx, &sub, now); err != nil {
			if errors.Is(err, errNoChange) {
				return nil
			}
			return err
		}
		return saveSubscription(tx, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (m *Manager) mutatePartnerSubscription(ctx context.Context, id uint, fn func(tx *gorm.DB, ps *models.PartnerSubscription, now time.Time) error) (*models.PartnerSubscription, error) {
	var ps models.PartnerSubscription
	now := m.opts.now()
	err := m.store.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Preload("Partner").First(&ps, id).Error; err != nil {
			return notFound(err, fmt.Sprintf("partner subscription %d", id))
		}
		if err := fn(tx, &ps, now); err != nil {
			if errors.Is(err, errNoChange) {
				return nil
			}
			return err
		}
		return savePartnerSubscription(tx, &ps)
	})
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

func subscriptionData(id uint, kind models.SubscriptionType, e *models.Entitlement) map[string]string {
	data := map[string]string{
		"subscription_id":   strconv.FormatUint(uint64(id), 10),
		"subscription_kind": string(kind),
		"status":            string(e.Status),
	}
	if e.EndDate != nil {
		data["end_date"] = e.EndDate.Format(time.RFC3339)
	}
	return data
}

// ApprovePartnerSubscription activates a pending partner subscription
func (m *Manager) ApprovePartnerSubscription(ctx context.Context, id, adminID uint) (*models.PartnerSubscription, error) {
	ps, err := m.mutatePartnerSubscription(ctx, id, func(_ *gorm.DB, ps *models.PartnerSubscription, now time.Time) error {
		return approve(ps, adminID, now)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Partner subscription approved", "id", id, "partner_id", ps.PartnerID, "admin_id", adminID)
	m.opts.send(ctx, m.logger, Notification{
		UserID: ps.Partner.OwnerID,
		Event:  NotifyPartnerApproved,
		Data:   subscriptionData(ps.ID, models.SubscriptionTypePartner, &ps.Entitlement),
	})
	return ps, nil
}

// RejectPartnerSubscription cancels a pending partner subscription with a reason
func (m *Manager) RejectPartnerSubscription(ctx context.Context, id, adminID uint, reason string) (*models.PartnerSubscription, error) {
	ps, err := m.mutatePartnerSubscription(ctx, id, func(_ *gorm.DB, ps *models.PartnerSubscription, now time.Time) error {
		return reject(ps, adminID, reason, now)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Partner subscription rejected", "id", id, "partner_id", ps.PartnerID, "admin_id", adminID, "reason", reason)
	data := subscriptionData(ps.ID, models.SubscriptionTypePartner, &ps.Entitlement)
	data["reason"] = reason
	m.opts.send(ctx, m.logger, Notification{UserID: ps.Partner.OwnerID, Event: NotifyPartnerRejected, Data: data})
	return ps, nil
}

// CancelPartnerSubscription cancels immediately, bypassing the grace period
func (m *Manager) CancelPartnerSubscription(ctx context.Context, id, adminID uint) (*models.PartnerSubscription, error) {
	ps, err := m.mutatePartnerSubscription(ctx, id, func(_ *gorm.DB, ps *models.PartnerSubscription, now time.Time) error {
		return cancelNow(&ps.Entitlement, now)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Partner subscription cancelled", "id", id, "admin_id", adminID)
	m.opts.send(ctx, m.logger, Notification{
		UserID: ps.Partner.OwnerID,
		Event:  NotifySubscriptionCanceled,
		Data:   subscriptionData(ps.ID, models.SubscriptionTypePartner, &ps.Entitlement),
	})
	return ps, nil
}

// CancelSubscription cancels a tag subscription immediately
func (m *Manager) CancelSubscription(ctx context.Context, id, adminID uint) (*models.Subscription, error) {
	sub, err := m.mutateSubscription(ctx, id, func(_ *gorm.DB, sub *models.Subscription, now time.Time) error {
		return cancelNow(&sub.Entitlement, now)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Subscription cancelled", "id", id, "admin_id", adminID)
	m.opts.send(ctx, m.logger, Notification{
		UserID: sub.UserID,
		Event:  NotifySubscriptionCanceled,
		Data:   subscriptionData(sub.ID, models.SubscriptionTypeTag, &sub.Entitlement),
	})
	return sub, nil
}

func ownsSubscription(sub *models.Subscription, userID uint) error {
	if sub.UserID != userID {
		return fmt.Errorf("%w: subscription %d belongs to another user", ErrForbidden, sub.ID)
	}
	return nil
}

func canManagePartnerSubscription(tx *gorm.DB, ps *models.PartnerSubscription, userID uint) error {
	snap, err := loadPartnerSnapshot(tx, ps.PartnerID)
	if err != nil {
		return err
	}
	if !UserHasAccess(snap, userID) {
		return fmt.Errorf("%w: user %d cannot manage partner %d", ErrForbidden, userID, ps.PartnerID)
	}
	return nil
}

// RequestCancellation stops auto-renew while keeping the subscription usable until its end date
func (m *Manager) RequestCancellation(ctx context.Context, id, userID uint) (*models.Subscription, error) {
	return m.mutateSubscription(ctx, id, func(_ *gorm.DB, sub *models.Subscription, _ time.Time) error {
		if err := ownsSubscription(sub, userID); err != nil {
			return err
		}
		return requestCancellation(&sub.Entitlement)
	})
}

// ReactivateAutoRenew undoes RequestCancellation
func (m *Manager) ReactivateAutoRenew(ctx context.Context, id, userID uint) (*models.Subscription, error) {
	return m.mutateSubscription(ctx, id, func(_ *gorm.DB, sub *models.Subscription, _ time.Time) error {
		if err := ownsSubscription(sub, userID); err != nil {
			return err
		}
		return reactivateAutoRenew(&sub.Entitlement)
	})
}

// RequestPartnerCancellation is RequestCancellation for partner subscriptions
func (m *Manager) RequestPartnerCancellation(ctx context.Context, id, userID uint) (*models.PartnerSubscription, error) {
	return m.mutatePartnerSubscription(ctx, id, func(tx *gorm.DB, ps *models.PartnerSubscription, _ time.Time) error {
		if err := canManagePartnerSubscription(tx, ps, userID); err != nil {
			return err
		}
		return requestCancellation(&ps.Entitlement)
	})
}

// ReactivatePartnerAutoRenew is ReactivateAutoRenew for partner subscriptions
func (m *Manager) ReactivatePartnerAutoRenew(ctx context.Context, id, userID uint) (*models.PartnerSubscription, error) {
	return m.mutatePartnerSubscription(ctx, id, func(tx *gorm.DB, ps *models.PartnerSubscription, _ time.Time) error {
		if err := canManagePartnerSubscription(tx, ps, userID); err != nil {
			return err
		}
		return reactivateAutoRenew(&ps.Entitlement)
	})
}

// RecordRenewalFailure counts a failed renewal attempt outside of a payment event
func (m *Manager) RecordRenewalFailure(ctx context.Context, kind models.SubscriptionType, id uint, reason string) (expired bool, err error) {
	switch kind {
	case models.SubscriptionTypePartner:
		_, err = m.mutatePartnerSubscription(ctx, id, func(_ *gorm.DB, ps *models.PartnerSubscription, now time.Time) error {
			var ferr error
			expired, ferr = recordRenewalFailure(&ps.Entitlement, reason, now, m.ceiling)
			return ferr
		})
	default:
		_, err = m.mutateSubscription(ctx, id, func(_ *gorm.DB, sub *models.Subscription, now time.Time) error {
			var ferr error
			expired, ferr = recordRenewalFailure(&sub.Entitlement, reason, now, m.ceiling)
			return ferr
		})
	}
	if err != nil {
		return false, err
	}
	m.logger.Warn("Renewal failed", "kind", kind, "id", id, "reason", reason, "expired", expired)
	return expired, nil
}

// Renew extends an active subscription outside of a payment event. A nil
// newEnd adds one billing period; an explicit one must lie in the future.
// Exactly one of the returned subscriptions is set.
func (m *Manager) Renew(ctx context.Context, kind models.SubscriptionType, id uint, newEnd *time.Time) (*models.Subscription, *models.PartnerSubscription, error) {
	check := func(e *models.Entitlement, now time.Time) error {
		if newEnd != nil && !newEnd.After(now) {
			return fmt.Errorf("%w: new end date %s is not in the future", ErrInvalidTransition, newEnd.Format(time.RFC3339))
		}
		return renew(e, newEnd, now)
	}

	if kind == models.SubscriptionTypePartner {
		ps, err := m.mutatePartnerSubscription(ctx, id, func(_ *gorm.DB, ps *models.PartnerSubscription, now time.Time) error {
			return check(&ps.Entitlement, now)
		})
		if err != nil {
			return nil, nil, err
		}
		m.logger.Info("Partner subscription renewed", "id", id, "end_date", ps.EndDate)
		return nil, ps, nil
	}

	sub, err := m.mutateSubscription(ctx, id, func(_ *gorm.DB, sub *models.Subscription, now time.Time) error {
		return check(&sub.Entitlement, now)
	})
	if err != nil {
		return nil, nil, err
	}
	m.logger.Info("Subscription renewed", "id", id, "end_date", sub.EndDate)
	return sub, nil, nil
}

// renewInTx renews the subscription identified by kind and id inside tx. It is
// how a renewal payment extends an entitlement.
func (m *Manager) renewInTx(tx *gorm.DB, kind models.SubscriptionType, id uint, now time.Time) (*models.Subscription, *models.PartnerSubscription, error) {
	if kind == models.SubscriptionTypePartner {
		var ps models.PartnerSubscription
		if err := tx.First(&ps, id).Error; err != nil {
			return nil, nil, err
		}
		if err := renew(&ps.Entitlement, nil, now); err != nil {
			return nil, nil, err
		}
		return nil, &ps, savePartnerSubscription(tx, &ps)
	}

	var sub models.Subscription
	if err := tx.First(&sub, id).Error; err != nil {
		return nil, nil, err
	}
	if err := renew(&sub.Entitlement, nil, now); err != nil {
		return nil, nil, err
	}
	return &sub, nil, saveSubscription(tx, &sub)
}

// failRenewalInTx records a failed renewal payment against the subscription
func (m *Manager) failRenewalInTx(tx *gorm.DB, kind models.SubscriptionType, id uint, reason string, now time.Time) error {
	if kind == models.SubscriptionTypePartner {
		var ps models.PartnerSubscription
		if err := tx.First(&ps, id).Error; err != nil {
			return notFound(err, fmt.Sprintf("partner subscription %d", id))
		}
		if _, err := recordRenewalFailure(&ps.Entitlement, reason, now, m.ceiling); err != nil {
			return err
		}
		return savePartnerSubscription(tx, &ps)
	}

	var sub models.Subscription
	if err := tx.First(&sub, id).Error; err != nil {
		return notFound(err, fmt.Sprintf("subscription %d", id))
	}
	if _, err := recordRenewalFailure(&sub.Entitlement, reason, now, m.ceiling); err != nil {
		return err
	}
	return saveSubscription(tx, &sub)
}
