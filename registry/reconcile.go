package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pettag-backend/common"
	"pettag-backend/db"
	"pettag-backend/sections/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Engine turns normalized payment events into payments, entitlements and tag ownership
type Engine struct {
	store     *Store
	lifecycle *Manager
	opts      options
	logger    *slog.Logger
}

// Result describes what a payment event produced
type Result struct {
	Payment             *models.Payment
	Duplicate           bool
	Subscription        *models.Subscription
	PartnerSubscription *models.PartnerSubscription
}

// NewEngine builds the reconciliation engine. Renewal payments are applied through lifecycle.
func NewEngine(store *Store, lifecycle *Manager, opts ...Option) *Engine {
	return &Engine{
		store:     store,
		lifecycle: lifecycle,
		opts:      buildOptions(opts),
		logger:    slog.With("service", "PaymentEngine"),
	}
}

// Process applies a successful payment exactly once per gateway transaction id.
//
// A repeated delivery returns a Result with Duplicate set and a nil error.
// Business failures such as a vanished tag return a *PaymentFailure together
// with the failed Payment that was kept for manual reconciliation. Any other
// error rolled everything back and the delivery may be retried.
func (e *Engine) Process(ctx context.Context, ev PaymentEvent) (*Result, error) {
	if err := ev.Validate(); err != nil {
		e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeError)
		return nil, err
	}

	now := e.opts.now()
	result := &Result{}

	err := e.store.InTx(ctx, func(tx *gorm.DB) error {
		var existing []models.Payment
		if err := tx.Where("gateway_transaction_id = ?", ev.GatewayTransactionID).Limit(1).Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to check for existing payment: %w", err)
		}
		var payment *models.Payment
		if len(existing) > 0 {
			if !existing[0].Reopenable() {
				result.Payment = &existing[0]
				return ErrDuplicateDelivery
			}
			// the gateway declined an earlier attempt of this transaction and it has now succeeded
			payment = &existing[0]
			if err := reopenDeclined(tx, payment); err != nil {
				return err
			}
		} else {
			payment = newPayment(ev, models.PaymentPending)
			if err := tx.Create(payment).Error; err != nil {
				if db.IsUniqueViolation(err) {
					return ErrDuplicateDelivery
				}
				return fmt.Errorf("failed to record payment: %w", err)
			}
		}
		result.Payment = payment

		var err error
		switch ev.PaymentType {
		case models.PaymentTypeTag:
			result.Subscription, err = e.applyTagPayment(tx, ev, now)
		case models.PaymentTypePartner:
			result.PartnerSubscription, err = e.applyPartnerPayment(tx, ev, now)
		case models.PaymentTypeRenewal:
			result.Subscription, result.PartnerSubscription, err = e.applyRenewalPayment(tx, ev, now)
		}
		if err != nil {
			return err
		}

		if result.Subscription != nil {
			payment.SubscriptionID = &result.Subscription.ID
		}
		if result.PartnerSubscription != nil {
			payment.PartnerSubscriptionID = &result.PartnerSubscription.ID
		}
		payment.Status = models.PaymentCompleted
		payment.ProcessedAt = &now
		return tx.Model(payment).Updates(map[string]any{
			"status":                  payment.Status,
			"processed_at":            payment.ProcessedAt,
			"subscription_id":         payment.SubscriptionID,
			"partner_subscription_id": payment.PartnerSubscriptionID,
		}).Error
	})

	switch {
	case err == nil:
		e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeCompleted)
		e.logger.Info("Payment processed",
			"gateway", ev.Gateway,
			"gateway_transaction_id", ev.GatewayTransactionID,
			"payment_type", ev.PaymentType,
			"user_id", ev.UserID,
			"amount", ev.Amount.StringFixed(2))
		e.notifyCompleted(ctx, ev, result)
		return result, nil

	case errors.Is(err, ErrDuplicateDelivery):
		e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeDuplicate)
		e.logger.Info("Duplicate payment delivery ignored",
			"gateway", ev.Gateway,
			"gateway_transaction_id", ev.GatewayTransactionID)
		if result.Payment == nil || result.Payment.ID == 0 {
			result.Payment, _ = e.store.PaymentByGatewayTransaction(ctx, ev.GatewayTransactionID)
		}
		return &Result{Payment: result.Payment, Duplicate: true}, nil
	}

	reason, ok := FailureReason(err)
	if !ok {
		e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeError)
		e.logger.Error("Payment processing failed",
			"gateway", ev.Gateway,
			"gateway_transaction_id", ev.GatewayTransactionID,
			"error", err)
		return nil, err
	}

	e.logger.Warn("Payment needs manual reconciliation",
		"gateway", ev.Gateway,
		"gateway_transaction_id", ev.GatewayTransactionID,
		"reason", reason,
		"user_id", ev.UserID,
		"amount", ev.Amount.StringFixed(2),
		"error", err)

	payment, rerr := e.recordFailedPayment(ctx, ev, reason, now)
	if rerr != nil {
		e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeError)
		return nil, errors.Join(err, rerr)
	}
	e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeFailed)
	e.opts.send(ctx, e.logger, Notification{
		UserID: ev.UserID,
		Event:  NotifyPaymentFailed,
		Data:   paymentData(payment),
	})
	return &Result{Payment: payment}, err
}

func newPayment(ev PaymentEvent, status models.PaymentStatus) *models.Payment {
	p := &models.Payment{
		UserID:                ev.UserID,
		Gateway:               ev.Gateway,
		GatewayTransactionID:  ev.GatewayTransactionID,
		InternalTransactionID: uuid.NewString(),
		Amount:                ev.Amount,
		Currency:              ev.Currency,
		Status:                status,
		PaymentType:           ev.PaymentType,
	}
	p.SetMetadata(ev.Metadata)
	return p
}

func paymentData(p *models.Payment) map[string]string {
	data := map[string]string{
		"payment_id":             strconv.FormatUint(uint64(p.ID), 10),
		"gateway":                string(p.Gateway),
		"gateway_transaction_id": p.GatewayTransactionID,
		"amount":                 p.Amount.StringFixed(2),
		"currency":               p.Currency,
		"status":                 string(p.Status),
	}
	if p.FailureReason != nil {
		data["reason"] = *p.FailureReason
	}
	return data
}

// reopenDeclined moves a declined payment back to pending inside tx. If the
// enclosing transaction rolls back the payment stays declined.
func reopenDeclined(tx *gorm.DB, p *models.Payment) error {
	res := tx.Model(&models.Payment{}).
		Where("id = ? AND status = ? AND declined = ?", p.ID, models.PaymentFailed, true).
		Updates(map[string]any{"status": models.PaymentPending, "declined": false, "failure_reason": nil, "processed_at": nil})
	if res.Error != nil {
		return fmt.Errorf("failed to reopen declined payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: payment %d changed while reopening it", ErrConcurrencyConflict, p.ID)
	}
	p.Status = models.PaymentPending
	p.Declined = false
	p.FailureReason = nil
	p.ProcessedAt = nil
	return nil
}

// recordFailedPayment keeps the payment as failed in its own transaction after
// the business transaction rolled back. A declined row for the same transaction
// takes the business reason instead.
func (e *Engine) recordFailedPayment(ctx context.Context, ev PaymentEvent, reason string, now time.Time) (*models.Payment, error) {
	payment := newPayment(ev, models.PaymentFailed)
	payment.FailureReason = &reason
	payment.ProcessedAt = &now

	err := e.store.InTx(ctx, func(tx *gorm.DB) error {
		var existing []models.Payment
		if err := tx.Where("gateway_transaction_id = ?", ev.GatewayTransactionID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) == 0 {
			return tx.Create(payment).Error
		}
		payment = &existing[0]
		if !payment.Reopenable() {
			return nil
		}
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ? AND declined = ?", payment.ID, models.PaymentFailed, true).
			Updates(map[string]any{"declined": false, "failure_reason": reason, "processed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			payment.Declined = false
			payment.FailureReason = &reason
			payment.ProcessedAt = &now
		}
		return nil
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return e.store.PaymentByGatewayTransaction(ctx, ev.GatewayTransactionID)
		}
		return nil, fmt.Errorf("failed to record failed payment: %w", err)
	}
	return payment, nil
}

func optionalPlan(tx *gorm.DB, id *uint) (*models.PricingPlan, error) {
	if id == nil {
		return nil, nil
	}
	plan, err := loadPricingPlan(tx, *id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return plan, err
}

// periodFor picks the billing period from the event, then the plan, then monthly
func periodFor(ev PaymentEvent, plan *models.PricingPlan) models.BillingPeriod {
	if ev.BillingPeriod.Valid() {
		return ev.BillingPeriod
	}
	if plan != nil && plan.BillingPeriod.Valid() {
		return plan.BillingPeriod
	}
	return models.BillingMonthly
}

func newEntitlement(ev PaymentEvent, plan *models.PricingPlan, status models.SubscriptionStatus, now time.Time) models.Entitlement {
	period := periodFor(ev, plan)
	return models.Entitlement{
		PricingPlanID: ev.PricingPlanID,
		Status:        status,
		Amount:        ev.Amount,
		Currency:      ev.Currency,
		BillingPeriod: period,
		StartDate:     now,
		EndDate:       period.EndFrom(now),
		AutoRenew:     period.Recurring(),
	}
}

func (e *Engine) applyTagPayment(tx *gorm.DB, ev PaymentEvent, now time.Time) (*models.Subscription, error) {
	code := common.NormalizeTagCode(ev.ClaimingTagCode)

	var tag models.Tag
	if err := tx.Where("code = ?", code).First(&tag).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, failure(ReasonTagNotFound, fmt.Errorf("%w: tag %s", ErrReferentialIntegrity, code))
		}
		return nil, fmt.Errorf("failed to load tag: %w", err)
	}

	// a returning owner re-subscribes an already claimed tag without a new claim
	alreadyOwned := tag.OwnerID != nil && *tag.OwnerID == ev.UserID
	if !alreadyOwned {
		if err := claimTag(tx, &tag, ev.UserID, now); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				return nil, failure(ReasonTagUnavailable, err)
			}
			return nil, err
		}
	}

	exists, err := activeSubscriptionExists(tx, ev.UserID, tag.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, failure(ReasonDuplicateActive, fmt.Errorf("%w: user %d already has an active subscription for tag %s", ErrConcurrencyConflict, ev.UserID, tag.Code))
	}

	plan, err := optionalPlan(tx, ev.PricingPlanID)
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		UserID:      ev.UserID,
		TagID:       &tag.ID,
		Type:        models.SubscriptionTypeTag,
		Entitlement: newEntitlement(ev, plan, models.SubscriptionActive, now),
	}
	if err := tx.Create(sub).Error; err != nil {
		if db.IsUniqueViolation(err) {
			return nil, failure(ReasonDuplicateActive, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err))
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

func (e *Engine) applyPartnerPayment(tx *gorm.DB, ev PaymentEvent, now time.Time) (*models.PartnerSubscription, error) {
	plan, err := optionalPlan(tx, ev.PricingPlanID)
	if err != nil {
		return nil, err
	}

	ps := &models.PartnerSubscription{}
	if plan != nil {
		ps.MaxTags = plan.MaxTags
	}

	if ev.PartnerID != nil {
		snap, err := loadPartnerSnapshot(tx, *ev.PartnerID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, failure(ReasonPartnerNotFound, fmt.Errorf("%w: partner %d", ErrReferentialIntegrity, *ev.PartnerID))
			}
			return nil, err
		}
		if !UserHasAccess(snap, ev.UserID) {
			return nil, failure(ReasonPartnerAccessDenied, fmt.Errorf("%w: user %d cannot pay for partner %d", ErrForbidden, ev.UserID, snap.Partner.ID))
		}
		ps.PartnerID = snap.Partner.ID
		if PartnerVetted(snap) {
			// a partner an administrator already approved renews its quota without a new review
			ps.AdminApproved = true
			ps.ApprovedAt = &now
			ps.Entitlement = newEntitlement(ev, plan, models.SubscriptionActive, now)
		} else {
			ps.Entitlement = newEntitlement(ev, plan, models.SubscriptionPending, now)
		}
	} else {
		name := ev.PartnerName
		if name == "" {
			name = fmt.Sprintf("Partner %d", ev.UserID)
		}
		partner := &models.Partner{Name: name, OwnerID: ev.UserID}
		if err := tx.Create(partner).Error; err != nil {
			return nil, fmt.Errorf("failed to create partner: %w", err)
		}
		if err := ensureMember(tx, partner.ID, ev.UserID); err != nil {
			return nil, err
		}
		ps.PartnerID = partner.ID
		ps.Entitlement = newEntitlement(ev, plan, models.SubscriptionPending, now)
	}

	if err := tx.Create(ps).Error; err != nil {
		return nil, fmt.Errorf("failed to create partner subscription: %w", err)
	}
	if err := ensureRole(tx, ev.UserID, models.RolePartner); err != nil {
		return nil, err
	}
	return ps, nil
}

func (e *Engine) applyRenewalPayment(tx *gorm.DB, ev PaymentEvent, now time.Time) (*models.Subscription, *models.PartnerSubscription, error) {
	kind := ev.SubscriptionKind
	if kind == "" {
		kind = models.SubscriptionTypeTag
	}
	sub, ps, err := e.lifecycle.renewInTx(tx, kind, *ev.SubscriptionID, now)
	switch {
	case err == nil:
		return sub, ps, nil
	case db.IsNotFound(err):
		return nil, nil, failure(ReasonSubscriptionNotFound, fmt.Errorf("%w: %s subscription %d", ErrReferentialIntegrity, kind, *ev.SubscriptionID))
	case errors.Is(err, ErrInvalidTransition):
		return nil, nil, failure(ReasonSubscriptionInactive, err)
	}
	return nil, nil, err
}

func (e *Engine) notifyCompleted(ctx context.Context, ev PaymentEvent, result *Result) {
	e.opts.send(ctx, e.logger, Notification{
		UserID: ev.UserID,
		Event:  NotifyPaymentCompleted,
		Data:   paymentData(result.Payment),
	})
	if ps := result.PartnerSubscription; ps != nil && ps.Status == models.SubscriptionPending {
		e.opts.send(ctx, e.logger, Notification{
			UserID: ev.UserID,
			Event:  NotifyPartnerPending,
			Data:   subscriptionData(ps.ID, models.SubscriptionTypePartner, &ps.Entitlement),
		})
	}
}

// ProcessFailure records a payment the gateway declined. A pending payment
// moves to failed; an unknown one is recorded as failed. Either way the row is
// marked declined so a later success for the same transaction still applies.
// Renewal declines also count against the subscription's renewal attempts.
func (e *Engine) ProcessFailure(ctx context.Context, ev PaymentEvent) (*Result, error) {
	if ev.GatewayTransactionID == "" || ev.UserID == 0 {
		return nil, fmt.Errorf("%w: declined payments need a transaction id and user", ErrInvalidEvent)
	}
	reason := ev.FailureReason
	if reason == "" {
		reason = ReasonGatewayDeclined
	}
	now := e.opts.now()
	result := &Result{}

	err := e.store.InTx(ctx, func(tx *gorm.DB) error {
		var existing []models.Payment
		if err := tx.Where("gateway_transaction_id = ?", ev.GatewayTransactionID).Limit(1).Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to check for existing payment: %w", err)
		}

		var payment *models.Payment
		if len(existing) > 0 {
			payment = &existing[0]
			if !payment.Status.CanMoveTo(models.PaymentFailed) {
				result.Payment = payment
				return ErrDuplicateDelivery
			}
			res := tx.Model(&models.Payment{}).
				Where("id = ? AND status = ?", payment.ID, models.PaymentPending).
				Updates(map[string]any{"status": models.PaymentFailed, "declined": true, "failure_reason": reason, "processed_at": now})
			if res.Error != nil {
				return fmt.Errorf("failed to mark payment failed: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: payment %d changed while failing it", ErrConcurrencyConflict, payment.ID)
			}
			payment.Status = models.PaymentFailed
			payment.Declined = true
			payment.FailureReason = &reason
			payment.ProcessedAt = &now
		} else {
			payment = newPayment(ev, models.PaymentFailed)
			payment.Declined = true
			payment.FailureReason = &reason
			payment.ProcessedAt = &now
			if err := tx.Create(payment).Error; err != nil {
				if db.IsUniqueViolation(err) {
					return ErrDuplicateDelivery
				}
				return fmt.Errorf("failed to record declined payment: %w", err)
			}
		}
		result.Payment = payment

		if ev.PaymentType == models.PaymentTypeRenewal && ev.SubscriptionID != nil {
			kind := ev.SubscriptionKind
			if kind == "" {
				kind = models.SubscriptionTypeTag
			}
			err := e.lifecycle.failRenewalInTx(tx, kind, *ev.SubscriptionID, reason, now)
			if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidTransition) {
				return err
			}
		}
		return nil
	})

	if errors.Is(err, ErrDuplicateDelivery) {
		e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeDuplicate)
		return &Result{Payment: result.Payment, Duplicate: true}, nil
	}
	if err != nil {
		e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeError)
		return nil, err
	}

	e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeDeclined)
	e.logger.Warn("Payment declined",
		"gateway", ev.Gateway,
		"gateway_transaction_id", ev.GatewayTransactionID,
		"reason", reason)
	e.opts.send(ctx, e.logger, Notification{
		UserID: ev.UserID,
		Event:  NotifyPaymentFailed,
		Data:   paymentData(result.Payment),
	})
	return result, nil
}

// RecordUnusable keeps a gateway payment whose metadata could not be read, so
// the money is never lost silently. When the metadata still names a known user
// it becomes a failed payment with ReasonMetadataInvalid; otherwise it is kept
// as an unmatched payment.
func (e *Engine) RecordUnusable(ctx context.Context, ev PaymentEvent, cause error) (*Result, error) {
	if ev.GatewayTransactionID == "" {
		return nil, fmt.Errorf("%w: unusable payment has no transaction id", ErrInvalidEvent)
	}
	logger := e.logger.With("gateway", ev.Gateway, "gateway_transaction_id", ev.GatewayTransactionID)

	known := false
	if ev.UserID != 0 {
		var err error
		if known, err = e.store.UserExists(ctx, ev.UserID); err != nil {
			return nil, err
		}
	}
	if known {
		payment, err := e.recordFailedPayment(ctx, ev, ReasonMetadataInvalid, e.opts.now())
		if err != nil {
			e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeError)
			return nil, err
		}
		e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeFailed)
		logger.Error("Payment metadata unusable, recorded as failed", "user_id", ev.UserID, "error", cause)
		return &Result{Payment: payment}, nil
	}

	row := &models.UnmatchedPayment{
		Gateway:              ev.Gateway,
		GatewayTransactionID: ev.GatewayTransactionID,
		Amount:               ev.Amount,
		Currency:             ev.Currency,
		Reason:               ReasonMetadataInvalid,
	}
	if cause != nil {
		row.Reason = truncate(ReasonMetadataInvalid+": "+cause.Error(), 255)
	}
	if len(ev.Metadata) > 0 {
		if data, err := json.Marshal(ev.Metadata); err == nil {
			row.Metadata = string(data)
		}
	}
	if err := e.store.RecordUnmatchedPayment(ctx, row); err != nil {
		e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeError)
		return nil, err
	}
	e.opts.recorder.PaymentProcessed(ev.Gateway, OutcomeUnmatched)
	logger.Error("Payment matches no user, kept as unmatched", "amount", ev.Amount.StringFixed(2), "error", cause)
	return &Result{}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Refund moves a completed payment to refunded and cancels the entitlement it paid for.
// Refunding an already refunded payment is a no-op.
func (e *Engine) Refund(ctx context.Context, gatewayTransactionID string) (*Result, error) {
	now := e.opts.now()
	result := &Result{}

	err := e.store.InTx(ctx, func(tx *gorm.DB) error {
		payment, err := findPayment(tx, gatewayTransactionID)
		if err != nil {
			return err
		}
		result.Payment = payment
		if payment.Status == models.PaymentRefunded {
			return ErrDuplicateDelivery
		}
		if !payment.Status.CanMoveTo(models.PaymentRefunded) {
			return fmt.Errorf("%w: payment %s is %s", ErrInvalidTransition, gatewayTransactionID, payment.Status)
		}

		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentCompleted).
			Updates(map[string]any{"status": models.PaymentRefunded, "refunded_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to refund payment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: payment %s changed while refunding", ErrConcurrencyConflict, gatewayTransactionID)
		}
		payment.Status = models.PaymentRefunded
		payment.RefundedAt = &now

		if payment.SubscriptionID != nil {
			var sub models.Subscription
			if err := tx.First(&sub, *payment.SubscriptionID).Error; err == nil {
				if cerr := cancelNow(&sub.Entitlement, now); cerr == nil {
					if err := saveSubscription(tx, &sub); err != nil {
						return err
					}
				}
				result.Subscription = &sub
			} else if !db.IsNotFound(err) {
				return err
			}
		}
		if payment.PartnerSubscriptionID != nil {
			var ps models.PartnerSubscription
			if err := tx.First(&ps, *payment.PartnerSubscriptionID).Error; err == nil {
				if cerr := cancelNow(&ps.Entitlement, now); cerr == nil {
					if err := savePartnerSubscription(tx, &ps); err != nil {
						return err
					}
				}
				result.PartnerSubscription = &ps
			} else if !db.IsNotFound(err) {
				return err
			}
		}
		return nil
	})

	if errors.Is(err, ErrDuplicateDelivery) {
		return &Result{Payment: result.Payment, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	e.opts.recorder.PaymentProcessed(result.Payment.Gateway, OutcomeRefunded)
	e.logger.Info("Payment refunded",
		"gateway_transaction_id", gatewayTransactionID,
		"amount", result.Payment.Amount.StringFixed(2))
	e.opts.send(ctx, e.logger, Notification{
		UserID: result.Payment.UserID,
		Event:  NotifyPaymentRefunded,
		Data:   paymentData(result.Payment),
	})
	return result, nil
}
