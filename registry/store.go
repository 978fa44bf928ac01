package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pettag-backend/common"
	"pettag-backend/db"
	"pettag-backend/sections/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTxTimeout bounds every read-decide-write cycle
const DefaultTxTimeout = 10 * time.Second

// tagCodeAttempts is how many random codes CreateTag tries before giving up
const tagCodeAttempts = 5

// ActiveSubscriptionIndex enforces at most one active tag subscription per (user, tag)
const ActiveSubscriptionIndex = "idx_subscriptions_active_user_tag"

// Store is the transactional entity store backing the registry
type Store struct {
	db        *gorm.DB
	txTimeout time.Duration
	logger    *slog.Logger
}

// NewStore wraps database. A zero txTimeout uses DefaultTxTimeout.
func NewStore(database *db.DB, txTimeout time.Duration) *Store {
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	return &Store{
		db:        database.DB,
		txTimeout: txTimeout,
		logger:    slog.With("service", "EntityStore"),
	}
}

// InTx runs fn in a transaction bounded by the store timeout. Any error, or the
// timeout firing, rolls the whole transaction back.
func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Transaction(fn)
}

// reader returns a handle for single-statement reads, bounded like a transaction
func (s *Store) reader(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	return s.db.WithContext(ctx), cancel
}

// EnsureActiveSubscriptionIndex creates the partial unique index that makes the
// at-most-one-active invariant authoritative. It fails while duplicates exist,
// so the duplicate reconciler has to run first on legacy data.
func (s *Store) EnsureActiveSubscriptionIndex(ctx context.Context) error {
	handle, cancel := s.reader(ctx)
	defer cancel()
	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON subscriptions (user_id, tag_id) WHERE status = 'active' AND type = 'tag' AND deleted_at IS NULL",
		ActiveSubscriptionIndex,
	)
	if err := handle.Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", ActiveSubscriptionIndex, err)
	}
	return nil
}

func notFound(err error, what string) error {
	if db.IsNotFound(err) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

// Tags

// CreateTagParams describes a tag creation request
type CreateTagParams struct {
	PartnerID *uint
	CreatedBy uint
	// Admin bypasses partner membership checks but never the quota
	Admin bool
}

// CreateTag creates a pending tag. Partner tags are quota checked against a
// fresh snapshot and serialized per partner through the partner version.
func (s *Store) CreateTag(ctx context.Context, params CreateTagParams, now time.Time) (*models.Tag, error) {
	if params.PartnerID == nil && !params.Admin {
		return nil, fmt.Errorf("%w: only administrators create tags without a partner", ErrForbidden)
	}

	tag := &models.Tag{
		Status:      models.TagPending,
		PartnerID:   params.PartnerID,
		CreatedByID: params.CreatedBy,
	}

	err := s.InTx(ctx, func(tx *gorm.DB) error {
		if params.PartnerID != nil {
			snap, err := loadPartnerSnapshot(tx, *params.PartnerID)
			if err != nil {
				return err
			}
			if !params.Admin && !UserHasAccess(snap, params.CreatedBy) {
				return fmt.Errorf("%w: user %d is not authorized for partner %d", ErrForbidden, params.CreatedBy, snap.Partner.ID)
			}
			if !PartnerCanCreateTag(snap, now) {
				return fmt.Errorf("%w: partner %d cannot create more tags", ErrQuotaExceeded, snap.Partner.ID)
			}
			if err := bumpPartnerVersion(tx, &snap.Partner); err != nil {
				return err
			}
		}

		for attempt := 0; attempt < tagCodeAttempts; attempt++ {
			tag.ID = 0
			tag.Code = common.TagCode()
			err := tx.Transaction(func(sp *gorm.DB) error {
				return sp.Create(tag).Error
			})
			if err == nil {
				return nil
			}
			if !db.IsUniqueViolation(err) {
				return fmt.Errorf("failed to create tag: %w", err)
			}
		}
		return fmt.Errorf("failed to allocate a unique tag code after %d attempts", tagCodeAttempts)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Tag created", "tag_id", tag.ID, "code", tag.Code, "partner_id", params.PartnerID)
	return tag, nil
}

// TagByCode loads a tag by its printed code
func (s *Store) TagByCode(ctx context.Context, code string) (*models.Tag, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	var tag models.Tag
	if err := handle.Where("code = ?", common.NormalizeTagCode(code)).First(&tag).Error; err != nil {
		return nil, notFound(err, "tag "+code)
	}
	return &tag, nil
}

// ActivateTag moves a pending tag to available. The tag's partner must hold an
// active subscription and the caller must be able to act for that partner.
func (s *Store) ActivateTag(ctx context.Context, code string, userID uint, admin bool, now time.Time) (*models.Tag, error) {
	var tag models.Tag
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("code = ?", common.NormalizeTagCode(code)).First(&tag).Error; err != nil {
			return notFound(err, "tag "+code)
		}
		if tag.Status != models.TagPending {
			return fmt.Errorf("%w: tag %s is %s", ErrInvalidTransition, tag.Code, tag.Status)
		}

		if !admin {
			if tag.PartnerID == nil {
				return fmt.Errorf("%w: tag %s has no partner", ErrForbidden, tag.Code)
			}
			snap, err := loadPartnerSnapshot(tx, *tag.PartnerID)
			if err != nil {
				return err
			}
			if !UserHasAccess(snap, userID) {
				return fmt.Errorf("%w: user %d is not authorized for partner %d", ErrForbidden, userID, snap.Partner.ID)
			}
			if !PartnerCanActivateTag(&tag, snap, now) {
				return fmt.Errorf("%w: partner %d has no active subscription", ErrQuotaExceeded, snap.Partner.ID)
			}
		}

		res := tx.Model(&models.Tag{}).
			Where("id = ? AND status = ?", tag.ID, models.TagPending).
			Updates(map[string]any{"status": models.TagAvailable, "activated_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to activate tag: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: tag %s changed while activating", ErrConcurrencyConflict, tag.Code)
		}
		tag.Status = models.TagAvailable
		tag.ActivatedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Tag activated", "code", tag.Code, "user_id", userID)
	return &tag, nil
}

// DeactivateTag returns an unclaimed available tag to pending. Only its creator may do so.
func (s *Store) DeactivateTag(ctx context.Context, code string, userID uint) (*models.Tag, error) {
	var tag models.Tag
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("code = ?", common.NormalizeTagCode(code)).First(&tag).Error; err != nil {
			return notFound(err, "tag "+code)
		}
		if tag.CreatedByID != userID {
			return fmt.Errorf("%w: only the creator can deactivate tag %s", ErrForbidden, tag.Code)
		}
		res := tx.Model(&models.Tag{}).
			Where("id = ? AND status = ? AND owner_id IS NULL", tag.ID, models.TagAvailable).
			Updates(map[string]any{"status": models.TagPending, "activated_at": nil})
		if res.Error != nil {
			return fmt.Errorf("failed to deactivate tag: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: tag %s is %s", ErrInvalidTransition, tag.Code, tag.Status)
		}
		tag.Status = models.TagPending
		tag.ActivatedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// claimTag is the compare-and-set available -> claimed. A loser sees
// ErrConcurrencyConflict and never overwrites the winner's ownership.
func claimTag(tx *gorm.DB, tag *models.Tag, userID uint, now time.Time) error {
	res := tx.Model(&models.Tag{}).
		Where("id = ? AND status = ? AND owner_id IS NULL", tag.ID, models.TagAvailable).
		Updates(map[string]any{"status": models.TagClaimed, "owner_id": userID, "claimed_at": now})
	if res.Error != nil {
		return fmt.Errorf("failed to claim tag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: tag %s is no longer available", ErrConcurrencyConflict, tag.Code)
	}
	tag.Status = models.TagClaimed
	tag.OwnerID = &userID
	tag.ClaimedAt = &now
	return nil
}

// LinkPet attaches a pet to a claimed tag, making it active. Only the owner may link.
func (s *Store) LinkPet(ctx context.Context, code string, ownerID, petID uint) (*models.Tag, error) {
	var tag models.Tag
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("code = ?", common.NormalizeTagCode(code)).First(&tag).Error; err != nil {
			return notFound(err, "tag "+code)
		}
		if tag.OwnerID == nil || *tag.OwnerID != ownerID {
			return fmt.Errorf("%w: user %d does not own tag %s", ErrForbidden, ownerID, tag.Code)
		}
		res := tx.Model(&models.Tag{}).
			Where("id = ? AND status = ? AND owner_id = ? AND pet_id IS NULL", tag.ID, models.TagClaimed, ownerID).
			Updates(map[string]any{"status": models.TagActive, "pet_id": petID})
		if res.Error != nil {
			return fmt.Errorf("failed to link pet: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: tag %s is %s", ErrInvalidTransition, tag.Code, tag.Status)
		}
		tag.Status = models.TagActive
		tag.PetID = &petID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// TagSubscriptions returns every tag-type subscription attached to tagID
func (s *Store) TagSubscriptions(ctx context.Context, tagID uint) ([]models.Subscription, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	var subs []models.Subscription
	if err := handle.Where("tag_id = ? AND type = ?", tagID, models.SubscriptionTypeTag).
		Order("created_at ASC, id ASC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to load tag subscriptions: %w", err)
	}
	return subs, nil
}

// Partners

// PartnerSnapshot loads the consistent view the quota evaluator works on
func (s *Store) PartnerSnapshot(ctx context.Context, partnerID uint) (*PartnerSnapshot, error) {
	var snap *PartnerSnapshot
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		var err error
		snap, err = loadPartnerSnapshot(tx, partnerID)
		return err
	})
	return snap, err
}

func loadPartnerSnapshot(tx *gorm.DB, partnerID uint) (*PartnerSnapshot, error) {
	snap := &PartnerSnapshot{}
	if err := tx.First(&snap.Partner, partnerID).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("partner %d", partnerID))
	}
	if err := tx.Model(&models.PartnerMember{}).
		Where("partner_id = ?", partnerID).
		Pluck("user_id", &snap.MemberIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to load partner members: %w", err)
	}
	if err := tx.Where("partner_id = ?", partnerID).
		Order("created_at ASC").Find(&snap.Subscriptions).Error; err != nil {
		return nil, fmt.Errorf("failed to load partner subscriptions: %w", err)
	}
	if err := tx.Model(&models.Tag{}).
		Where("partner_id = ?", partnerID).
		Count(&snap.TagCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count partner tags: %w", err)
	}
	return snap, nil
}

func bumpPartnerVersion(tx *gorm.DB, p *models.Partner) error {
	res := tx.Model(&models.Partner{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Update("version", p.Version+1)
	if res.Error != nil {
		return fmt.Errorf("failed to lock partner: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: partner %d", ErrConcurrencyConflict, p.ID)
	}
	p.Version++
	return nil
}

// AddPartnerMember authorizes userID to act for the partner. Only the owner or an admin may add members.
func (s *Store) AddPartnerMember(ctx context.Context, partnerID, actorID, userID uint, admin bool) error {
	return s.InTx(ctx, func(tx *gorm.DB) error {
		snap, err := loadPartnerSnapshot(tx, partnerID)
		if err != nil {
			return err
		}
		if !admin && snap.Partner.OwnerID != actorID {
			return fmt.Errorf("%w: only the partner owner can add members", ErrForbidden)
		}
		return ensureMember(tx, partnerID, userID)
	})
}

func ensureMember(tx *gorm.DB, partnerID, userID uint) error {
	member := models.PartnerMember{PartnerID: partnerID, UserID: userID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
		return fmt.Errorf("failed to add partner member: %w", err)
	}
	return nil
}

func ensureRole(tx *gorm.DB, userID uint, role string) error {
	r := models.UserRole{UserID: userID, Role: role}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&r).Error; err != nil {
		return fmt.Errorf("failed to grant role %s: %w", role, err)
	}
	return nil
}

// UserRoles lists the roles granted to userID
func (s *Store) UserRoles(ctx context.Context, userID uint) ([]string, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	var roles []string
	if err := handle.Model(&models.UserRole{}).Where("user_id = ?", userID).
		Order("role").Pluck("role", &roles).Error; err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	return roles, nil
}

// Subscriptions

// SubscriptionByID loads a tag subscription
func (s *Store) SubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	var sub models.Subscription
	if err := handle.First(&sub, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("subscription %d", id))
	}
	return &sub, nil
}

// PartnerSubscriptionByID loads a partner subscription
func (s *Store) PartnerSubscriptionByID(ctx context.Context, id uint) (*models.PartnerSubscription, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	var ps models.PartnerSubscription
	if err := handle.First(&ps, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("partner subscription %d", id))
	}
	return &ps, nil
}

func activeSubscriptionExists(tx *gorm.DB, userID, tagID uint) (bool, error) {
	var count int64
	err := tx.Model(&models.Subscription{}).
		Where("user_id = ? AND tag_id = ? AND type = ? AND status = ?", userID, tagID, models.SubscriptionTypeTag, models.SubscriptionActive).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check active subscriptions: %w", err)
	}
	return count > 0, nil
}

func entitlementColumns(e *models.Entitlement) map[string]any {
	return map[string]any{
		"pricing_plan_id":        e.PricingPlanID,
		"status":                 e.Status,
		"amount":                 e.Amount,
		"currency":               e.Currency,
		"billing_period":         e.BillingPeriod,
		"start_date":             e.StartDate,
		"end_date":               e.EndDate,
		"auto_renew":             e.AutoRenew,
		"cancellation_requested": e.CancellationRequested,
		"cancelled_at":           e.CancelledAt,
		"renewal_attempts":       e.RenewalAttempts,
		"last_renewal_attempt":   e.LastRenewalAttempt,
		"renewal_failure_reason": e.RenewalFailureReason,
	}
}

// casEntitlement writes an entitlement row only if nobody else wrote it since it was read
func casEntitlement(tx *gorm.DB, model any, id uint, e *models.Entitlement, extra map[string]any) error {
	cols := entitlementColumns(e)
	for k, v := range extra {
		cols[k] = v
	}
	cols["version"] = e.Version + 1

	res := tx.Model(model).Where("id = ? AND version = ?", id, e.Version).Updates(cols)
	if res.Error != nil {
		if db.IsUniqueViolation(res.Error) {
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, res.Error)
		}
		return fmt.Errorf("failed to update entitlement %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: entitlement %d was modified concurrently", ErrConcurrencyConflict, id)
	}
	e.Version++
	return nil
}

func saveSubscription(tx *gorm.DB, sub *models.Subscription) error {
	return casEntitlement(tx, &models.Subscription{}, sub.ID, &sub.Entitlement, nil)
}

func savePartnerSubscription(tx *gorm.DB, ps *models.PartnerSubscription) error {
	return casEntitlement(tx, &models.PartnerSubscription{}, ps.ID, &ps.Entitlement, map[string]any{
		"admin_approved":   ps.AdminApproved,
		"approver_id":      ps.ApproverID,
		"approved_at":      ps.ApprovedAt,
		"max_tags":         ps.MaxTags,
		"rejection_reason": ps.RejectionReason,
	})
}

// Payments

// PaymentByID loads a payment
func (s *Store) PaymentByID(ctx context.Context, id uint) (*models.Payment, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	var p models.Payment
	if err := handle.First(&p, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("payment %d", id))
	}
	return &p, nil
}

// PaymentByGatewayTransaction loads the payment recorded for an idempotency key
func (s *Store) PaymentByGatewayTransaction(ctx context.Context, txnID string) (*models.Payment, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	return findPayment(handle, txnID)
}

func findPayment(tx *gorm.DB, txnID string) (*models.Payment, error) {
	var p models.Payment
	if err := tx.Where("gateway_transaction_id = ?", txnID).First(&p).Error; err != nil {
		return nil, notFound(err, "payment "+txnID)
	}
	return &p, nil
}

// Pricing plans

// PricingPlanByID loads a plan
func (s *Store) PricingPlanByID(ctx context.Context, id uint) (*models.PricingPlan, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	return loadPricingPlan(handle, id)
}

func loadPricingPlan(tx *gorm.DB, id uint) (*models.PricingPlan, error) {
	var plan models.PricingPlan
	if err := tx.First(&plan, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("pricing plan %d", id))
	}
	return &plan, nil
}

// SeedPricingPlans upserts plans by name
func (s *Store) SeedPricingPlans(ctx context.Context, plans []models.PricingPlan) error {
	if len(plans) == 0 {
		return nil
	}
	return s.InTx(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"price", "currency", "billing_period", "plan_type", "max_tags",
				"max_pets", "requires_approval", "is_active", "updated_at",
			}),
		}).Create(&plans).Error
		if err != nil {
			return fmt.Errorf("failed to seed pricing plans: %w", err)
		}
		return nil
	})
}

// ActivePricingPlans lists plans currently offered for planType
func (s *Store) ActivePricingPlans(ctx context.Context, planType models.PlanType) ([]models.PricingPlan, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	var plans []models.PricingPlan
	if err := handle.Where("plan_type = ? AND is_active = ?", planType, true).
		Order("price ASC").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to load pricing plans: %w", err)
	}
	return plans, nil
}

// Users

// EnsureUser creates the user row if it does not exist yet
func (s *Store) EnsureUser(ctx context.Context, user *models.User) error {
	return s.InTx(ctx, func(tx *gorm.DB) error {
		var existing models.User
		err := tx.Where("email = ?", user.Email).First(&existing).Error
		if err == nil {
			*user = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load user: %w", err)
		}
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		return ensureRole(tx, user.ID, models.RoleCustomer)
	})
}

// UserExists reports whether a user row with id exists
func (s *Store) UserExists(ctx context.Context, id uint) (bool, error) {
	handle, cancel := s.reader(ctx)
	defer cancel()
	var n int64
	if err := handle.Model(&models.User{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return n > 0, nil
}

// RecordUnmatchedPayment keeps a payment no user can be found for. A second
// delivery of the same transaction leaves the first row alone.
func (s *Store) RecordUnmatchedPayment(ctx context.Context, row *models.UnmatchedPayment) error {
	return s.InTx(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway_transaction_id"}},
			DoNothing: true,
		}).Create(row).Error
		if err != nil {
			return fmt.Errorf("failed to record unmatched payment: %w", err)
		}
		return nil
	})
}
