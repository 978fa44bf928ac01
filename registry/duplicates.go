package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pettag-backend/sections/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AuditReasonDuplicate is recorded on every audit row the reconciler writes
const AuditReasonDuplicate = "duplicate_active_subscription"

// DuplicateGroup is a (user, tag) pair holding more than one active tag subscription
type DuplicateGroup struct {
	UserID uint  `json:"userId"`
	TagID  uint  `json:"tagId"`
	Count  int64 `json:"count"`
}

// DeletedSubscription describes one row the reconciler removed, or would remove in a dry run
type DeletedSubscription struct {
	SubscriptionID     uint            `json:"subscriptionId"`
	KeptSubscriptionID uint            `json:"keptSubscriptionId"`
	UserID             uint            `json:"userId"`
	TagID              uint            `json:"tagId"`
	Amount             decimal.Decimal `json:"amount"`
	Type               string          `json:"type"`
	CreatedAt          time.Time       `json:"createdAt"`
	RelinkedPayments   int64           `json:"relinkedPayments"`
}

// DuplicateReport is the before/after account of one reconciler pass
type DuplicateReport struct {
	DryRun    bool                  `json:"dryRun"`
	Before    []DuplicateGroup      `json:"before"`
	Deleted   []DeletedSubscription `json:"deleted"`
	After     []DuplicateGroup      `json:"after"`
	Conflicts int                   `json:"conflicts"`
}

// Reconciler collapses duplicate active tag subscriptions to the earliest one
type Reconciler struct {
	store  *Store
	opts   options
	logger *slog.Logger
}

// NewReconciler builds a duplicate reconciler over store
func NewReconciler(store *Store, opts ...Option) *Reconciler {
	return &Reconciler{
		store:  store,
		opts:   buildOptions(opts),
		logger: slog.With("service", "DuplicateReconciler"),
	}
}

// FindGroups lists every (user, tag) pair with more than one active tag subscription
func (r *Reconciler) FindGroups(ctx context.Context) ([]DuplicateGroup, error) {
	handle, cancel := r.store.reader(ctx)
	defer cancel()
	var groups []DuplicateGroup
	err := handle.Model(&models.Subscription{}).
		Select("user_id, tag_id, COUNT(*) AS count").
		Where("status = ? AND type = ? AND tag_id IS NOT NULL", models.SubscriptionActive, models.SubscriptionTypeTag).
		Group("user_id, tag_id").
		Having("COUNT(*) > 1").
		Order("user_id, tag_id").
		Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate subscriptions: %w", err)
	}
	return groups, nil
}

// Run performs one pass. Each group is reconciled in its own transaction.
// After a real pass it returns ErrDuplicatesRemain if any group survived.
func (r *Reconciler) Run(ctx context.Context, dryRun bool) (*DuplicateReport, error) {
	before, err := r.FindGroups(ctx)
	if err != nil {
		return nil, err
	}
	report := &DuplicateReport{DryRun: dryRun, Before: before}
	r.logger.Info("Duplicate reconciliation started", "groups", len(before), "dry_run", dryRun)

	for _, g := range before {
		deleted, err := r.reconcileGroup(ctx, g, dryRun)
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				report.Conflicts++
				r.logger.Warn("Duplicate group changed during reconciliation", "user_id", g.UserID, "tag_id", g.TagID, "error", err)
				continue
			}
			return report, err
		}
		report.Deleted = append(report.Deleted, deleted...)
	}

	if dryRun {
		report.After = before
		return report, nil
	}

	r.opts.recorder.DuplicatesDeleted(len(report.Deleted))

	after, err := r.FindGroups(ctx)
	if err != nil {
		return report, err
	}
	report.After = after
	if len(after) > 0 {
		r.logger.Error("Duplicate active subscriptions remain after reconciliation", "groups", len(after))
		return report, fmt.Errorf("%w: %d groups", ErrDuplicatesRemain, len(after))
	}
	r.logger.Info("Duplicate reconciliation finished", "deleted", len(report.Deleted))
	return report, nil
}

func (r *Reconciler) reconcileGroup(ctx context.Context, g DuplicateGroup, dryRun bool) ([]DeletedSubscription, error) {
	var deleted []DeletedSubscription
	err := r.store.InTx(ctx, func(tx *gorm.DB) error {
		var rows []models.Subscription
		if err := tx.Where("user_id = ? AND tag_id = ? AND status = ? AND type = ?",
			g.UserID, g.TagID, models.SubscriptionActive, models.SubscriptionTypeTag).
			Order("created_at ASC, id ASC").
			Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to load duplicate group: %w", err)
		}
		if len(rows) < 2 {
			return nil
		}

		kept := rows[0]
		for _, dup := range rows[1:] {
			entry := DeletedSubscription{
				SubscriptionID:     dup.ID,
				KeptSubscriptionID: kept.ID,
				UserID:             dup.UserID,
				TagID:              g.TagID,
				Amount:             dup.Amount,
				Type:               string(dup.Type),
				CreatedAt:          dup.CreatedAt,
			}
			if dryRun {
				deleted = append(deleted, entry)
				continue
			}

			res := tx.Model(&models.Payment{}).
				Where("subscription_id = ?", dup.ID).
				Update("subscription_id", kept.ID)
			if res.Error != nil {
				return fmt.Errorf("failed to relink payments: %w", res.Error)
			}
			entry.RelinkedPayments = res.RowsAffected

			audit := models.SubscriptionDeletionAudit{
				SubscriptionID:        dup.ID,
				KeptSubscriptionID:    kept.ID,
				UserID:                dup.UserID,
				TagID:                 dup.TagID,
				Type:                  dup.Type,
				Status:                dup.Status,
				Amount:                dup.Amount,
				Currency:              dup.Currency,
				SubscriptionCreatedAt: dup.CreatedAt,
				RelinkedPayments:      int(res.RowsAffected),
				Reason:                AuditReasonDuplicate,
			}
			if err := tx.Create(&audit).Error; err != nil {
				return fmt.Errorf("failed to write deletion audit: %w", err)
			}

			r.logger.Warn("Deleting duplicate subscription",
				"subscription_id", dup.ID,
				"kept_subscription_id", kept.ID,
				"user_id", dup.UserID,
				"tag_id", g.TagID,
				"type", dup.Type,
				"amount", dup.Amount.StringFixed(2),
				"relinked_payments", res.RowsAffected)

			res = tx.Unscoped().
				Where("id = ? AND version = ?", dup.ID, dup.Version).
				Delete(&models.Subscription{})
			if res.Error != nil {
				return fmt.Errorf("failed to delete subscription %d: %w", dup.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: subscription %d", ErrConcurrencyConflict, dup.ID)
			}
			deleted = append(deleted, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}
