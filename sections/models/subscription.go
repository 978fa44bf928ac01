package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SubscriptionStatus is shared by tag and partner subscriptions
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// SubscriptionType distinguishes entitlement scopes
type SubscriptionType string

const (
	SubscriptionTypeTag     SubscriptionType = "tag"
	SubscriptionTypePartner SubscriptionType = "partner"
)

// Entitlement holds the columns tag and partner subscriptions have in common.
// Both tables embed it and go through the same lifecycle transitions.
type Entitlement struct {
	PricingPlanID         *uint              `gorm:"index" json:"pricingPlanId,omitempty"`
	Status                SubscriptionStatus `gorm:"size:20;not null;index" json:"status"`
	Amount                decimal.Decimal    `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency              string             `gorm:"size:3;not null" json:"currency"`
	BillingPeriod         BillingPeriod      `gorm:"size:20;not null" json:"billingPeriod"`
	StartDate             time.Time          `gorm:"not null" json:"startDate"`
	EndDate               *time.Time         `gorm:"index" json:"endDate,omitempty"` // nil means lifetime
	AutoRenew             bool               `gorm:"not null" json:"autoRenew"`
	CancellationRequested bool               `gorm:"not null" json:"cancellationRequested"`
	CancelledAt           *time.Time         `json:"cancelledAt,omitempty"`
	RenewalAttempts       int                `gorm:"not null" json:"renewalAttempts"`
	LastRenewalAttempt    *time.Time         `json:"lastRenewalAttempt,omitempty"`
	RenewalFailureReason  *string            `gorm:"size:255" json:"renewalFailureReason,omitempty"`
	Version               int                `gorm:"not null" json:"-"`
}

// withinPeriod reports whether now is on or before the end date
func (e *Entitlement) withinPeriod(now time.Time) bool {
	return e.EndDate == nil || !now.After(*e.EndDate)
}

// Subscription ties a user to a claimed tag
type Subscription struct {
	gorm.Model
	UserID      uint             `gorm:"not null;index:idx_subscriptions_user_tag" json:"userId"`
	TagID       *uint            `gorm:"index:idx_subscriptions_user_tag" json:"tagId,omitempty"`
	Type        SubscriptionType `gorm:"size:20;not null" json:"type"`
	Entitlement `gorm:"embedded"`

	User        User         `gorm:"foreignKey:UserID" json:"-"`
	Tag         *Tag         `gorm:"foreignKey:TagID" json:"-"`
	PricingPlan *PricingPlan `gorm:"foreignKey:PricingPlanID" json:"-"`
}

// IsActive is re-derived on every call and never cached
func (s *Subscription) IsActive(now time.Time) bool {
	return s.Status == SubscriptionActive && s.withinPeriod(now)
}

// PartnerSubscription ties a partner to its tag-creation quota
type PartnerSubscription struct {
	gorm.Model
	PartnerID       uint       `gorm:"not null;index" json:"partnerId"`
	AdminApproved   bool       `gorm:"not null" json:"adminApproved"`
	ApproverID      *uint      `json:"approverId,omitempty"`
	ApprovedAt      *time.Time `json:"approvedAt,omitempty"`
	MaxTags         int        `gorm:"not null" json:"maxTags"` // 0 means unlimited
	RejectionReason *string    `gorm:"size:255" json:"rejectionReason,omitempty"`
	Entitlement     `gorm:"embedded"`

	Partner     Partner      `gorm:"foreignKey:PartnerID" json:"-"`
	PricingPlan *PricingPlan `gorm:"foreignKey:PricingPlanID" json:"-"`
}

// IsActive additionally requires administrator approval
func (s *PartnerSubscription) IsActive(now time.Time) bool {
	return s.Status == SubscriptionActive && s.AdminApproved && s.withinPeriod(now)
}
