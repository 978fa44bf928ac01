package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BillingPeriod is how long one payment keeps an entitlement alive
type BillingPeriod string

const (
	BillingMonthly  BillingPeriod = "monthly"
	BillingYearly   BillingPeriod = "yearly"
	BillingLifetime BillingPeriod = "lifetime"
)

// Valid reports whether p is a known billing period
func (p BillingPeriod) Valid() bool {
	switch p {
	case BillingMonthly, BillingYearly, BillingLifetime:
		return true
	}
	return false
}

// Recurring reports whether the period renews
func (p BillingPeriod) Recurring() bool {
	return p == BillingMonthly || p == BillingYearly
}

// EndFrom returns the end of a period starting at start. Lifetime periods have no end.
func (p BillingPeriod) EndFrom(start time.Time) *time.Time {
	var end time.Time
	switch p {
	case BillingMonthly:
		end = start.AddDate(0, 0, 30)
	case BillingYearly:
		end = start.AddDate(0, 0, 365)
	default:
		return nil
	}
	return &end
}

// PlanType says what a pricing plan pays for
type PlanType string

const (
	PlanTag     PlanType = "tag"
	PlanPartner PlanType = "partner"
)

// PricingPlan is an offer customers and partners pay for. The core only reads it.
type PricingPlan struct {
	gorm.Model
	Name             string          `gorm:"uniqueIndex;size:100;not null" json:"name"`
	Price            decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	Currency         string          `gorm:"size:3;not null;default:'USD'" json:"currency"`
	BillingPeriod    BillingPeriod   `gorm:"size:20;not null" json:"billingPeriod"`
	PlanType         PlanType        `gorm:"size:20;not null;index" json:"planType"`
	MaxTags          int             `gorm:"not null;default:0" json:"maxTags"`
	MaxPets          int             `gorm:"not null;default:0" json:"maxPets"`
	RequiresApproval bool            `gorm:"not null;default:false" json:"requiresApproval"`
	IsActive         bool            `gorm:"not null" json:"isActive"`
}
