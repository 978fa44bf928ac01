package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Gateway identifies who moved the money
type Gateway string

const (
	GatewayStripe Gateway = "stripe"
	GatewayPayPal Gateway = "paypal"
	GatewayManual Gateway = "manual"
)

// PaymentStatus only moves forward: pending -> completed|failed, completed -> refunded.
// A failed payment the gateway declined may go back to pending when the same
// transaction later succeeds; see Payment.Reopenable.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// CanMoveTo reports whether the status may advance to next
func (s PaymentStatus) CanMoveTo(next PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return next == PaymentCompleted || next == PaymentFailed
	case PaymentCompleted:
		return next == PaymentRefunded
	}
	return false
}

// PaymentType says what a payment buys
type PaymentType string

const (
	PaymentTypeTag     PaymentType = "tag"
	PaymentTypePartner PaymentType = "partner"
	PaymentTypeRenewal PaymentType = "renewal"
)

// Payment records one gateway transaction. GatewayTransactionID is the idempotency key.
type Payment struct {
	gorm.Model
	UserID                uint            `gorm:"not null;index" json:"userId"`
	SubscriptionID        *uint           `gorm:"index" json:"subscriptionId,omitempty"`
	PartnerSubscriptionID *uint           `gorm:"index" json:"partnerSubscriptionId,omitempty"`
	Gateway               Gateway         `gorm:"size:20;not null" json:"gateway"`
	GatewayTransactionID  string          `gorm:"uniqueIndex;size:255;not null" json:"gatewayTransactionId"`
	InternalTransactionID string          `gorm:"uniqueIndex;size:36;not null" json:"internalTransactionId"`
	Amount                decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency              string          `gorm:"size:3;not null" json:"currency"`
	Status                PaymentStatus   `gorm:"size:20;not null;index" json:"status"`
	PaymentType           PaymentType     `gorm:"size:20;not null" json:"paymentType"`
	Metadata              string          `gorm:"type:text" json:"metadata,omitempty"` // JSON object
	FailureReason         *string         `gorm:"size:100" json:"failureReason,omitempty"`
	Declined              bool            `gorm:"not null;default:false" json:"declined,omitempty"` // failed by the gateway, not by the registry
	ProcessedAt           *time.Time      `json:"processedAt,omitempty"`
	RefundedAt            *time.Time      `json:"refundedAt,omitempty"`

	User                User                 `gorm:"foreignKey:UserID" json:"-"`
	Subscription        *Subscription        `gorm:"foreignKey:SubscriptionID" json:"-"`
	PartnerSubscription *PartnerSubscription `gorm:"foreignKey:PartnerSubscriptionID" json:"-"`
}

// Reopenable reports whether a later success for the same gateway transaction
// may still complete this payment
func (p *Payment) Reopenable() bool {
	return p.Status == PaymentFailed && p.Declined
}

// SetMetadata stores m as the JSON metadata bag
func (p *Payment) SetMetadata(m map[string]string) {
	if len(m) == 0 {
		p.Metadata = ""
		return
	}
	if data, err := json.Marshal(m); err == nil {
		p.Metadata = string(data)
	}
}

// MetadataMap decodes the metadata bag, returning an empty map when unset or malformed
func (p *Payment) MetadataMap() map[string]string {
	m := map[string]string{}
	if p.Metadata != "" {
		_ = json.Unmarshal([]byte(p.Metadata), &m)
	}
	return m
}
