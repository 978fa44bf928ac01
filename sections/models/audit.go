package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SubscriptionDeletionAudit is written before a duplicate subscription is deleted
type SubscriptionDeletionAudit struct {
	gorm.Model
	SubscriptionID        uint               `gorm:"not null;index" json:"subscriptionId"`
	KeptSubscriptionID    uint               `gorm:"not null" json:"keptSubscriptionId"`
	UserID                uint               `gorm:"not null;index" json:"userId"`
	TagID                 *uint              `json:"tagId,omitempty"`
	Type                  SubscriptionType   `gorm:"size:20;not null" json:"type"`
	Status                SubscriptionStatus `gorm:"size:20;not null" json:"status"`
	Amount                decimal.Decimal    `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency              string             `gorm:"size:3" json:"currency"`
	SubscriptionCreatedAt time.Time          `json:"subscriptionCreatedAt"`
	RelinkedPayments      int                `gorm:"not null" json:"relinkedPayments"`
	Reason                string             `gorm:"size:100;not null" json:"reason"`
}

// UnmatchedPayment keeps a gateway payment whose metadata names no known user,
// so the money can be matched by hand
type UnmatchedPayment struct {
	gorm.Model
	Gateway              Gateway         `gorm:"size:20;not null" json:"gateway"`
	GatewayTransactionID string          `gorm:"uniqueIndex;size:255;not null" json:"gatewayTransactionId"`
	Amount               decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency             string          `gorm:"size:3" json:"currency"`
	Metadata             string          `gorm:"type:text" json:"metadata,omitempty"` // JSON object
	Reason               string          `gorm:"size:255;not null" json:"reason"`
}
