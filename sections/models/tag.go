package models

import (
	"time"

	"gorm.io/gorm"
)

// TagStatus is the lifecycle position of a physical tag
type TagStatus string

const (
	TagPending   TagStatus = "pending"
	TagAvailable TagStatus = "available"
	TagClaimed   TagStatus = "claimed"
	TagActive    TagStatus = "active"
)

// Tag is a QR-coded identifier that a customer can claim and link to a pet
type Tag struct {
	gorm.Model
	Code        string     `gorm:"uniqueIndex;size:16;not null" json:"code"`
	Status      TagStatus  `gorm:"size:20;not null;default:'pending';index" json:"status"`
	PartnerID   *uint      `gorm:"index" json:"partnerId,omitempty"`
	OwnerID     *uint      `gorm:"index" json:"ownerId,omitempty"`
	PetID       *uint      `gorm:"index" json:"petId,omitempty"`
	CreatedByID uint       `gorm:"not null" json:"createdById"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`

	Partner *Partner `gorm:"foreignKey:PartnerID" json:"-"`
	Owner   *User    `gorm:"foreignKey:OwnerID" json:"-"`
}
