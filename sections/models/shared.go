package models

import (
	"gorm.io/gorm"
)

// Role names granted through user_roles
const (
	RoleCustomer = "customer"
	RolePartner  = "partner"
	RoleAdmin    = "admin"
)

// User represents a registered customer, partner member or administrator
type User struct {
	gorm.Model
	Email string `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Name  string `gorm:"size:200" json:"name"`
}

// UserRole grants a role to a user. A user holds each role at most once.
type UserRole struct {
	gorm.Model
	UserID uint   `gorm:"not null;uniqueIndex:idx_user_roles_user_role" json:"userId"`
	Role   string `gorm:"size:50;not null;uniqueIndex:idx_user_roles_user_role" json:"role"`
	User   User   `gorm:"foreignKey:UserID" json:"-"`
}

// Partner is a company that creates and activates tags
type Partner struct {
	gorm.Model
	Name    string `gorm:"size:255;not null" json:"name"`
	OwnerID uint   `gorm:"not null;index" json:"ownerId"`
	// Version is bumped on every quota-sensitive write so concurrent tag
	// creations for the same partner serialize.
	Version int  `gorm:"not null;default:0" json:"-"`
	Owner   User `gorm:"foreignKey:OwnerID" json:"-"`
}

// PartnerMember links an authorized user to a partner
type PartnerMember struct {
	gorm.Model
	PartnerID uint    `gorm:"not null;uniqueIndex:idx_partner_members_partner_user" json:"partnerId"`
	UserID    uint    `gorm:"not null;uniqueIndex:idx_partner_members_partner_user;index" json:"userId"`
	Partner   Partner `gorm:"foreignKey:PartnerID" json:"-"`
	User      User    `gorm:"foreignKey:UserID" json:"-"`
}

// All returns every model the store migrates, in dependency order
func All() []any {
	return []any{
		&User{},
		&UserRole{},
		&Partner{},
		&PartnerMember{},
		&PricingPlan{},
		&Tag{},
		&Subscription{},
		&PartnerSubscription{},
		&Payment{},
		&SubscriptionDeletionAudit{},
		&UnmatchedPayment{},
	}
}
