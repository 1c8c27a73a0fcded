// Package domain contains persistence models for seller tenants.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Plan is the tenant's entitlement tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanStudio  Plan = "studio"
)

// SubscriptionStatus is the internal projection of the processor's richer
// status vocabulary.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

var (
	ErrTenantNotFound = errors.New("tenant_not_found")
)

// Tenant represents a seller account, the unit of data isolation.
type Tenant struct {
	ID                 snowflake.ID       `gorm:"primaryKey" json:"id"`
	Slug               string             `gorm:"type:text;not null;uniqueIndex:ux_tenants_slug" json:"slug"`
	Name               string             `gorm:"type:text;not null" json:"name"`
	ContactEmail       string             `gorm:"type:text;not null" json:"contact_email"`
	Currency           string             `gorm:"type:text;not null" json:"currency"`
	Plan               Plan               `gorm:"type:text;not null;default:'free'" json:"plan"`
	SubscriptionID     string             `gorm:"type:text" json:"subscription_id"`
	SubscriptionStatus SubscriptionStatus `gorm:"type:text" json:"subscription_status"`
	Features           datatypes.JSONMap  `gorm:"type:jsonb" json:"features"`
	OrderSeq           int64              `gorm:"not null;default:0" json:"-"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Tenant) TableName() string { return "tenants" }

// SubscriptionState is the wholesale-rewritten projection applied on every
// subscription lifecycle event.
type SubscriptionState struct {
	Plan           Plan
	SubscriptionID string
	Status         SubscriptionStatus
	Features       map[string]any
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	NextOrderNumber(ctx context.Context, tx *gorm.DB, id snowflake.ID) (int64, error)
	UpdateSubscriptionState(ctx context.Context, db *gorm.DB, id snowflake.ID, state SubscriptionState) error
}
