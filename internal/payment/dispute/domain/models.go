// Package domain contains dispute persistence models.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	DisputeStatusOpen       = "open"
	DisputeStatusWithdrawn  = "funds_withdrawn"
	DisputeStatusReinstated = "funds_reinstated"
	DisputeStatusWon        = "won"
	DisputeStatusLost       = "lost"
)

// Dispute tracks a chargeback through its lifecycle, keyed create-once by
// the processor's dispute id.
type Dispute struct {
	ID                snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID  `gorm:"not null;index" json:"tenant_id"`
	OrderID           *snowflake.ID `gorm:"index" json:"order_id,omitempty"`
	ProviderDisputeID string        `gorm:"type:text;not null;uniqueIndex:ux_disputes_provider_id" json:"provider_dispute_id"`
	ChargeID          string        `gorm:"type:text" json:"charge_id"`
	PaymentIntentID   string        `gorm:"type:text;index" json:"payment_intent_id"`
	Amount            int64         `gorm:"not null" json:"amount"`
	Currency          string        `gorm:"type:text;not null" json:"currency"`
	Status            string        `gorm:"type:text;not null" json:"status"`
	Reason            string        `gorm:"type:text" json:"reason"`
	OpenedAt          time.Time     `gorm:"not null" json:"opened_at"`
	ClosedAt          *time.Time    `json:"closed_at,omitempty"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Dispute) TableName() string { return "disputes" }

type Repository interface {
	// FindByProviderID loads a dispute by processor dispute id, nil when
	// absent. Locks the row on dialects that support it when forUpdate.
	FindByProviderID(ctx context.Context, db *gorm.DB, providerDisputeID string, forUpdate bool) (*Dispute, error)
	// Insert creates the dispute once; returns false when a row with the
	// same provider dispute id already exists.
	Insert(ctx context.Context, db *gorm.DB, record *Dispute) (bool, error)
	// UpdateStatus persists a status transition.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, closedAt *time.Time) error
}
