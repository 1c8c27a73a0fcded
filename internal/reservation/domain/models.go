// Package domain contains persistence models for checkout stock holds.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReservationStatus is the lifecycle state of a hold. A held line resolves to
// exactly one of the two terminals, never both.
type ReservationStatus string

const (
	ReservationStatusHeld      ReservationStatus = "held"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
)

// StockReservation is one held line of a checkout session. Holds do not
// decrement stock; the hold row itself protects the inventory while the
// customer checks out. Committing decrements, releasing does not.
type StockReservation struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID   snowflake.ID      `gorm:"not null;index" json:"tenant_id"`
	SessionID  string            `gorm:"type:text;not null;index" json:"session_id"`
	PieceID    snowflake.ID      `gorm:"not null" json:"piece_id"`
	VariantID  *string           `gorm:"type:text" json:"variant_id,omitempty"`
	Quantity   int               `gorm:"not null" json:"quantity"`
	Status     ReservationStatus `gorm:"type:text;not null;default:'held'" json:"status"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	ExpiresAt  time.Time         `gorm:"not null" json:"expires_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// TableName sets the database table name.
func (StockReservation) TableName() string { return "stock_reservations" }

type Service interface {
	// Commit resolves every held line under the session to committed and
	// decrements stock. Returns false when no held lines were found.
	Commit(ctx context.Context, tenantID snowflake.ID, sessionID string) (bool, error)
	// Release resolves held lines to released without touching stock.
	Release(ctx context.Context, tenantID snowflake.ID, sessionID string) (bool, error)
}
