// Package domain contains persistence models for the handmade-goods catalog.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Piece is a catalog listing. Stock is tracked as an absolute counter and is
// only ever mutated with SQL-side arithmetic.
type Piece struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	SKU         string       `gorm:"type:text;not null" json:"sku"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	Description *string      `gorm:"type:text" json:"description,omitempty"`
	PriceAmount int64        `gorm:"not null" json:"price_amount"`
	Currency    string       `gorm:"type:text;not null" json:"currency"`
	Category    string       `gorm:"type:text" json:"category"`
	StockCount  int          `gorm:"not null;default:0" json:"stock_count"`
	Digital     bool         `gorm:"not null;default:false" json:"digital"`
	Active      bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Piece) TableName() string { return "pieces" }

type Repository interface {
	// FindBatch resolves a set of pieces in a single query.
	FindBatch(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) (map[snowflake.ID]Piece, error)
	// DecrementStock subtracts qty from the piece's stock, clamping at zero.
	DecrementStock(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, pieceID snowflake.ID, qty int) error
	// RestoreStock adds qty back to the piece's stock.
	RestoreStock(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, pieceID snowflake.ID, qty int) error
	// StockCount reads the current counter.
	StockCount(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, pieceID snowflake.ID) (int, error)
}
