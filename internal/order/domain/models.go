// Package domain contains the durable order record and its line items.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
)

type FulfillmentStatus string

const (
	FulfillmentStatusPending   FulfillmentStatus = "pending"
	FulfillmentStatusShipped   FulfillmentStatus = "shipped"
	FulfillmentStatusDelivered FulfillmentStatus = "delivered"
	FulfillmentStatusCancelled FulfillmentStatus = "cancelled"
)

var (
	ErrInvalidCart      = errors.New("invalid_cart_payload")
	ErrUnresolvedLine   = errors.New("unresolved_cart_line")
	ErrOrderNotFound    = errors.New("order_not_found")
	ErrMissingReference = errors.New("missing_payment_reference")
)

// Order is the durable record of a sale. At most one order exists per
// (tenant, checkout session); line items are snapshots taken at time of sale
// and never track later catalog edits. Orders are never deleted.
type Order struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_orders_tenant_session,priority:1" json:"tenant_id"`
	OrderNumber       string            `gorm:"type:text;not null" json:"order_number"`
	CustomerEmail     string            `gorm:"type:text" json:"customer_email"`
	CustomerName      string            `gorm:"type:text" json:"customer_name"`
	Address           datatypes.JSON    `gorm:"type:jsonb" json:"address,omitempty"`
	Subtotal          int64             `gorm:"not null" json:"subtotal"`
	Shipping          int64             `gorm:"not null" json:"shipping"`
	Tax               int64             `gorm:"not null" json:"tax"`
	Discount          int64             `gorm:"not null" json:"discount"`
	Total             int64             `gorm:"not null" json:"total"`
	Currency          string            `gorm:"type:text;not null" json:"currency"`
	PaymentStatus     PaymentStatus     `gorm:"type:text;not null" json:"payment_status"`
	FulfillmentStatus FulfillmentStatus `gorm:"type:text;not null" json:"fulfillment_status"`
	CheckoutSessionID string            `gorm:"type:text;not null;uniqueIndex:ux_orders_tenant_session,priority:2" json:"checkout_session_id"`
	PaymentIntentID   string            `gorm:"type:text;index" json:"payment_intent_id"`
	AmountRefunded    int64             `gorm:"not null;default:0" json:"amount_refunded"`
	RefundID          string            `gorm:"type:text" json:"refund_id"`
	RefundReason      string            `gorm:"type:text" json:"refund_reason"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }

// OrderItem snapshots one cart line against the catalog at time of sale.
type OrderItem struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	OrderID         snowflake.ID `gorm:"not null;index" json:"order_id"`
	TenantID        snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	PieceID         snowflake.ID `gorm:"not null" json:"piece_id"`
	VariantID       *string      `gorm:"type:text" json:"variant_id,omitempty"`
	Name            string       `gorm:"type:text;not null" json:"name"`
	UnitPrice       int64        `gorm:"not null" json:"unit_price"`
	Quantity        int          `gorm:"not null" json:"quantity"`
	Category        string       `gorm:"type:text" json:"category"`
	Personalization string       `gorm:"type:text" json:"personalization"`
	Digital         bool         `gorm:"not null;default:false" json:"digital"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (OrderItem) TableName() string { return "order_items" }

// DigitalDelivery grants download access for a digital line item, keyed
// create-once per order item.
type DigitalDelivery struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	OrderID     snowflake.ID `gorm:"not null;index" json:"order_id"`
	OrderItemID snowflake.ID `gorm:"not null;uniqueIndex:ux_digital_deliveries_item" json:"order_item_id"`
	Token       string       `gorm:"type:text;not null" json:"token"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (DigitalDelivery) TableName() string { return "digital_deliveries" }

type Repository interface {
	FindBySession(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, sessionID string) (*Order, error)
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*Order, error)
	FindItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]OrderItem, error)
	// InsertOrder is guarded by the (tenant, session) unique constraint.
	InsertOrder(ctx context.Context, tx *gorm.DB, order *Order) (bool, error)
	InsertItems(ctx context.Context, tx *gorm.DB, items []OrderItem) error
	// AmountRefundedForUpdate re-reads the cumulative refunded amount under a
	// row lock so concurrent refund handlers serialize on the order.
	AmountRefundedForUpdate(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) (int64, error)
	UpdateRefundState(ctx context.Context, tx *gorm.DB, orderID snowflake.ID, amountRefunded int64, refundID, reason string, paymentStatus PaymentStatus, fulfillment *FulfillmentStatus) error
}
