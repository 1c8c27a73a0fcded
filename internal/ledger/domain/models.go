// Package domain contains persistence models for the financial ledger.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TransactionType classifies money movement.
type TransactionType string

const (
	TransactionTypeSale         TransactionType = "sale"
	TransactionTypeRefund       TransactionType = "refund"
	TransactionTypePayout       TransactionType = "payout"
	TransactionTypeFee          TransactionType = "fee"
	TransactionTypeSubscription TransactionType = "subscription"
)

// TransactionStatus follows the create-once, append-only transition
// discipline: pending resolves to completed or failed; completed may be
// reversed. Nothing else mutates.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusReversed  TransactionStatus = "reversed"
)

// PayoutStatus tracks bank transfers.
type PayoutStatus string

const (
	PayoutStatusPaid   PayoutStatus = "paid"
	PayoutStatusFailed PayoutStatus = "failed"
)

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidAmounts    = errors.New("invalid_amounts")
	ErrInvalidCurrency   = errors.New("invalid_currency")
	ErrInvalidExternal   = errors.New("invalid_external_ref")
	ErrInvalidTransition = errors.New("invalid_status_transition")
)

// Transaction is an immutable ledger entry. net = gross - processor fee -
// platform fee holds at creation time; refunds carry negative amounts.
type Transaction struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_transactions_tenant_ref,priority:1" json:"tenant_id"`
	OrderID      *snowflake.ID     `gorm:"index" json:"order_id,omitempty"`
	Type         TransactionType   `gorm:"type:text;not null" json:"type"`
	Gross        int64             `gorm:"not null" json:"gross"`
	ProcessorFee int64             `gorm:"not null" json:"processor_fee"`
	PlatformFee  int64             `gorm:"not null" json:"platform_fee"`
	Net          int64             `gorm:"not null" json:"net"`
	Currency     string            `gorm:"type:text;not null" json:"currency"`
	ExternalRef  string            `gorm:"type:text;not null;uniqueIndex:ux_transactions_tenant_ref,priority:2" json:"external_ref"`
	Status       TransactionStatus `gorm:"type:text;not null" json:"status"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// Payout is a satellite entity tracking bank transfers, keyed by the
// processor's payout id.
type Payout struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID         snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	ProviderPayoutID string       `gorm:"type:text;not null;uniqueIndex:ux_payouts_provider_id" json:"provider_payout_id"`
	Amount           int64        `gorm:"not null" json:"amount"`
	Currency         string       `gorm:"type:text;not null" json:"currency"`
	Status           PayoutStatus `gorm:"type:text;not null" json:"status"`
	BankLast4        string       `gorm:"type:text" json:"bank_last4"`
	FailureMessage   string       `gorm:"type:text" json:"failure_message"`
	ArrivalDate      *time.Time   `json:"arrival_date,omitempty"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Payout) TableName() string { return "payouts" }

type Service interface {
	// Record validates the arithmetic invariant and inserts the transaction
	// guarded by its (tenant, external ref) natural key. Returns false when a
	// transaction with that key already exists.
	Record(ctx context.Context, tx *gorm.DB, txn *Transaction) (bool, error)
	// UpdateStatus applies a pending -> completed/failed or completed ->
	// reversed transition.
	UpdateStatus(ctx context.Context, id snowflake.ID, from, to TransactionStatus) error
	// OrderNetSum returns the signed sum of all transaction nets for an order.
	OrderNetSum(ctx context.Context, tenantID, orderID snowflake.ID) (int64, error)
	// RecordPayout inserts a payout row create-once plus its matching
	// transaction. Returns false when the payout was already recorded.
	RecordPayout(ctx context.Context, payout *Payout) (bool, error)
}
