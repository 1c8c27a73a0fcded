package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/makerstall/atelier/internal/idempotency"
	"github.com/makerstall/atelier/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBySession(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, sessionID string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT *
		 FROM orders
		 WHERE tenant_id = ? AND checkout_session_id = ?
		 LIMIT 1`,
		tenantID,
		sessionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT *
		 FROM orders
		 WHERE payment_intent_id = ?
		 LIMIT 1`,
		paymentIntentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.OrderItem, error) {
	var items []domain.OrderItem
	err := db.WithContext(ctx).Raw(
		`SELECT *
		 FROM order_items
		 WHERE order_id = ?`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) AmountRefundedForUpdate(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) (int64, error) {
	query := `SELECT amount_refunded FROM orders WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var amount int64
	if err := tx.WithContext(ctx).Raw(query, orderID).Scan(&amount).Error; err != nil {
		return 0, err
	}
	return amount, nil
}

func (r *repo) InsertOrder(ctx context.Context, tx *gorm.DB, order *domain.Order) (bool, error) {
	return idempotency.Insert(ctx, tx, order)
}

func (r *repo) InsertItems(ctx context.Context, tx *gorm.DB, items []domain.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&items).Error
}

func (r *repo) UpdateRefundState(ctx context.Context, tx *gorm.DB, orderID snowflake.ID, amountRefunded int64, refundID, reason string, paymentStatus domain.PaymentStatus, fulfillment *domain.FulfillmentStatus) error {
	now := time.Now().UTC()
	if fulfillment != nil {
		return tx.WithContext(ctx).Exec(
			`UPDATE orders
			 SET amount_refunded = ?, refund_id = ?, refund_reason = ?,
				payment_status = ?, fulfillment_status = ?, updated_at = ?
			 WHERE id = ?`,
			amountRefunded,
			refundID,
			reason,
			string(paymentStatus),
			string(*fulfillment),
			now,
			orderID,
		).Error
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE orders
		 SET amount_refunded = ?, refund_id = ?, refund_reason = ?,
			payment_status = ?, updated_at = ?
		 WHERE id = ?`,
		amountRefunded,
		refundID,
		reason,
		string(paymentStatus),
		now,
		orderID,
	).Error
}
