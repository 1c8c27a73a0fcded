package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/makerstall/atelier/internal/idempotency"
	domain "github.com/makerstall/atelier/internal/payment/dispute/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, providerDisputeID string, forUpdate bool) (*domain.Dispute, error) {
	var record domain.Dispute
	query := `SELECT * FROM disputes WHERE provider_dispute_id = ? LIMIT 1`
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	err := db.WithContext(ctx).Raw(query, providerDisputeID).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Dispute) (bool, error) {
	return idempotency.Insert(ctx, db, record)
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, closedAt *time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE disputes SET status = ?, closed_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status,
		closedAt,
		id,
	).Error
}
