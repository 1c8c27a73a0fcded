package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/makerstall/atelier/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBatch(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) (map[snowflake.ID]domain.Piece, error) {
	out := make(map[snowflake.ID]domain.Piece, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []domain.Piece
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

func (r *repo) DecrementStock(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, pieceID snowflake.ID, qty int) error {
	if qty <= 0 {
		return nil
	}
	now := time.Now().UTC()

	res := tx.WithContext(ctx).Exec(
		`UPDATE pieces
		 SET stock_count = stock_count - ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND stock_count >= ?`,
		qty,
		now,
		tenantID,
		pieceID,
		qty,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Less stock on hand than reserved. Clamp at zero rather than going
	// negative; the discrepancy is visible through the audit trail.
	return tx.WithContext(ctx).Exec(
		`UPDATE pieces
		 SET stock_count = 0, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND stock_count < ?`,
		now,
		tenantID,
		pieceID,
		qty,
	).Error
}

func (r *repo) RestoreStock(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, pieceID snowflake.ID, qty int) error {
	if qty <= 0 {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE pieces
		 SET stock_count = stock_count + ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		qty,
		time.Now().UTC(),
		tenantID,
		pieceID,
	).Error
}

func (r *repo) StockCount(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, pieceID snowflake.ID) (int, error) {
	var count int
	err := db.WithContext(ctx).Raw(
		`SELECT stock_count FROM pieces WHERE tenant_id = ? AND id = ?`,
		tenantID,
		pieceID,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
