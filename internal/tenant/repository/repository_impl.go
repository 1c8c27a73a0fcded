package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/makerstall/atelier/internal/tenant/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Tenant, error) {
	var item domain.Tenant
	err := db.WithContext(ctx).Raw(
		`SELECT id, slug, name, contact_email, currency, plan,
			subscription_id, subscription_status, features, order_seq,
			created_at, updated_at
		 FROM tenants
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// NextOrderNumber bumps and reads back the tenant's order sequence. The
// UPDATE takes the row lock, so concurrent callers inside their own
// transactions serialize here and never observe the same value.
func (r *repo) NextOrderNumber(ctx context.Context, tx *gorm.DB, id snowflake.ID) (int64, error) {
	res := tx.WithContext(ctx).Exec(
		`UPDATE tenants
		 SET order_seq = order_seq + 1, updated_at = ?
		 WHERE id = ?`,
		time.Now().UTC(),
		id,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, domain.ErrTenantNotFound
	}

	var seq int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT order_seq FROM tenants WHERE id = ?`,
		id,
	).Scan(&seq).Error; err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *repo) UpdateSubscriptionState(ctx context.Context, db *gorm.DB, id snowflake.ID, state domain.SubscriptionState) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE tenants
		 SET plan = ?, subscription_id = ?, subscription_status = ?, features = ?, updated_at = ?
		 WHERE id = ?`,
		string(state.Plan),
		state.SubscriptionID,
		string(state.Status),
		datatypes.JSONMap(state.Features),
		time.Now().UTC(),
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrTenantNotFound
	}
	return nil
}
