// Package idempotency provides the natural-key insert guard shared by every
// webhook handler. Dedup state lives in the guarded entity's own table,
// protected by a unique constraint, so the check survives restarts and stays
// consistent with the entity's existence. Two handlers racing on the same key
// resolve at the storage layer: exactly one insert wins, the loser observes
// already-applied.
package idempotency

import (
	"context"

	"github.com/makerstall/atelier/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Insert performs a conditional insert of value. It returns true when this
// caller created the row, false when a row with the same natural key already
// exists. Any other error is surfaced for the caller to retry.
func Insert(ctx context.Context, tx *gorm.DB, value any) (bool, error) {
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(value)
	if res.Error != nil {
		// Drivers without conflict-clause support report the unique
		// violation as an error instead of zero rows affected.
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
