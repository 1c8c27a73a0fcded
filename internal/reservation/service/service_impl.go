package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/makerstall/atelier/internal/catalog/domain"
	"github.com/makerstall/atelier/internal/reservation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	CatalogRepo catalogdomain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	catalogRepo catalogdomain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reservation.service"),
		catalogRepo: p.CatalogRepo,
	}
}

// Commit flips every held line under the session to committed and decrements
// the catalog counters by the reserved quantity. The status predicate on the
// UPDATE makes the transition single-shot: a session that was already
// committed or released has no held lines left and resolves to a no-op.
func (s *Service) Commit(ctx context.Context, tenantID snowflake.ID, sessionID string) (bool, error) {
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lines, err := s.heldLines(ctx, tx, tenantID, sessionID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return nil
		}

		now := time.Now().UTC()
		res := tx.WithContext(ctx).Exec(
			`UPDATE stock_reservations
			 SET status = ?, resolved_at = ?
			 WHERE tenant_id = ? AND session_id = ? AND status = ?`,
			string(domain.ReservationStatusCommitted),
			now,
			tenantID,
			sessionID,
			string(domain.ReservationStatusHeld),
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to a concurrent resolver.
			return nil
		}

		for _, line := range lines {
			if err := s.catalogRepo.DecrementStock(ctx, tx, tenantID, line.PieceID, line.Quantity); err != nil {
				return err
			}
		}
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Release flips held lines to released. Stock was never decremented for held
// reservations, so the counters stay untouched.
func (s *Service) Release(ctx context.Context, tenantID snowflake.ID, sessionID string) (bool, error) {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE stock_reservations
		 SET status = ?, resolved_at = ?
		 WHERE tenant_id = ? AND session_id = ? AND status = ?`,
		string(domain.ReservationStatusReleased),
		time.Now().UTC(),
		tenantID,
		sessionID,
		string(domain.ReservationStatusHeld),
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		s.log.Debug("release found no held reservation",
			zap.String("session_id", sessionID),
			zap.String("tenant_id", tenantID.String()),
		)
		return false, nil
	}
	return true, nil
}

func (s *Service) heldLines(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, sessionID string) ([]domain.StockReservation, error) {
	var lines []domain.StockReservation
	err := tx.WithContext(ctx).Raw(
		`SELECT id, tenant_id, session_id, piece_id, variant_id, quantity,
			status, created_at, expires_at, resolved_at
		 FROM stock_reservations
		 WHERE tenant_id = ? AND session_id = ? AND status = ?`,
		tenantID,
		sessionID,
		string(domain.ReservationStatusHeld),
	).Scan(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}
