package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/makerstall/atelier/internal/idempotency"
	"github.com/makerstall/atelier/internal/ledger/domain"
	obsmetrics "github.com/makerstall/atelier/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Record(ctx context.Context, tx *gorm.DB, txn *domain.Transaction) (bool, error) {
	if err := validate(txn); err != nil {
		return false, err
	}
	if tx == nil {
		tx = s.db
	}

	now := time.Now().UTC()
	if txn.ID == 0 {
		txn.ID = s.genID.Generate()
	}
	txn.CreatedAt = now
	txn.UpdatedAt = now

	inserted, err := idempotency.Insert(ctx, tx, txn)
	if err != nil {
		return false, err
	}
	if !inserted {
		s.log.Debug("transaction already recorded",
			zap.String("external_ref", txn.ExternalRef),
			zap.String("type", string(txn.Type)),
		)
		return false, nil
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerTransaction(string(txn.Type))
	}
	return true, nil
}

func validate(txn *domain.Transaction) error {
	if txn == nil {
		return domain.ErrInvalidAmounts
	}
	if txn.TenantID == 0 {
		return domain.ErrInvalidTenant
	}
	txn.ExternalRef = strings.TrimSpace(txn.ExternalRef)
	if txn.ExternalRef == "" {
		return domain.ErrInvalidExternal
	}
	currency := strings.ToUpper(strings.TrimSpace(txn.Currency))
	if currency == "" {
		return domain.ErrInvalidCurrency
	}
	txn.Currency = currency
	if txn.Net != txn.Gross-txn.ProcessorFee-txn.PlatformFee {
		return domain.ErrInvalidAmounts
	}
	if txn.Status == "" {
		txn.Status = domain.TransactionStatusCompleted
	}
	return nil
}

func (s *Service) UpdateStatus(ctx context.Context, id snowflake.ID, from, to domain.TransactionStatus) error {
	if !validTransition(from, to) {
		return domain.ErrInvalidTransition
	}
	res := s.db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to),
		time.Now().UTC(),
		id,
		string(from),
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func validTransition(from, to domain.TransactionStatus) bool {
	switch from {
	case domain.TransactionStatusPending:
		return to == domain.TransactionStatusCompleted || to == domain.TransactionStatusFailed
	case domain.TransactionStatusCompleted:
		return to == domain.TransactionStatusReversed
	default:
		return false
	}
}

func (s *Service) OrderNetSum(ctx context.Context, tenantID, orderID snowflake.ID) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(net), 0)
		 FROM transactions
		 WHERE tenant_id = ? AND order_id = ?`,
		tenantID,
		orderID,
	).Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum, nil
}

// RecordPayout creates the payout row and its ledger transaction together.
// The unique index on the provider payout id decides the single writer.
func (s *Service) RecordPayout(ctx context.Context, payout *domain.Payout) (bool, error) {
	if payout == nil || payout.TenantID == 0 {
		return false, domain.ErrInvalidTenant
	}
	payout.ProviderPayoutID = strings.TrimSpace(payout.ProviderPayoutID)
	if payout.ProviderPayoutID == "" {
		return false, domain.ErrInvalidExternal
	}

	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if payout.ID == 0 {
			payout.ID = s.genID.Generate()
		}
		payout.CreatedAt = now
		payout.UpdatedAt = now

		ok, err := idempotency.Insert(ctx, tx, payout)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		status := domain.TransactionStatusCompleted
		if payout.Status == domain.PayoutStatusFailed {
			status = domain.TransactionStatusFailed
		}
		// Payouts move the full amount; the processor already netted fees.
		txn := domain.Transaction{
			TenantID:    payout.TenantID,
			Type:        domain.TransactionTypePayout,
			Gross:       -payout.Amount,
			Net:         -payout.Amount,
			Currency:    payout.Currency,
			ExternalRef: payout.ProviderPayoutID,
			Status:      status,
		}
		if _, err := s.Record(ctx, tx, &txn); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}
