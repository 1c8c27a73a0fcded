package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/makerstall/atelier/internal/audit/domain"
	ledgerdomain "github.com/makerstall/atelier/internal/ledger/domain"
	orderdomain "github.com/makerstall/atelier/internal/order/domain"
	disputedomain "github.com/makerstall/atelier/internal/payment/dispute/domain"
	paymentdomain "github.com/makerstall/atelier/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      disputedomain.Repository
	OrderRepo orderdomain.Repository
	LedgerSvc ledgerdomain.Service
	AuditSvc  auditdomain.Service
}

// Service tracks chargebacks and mirrors the processor's fund movements
// into the ledger.
type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      disputedomain.Repository
	orderRepo orderdomain.Repository
	ledgerSvc ledgerdomain.Service
	auditSvc  auditdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.dispute"),
		genID:     p.GenID,
		repo:      p.Repo,
		orderRepo: p.OrderRepo,
		ledgerSvc: p.LedgerSvc,
		auditSvc:  p.AuditSvc,
	}
}

// ProcessEvent routes one dispute lifecycle notification. The dispute row is
// created exactly once per processor dispute id; later events only move its
// status forward and append ledger transactions guarded by their own refs.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	var obj paymentdomain.DisputeObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	obj.ID = strings.TrimSpace(obj.ID)
	if obj.ID == "" || obj.Amount <= 0 {
		return paymentdomain.ErrInvalidEvent
	}

	tenantID, order, err := s.resolveTenant(ctx, &obj)
	if err != nil {
		return err
	}
	if tenantID == 0 {
		s.log.Error("dispute with no resolvable tenant",
			zap.String("dispute_id", obj.ID),
			zap.String("payment_intent", obj.PaymentIntent),
		)
		s.audit(ctx, nil, "dispute.unresolvable", obj.ID, map[string]any{
			"event_id": event.ID,
			"amount":   obj.Amount,
		})
		return nil
	}

	switch event.Type {
	case paymentdomain.EventTypeDisputeCreated:
		return s.open(ctx, event, &obj, tenantID, order)
	case paymentdomain.EventTypeDisputeFundsWithdrawn:
		return s.moveFunds(ctx, event, &obj, tenantID, order, disputedomain.DisputeStatusWithdrawn, -obj.Amount, ":hold")
	case paymentdomain.EventTypeDisputeFundsReinstated:
		return s.moveFunds(ctx, event, &obj, tenantID, order, disputedomain.DisputeStatusReinstated, obj.Amount, ":release")
	case paymentdomain.EventTypeDisputeClosed:
		return s.close(ctx, event, &obj, tenantID)
	default:
		return paymentdomain.ErrEventIgnored
	}
}

func (s *Service) open(ctx context.Context, event *paymentdomain.PaymentEvent, obj *paymentdomain.DisputeObject, tenantID snowflake.ID, order *orderdomain.Order) error {
	record := disputedomain.Dispute{
		ID:                s.genID.Generate(),
		TenantID:          tenantID,
		ProviderDisputeID: obj.ID,
		ChargeID:          obj.Charge,
		PaymentIntentID:   obj.PaymentIntent,
		Amount:            obj.Amount,
		Currency:          strings.ToUpper(obj.Currency),
		Status:            disputedomain.DisputeStatusOpen,
		Reason:            strings.TrimSpace(obj.Reason),
		OpenedAt:          event.OccurredAt,
	}
	if order != nil {
		record.OrderID = &order.ID
	}
	inserted, err := s.repo.Insert(ctx, s.db, &record)
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Debug("dispute already open", zap.String("dispute_id", obj.ID))
		return nil
	}
	s.audit(ctx, &tenantID, "dispute.opened", obj.ID, map[string]any{
		"event_id": event.ID,
		"amount":   obj.Amount,
		"reason":   record.Reason,
	})
	return nil
}

func (s *Service) moveFunds(ctx context.Context, event *paymentdomain.PaymentEvent, obj *paymentdomain.DisputeObject, tenantID snowflake.ID, order *orderdomain.Order, status string, amount int64, refSuffix string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.locateOrBackfill(ctx, tx, event, obj, tenantID, order)
		if err != nil {
			return err
		}

		txn := ledgerdomain.Transaction{
			ID:          s.genID.Generate(),
			TenantID:    tenantID,
			OrderID:     record.OrderID,
			Type:        ledgerdomain.TransactionTypeFee,
			Gross:       amount,
			Net:         amount,
			Currency:    record.Currency,
			ExternalRef: obj.ID + refSuffix,
			Status:      ledgerdomain.TransactionStatusCompleted,
		}
		inserted, err := s.ledgerSvc.Record(ctx, tx, &txn)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if next := nextStatus(record.Status, status); next != record.Status {
			if err := s.repo.UpdateStatus(ctx, tx, record.ID, next, nil); err != nil {
				return err
			}
		}
		s.audit(ctx, &tenantID, "dispute."+status, obj.ID, map[string]any{
			"event_id": event.ID,
			"amount":   amount,
		})
		return nil
	})
}

func (s *Service) close(ctx context.Context, event *paymentdomain.PaymentEvent, obj *paymentdomain.DisputeObject, tenantID snowflake.ID) error {
	record, err := s.repo.FindByProviderID(ctx, s.db, obj.ID, false)
	if err != nil {
		return err
	}
	if record == nil {
		s.log.Warn("close for unknown dispute", zap.String("dispute_id", obj.ID))
		return nil
	}
	status := disputedomain.DisputeStatusLost
	if obj.Status == "won" {
		status = disputedomain.DisputeStatusWon
	}
	if record.Status == disputedomain.DisputeStatusWon || record.Status == disputedomain.DisputeStatusLost {
		return nil
	}
	closedAt := event.OccurredAt
	if err := s.repo.UpdateStatus(ctx, s.db, record.ID, status, &closedAt); err != nil {
		return err
	}
	s.audit(ctx, &tenantID, "dispute.closed", obj.ID, map[string]any{
		"event_id": event.ID,
		"outcome":  status,
	})
	return nil
}

// locateOrBackfill returns the dispute row, creating it when fund movement
// events arrive before (or without) the create event.
func (s *Service) locateOrBackfill(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent, obj *paymentdomain.DisputeObject, tenantID snowflake.ID, order *orderdomain.Order) (*disputedomain.Dispute, error) {
	record, err := s.repo.FindByProviderID(ctx, tx, obj.ID, true)
	if err != nil {
		return nil, err
	}
	if record != nil {
		return record, nil
	}
	backfill := disputedomain.Dispute{
		ID:                s.genID.Generate(),
		TenantID:          tenantID,
		ProviderDisputeID: obj.ID,
		ChargeID:          obj.Charge,
		PaymentIntentID:   obj.PaymentIntent,
		Amount:            obj.Amount,
		Currency:          strings.ToUpper(obj.Currency),
		Status:            disputedomain.DisputeStatusOpen,
		Reason:            strings.TrimSpace(obj.Reason),
		OpenedAt:          event.OccurredAt,
	}
	if order != nil {
		backfill.OrderID = &order.ID
	}
	if _, err := s.repo.Insert(ctx, tx, &backfill); err != nil {
		return nil, err
	}
	record, err = s.repo.FindByProviderID(ctx, tx, obj.ID, true)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &backfill, nil
	}
	return record, nil
}

func (s *Service) resolveTenant(ctx context.Context, obj *paymentdomain.DisputeObject) (snowflake.ID, *orderdomain.Order, error) {
	var order *orderdomain.Order
	if pi := strings.TrimSpace(obj.PaymentIntent); pi != "" {
		found, err := s.orderRepo.FindByPaymentIntent(ctx, s.db, pi)
		if err != nil {
			return 0, nil, err
		}
		order = found
	}
	tenantID := snowflake.ID(paymentdomain.TenantID(obj.Metadata))
	if tenantID != 0 && order != nil && tenantID != order.TenantID {
		// Security-relevant integrity violation: stop, no partial action.
		s.log.Error("dispute tenant mismatch",
			zap.String("dispute_id", obj.ID),
			zap.String("order_tenant", order.TenantID.String()),
			zap.String("event_tenant", tenantID.String()),
		)
		s.audit(ctx, &order.TenantID, "dispute.tenant_mismatch", obj.ID, map[string]any{
			"payment_intent": obj.PaymentIntent,
			"event_tenant":   tenantID.String(),
		})
		return 0, nil, paymentdomain.ErrTenantMismatch
	}
	if tenantID == 0 && order != nil {
		tenantID = order.TenantID
	}
	return tenantID, order, nil
}

func (s *Service) audit(ctx context.Context, tenantID *snowflake.ID, action, disputeID string, metadata map[string]any) {
	_ = s.auditSvc.Record(ctx, tenantID, action, "dispute", &disputeID, metadata)
}

// nextStatus moves the lifecycle forward only; replays of earlier events
// never regress a dispute.
func nextStatus(current, desired string) string {
	rank := map[string]int{
		disputedomain.DisputeStatusOpen:       1,
		disputedomain.DisputeStatusWithdrawn:  2,
		disputedomain.DisputeStatusReinstated: 3,
		disputedomain.DisputeStatusWon:        4,
		disputedomain.DisputeStatusLost:       4,
	}
	if rank[desired] > rank[current] {
		return desired
	}
	return current
}
