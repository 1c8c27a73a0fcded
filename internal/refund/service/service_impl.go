package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/makerstall/atelier/internal/audit/domain"
	catalogdomain "github.com/makerstall/atelier/internal/catalog/domain"
	"github.com/makerstall/atelier/internal/idempotency"
	ledgerdomain "github.com/makerstall/atelier/internal/ledger/domain"
	"github.com/makerstall/atelier/internal/notification"
	"github.com/makerstall/atelier/internal/observability/metrics"
	orderdomain "github.com/makerstall/atelier/internal/order/domain"
	paymentdomain "github.com/makerstall/atelier/internal/payment/domain"
	"github.com/makerstall/atelier/internal/processor"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fullRefundThreshold tolerates rounding on "refund everything" flows.
const fullRefundThreshold = 0.99

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	OrderRepo   orderdomain.Repository
	CatalogRepo catalogdomain.Repository
	AuditSvc    auditdomain.Service
	Processor   processor.Client
	Notifier    *notification.Notifier
	ObsMetrics  *metrics.Metrics `optional:"true"`
}

// Reconciler maps refund notifications back to their originating order and
// proportionally restores inventory.
type Reconciler struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	orderRepo   orderdomain.Repository
	catalogRepo catalogdomain.Repository
	auditSvc    auditdomain.Service
	processor   processor.Client
	notifier    *notification.Notifier
	obsMetrics  *metrics.Metrics
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		db:          p.DB,
		log:         p.Log.Named("refund.reconciler"),
		genID:       p.GenID,
		orderRepo:   p.OrderRepo,
		catalogRepo: p.CatalogRepo,
		auditSvc:    p.AuditSvc,
		processor:   p.Processor,
		notifier:    p.Notifier,
		obsMetrics:  p.ObsMetrics,
	}
}

// HandleChargeRefunded applies one refund notification. All invariant-bearing
// writes (refund transaction, order refund state, stock restoration) happen
// in a single database transaction whose first statement is the guarded
// transaction insert, so a duplicate notification rolls up to a no-op.
func (r *Reconciler) HandleChargeRefunded(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	var charge paymentdomain.Charge
	if err := json.Unmarshal(event.Object, &charge); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.PaymentIntent) == "" || charge.Amount <= 0 || charge.AmountRefunded <= 0 {
		return paymentdomain.ErrInvalidEvent
	}

	order, err := r.orderRepo.FindByPaymentIntent(ctx, r.db, charge.PaymentIntent)
	if err != nil {
		return err
	}

	metadataTenant := snowflake.ID(paymentdomain.TenantID(charge.Metadata))
	if order == nil {
		// No order to reconcile against: critical, manually-reviewable. The
		// money already moved, so this must never be dropped silently.
		r.log.Error("refund with no resolvable order",
			zap.String("payment_intent", charge.PaymentIntent),
			zap.String("charge_id", charge.ID),
		)
		r.record(ctx, tenantRef(metadataTenant), "refund.unresolvable", charge.ID, map[string]any{
			"event_id":        event.ID,
			"payment_intent":  charge.PaymentIntent,
			"amount_refunded": charge.AmountRefunded,
		})
		return nil
	}
	if metadataTenant != 0 && metadataTenant != order.TenantID {
		// Security-relevant integrity violation: stop, no partial action.
		r.log.Error("refund tenant mismatch",
			zap.String("payment_intent", charge.PaymentIntent),
			zap.String("order_tenant", order.TenantID.String()),
			zap.String("event_tenant", metadataTenant.String()),
		)
		r.record(ctx, tenantRef(order.TenantID), "refund.tenant_mismatch", charge.ID, map[string]any{
			"event_id":       event.ID,
			"payment_intent": charge.PaymentIntent,
		})
		return paymentdomain.ErrTenantMismatch
	}

	// amount_refunded is cumulative across partial refunds; only the delta
	// beyond what the order already recorded is new. This pre-read is a fast
	// path only, the authoritative delta is recomputed under lock below.
	if charge.AmountRefunded <= order.AmountRefunded {
		r.log.Debug("refund already recorded", zap.String("charge_id", charge.ID))
		return nil
	}
	totalPct := float64(charge.AmountRefunded) / float64(charge.Amount)
	fullRefund := totalPct >= fullRefundThreshold

	items, err := r.orderRepo.FindItems(ctx, r.db, order.ID)
	if err != nil {
		return err
	}

	saleProcFee, salePlatFee, err := r.saleFees(ctx, order, charge.BalanceTransaction)
	if err != nil {
		return err
	}

	externalRef := strings.TrimSpace(charge.RefundID)
	if externalRef == "" {
		externalRef = charge.ID + ":refund"
	}

	restored := 0
	applied := false
	var refundDelta int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serialize on the order row: two overlapping refund notifications
		// must not both apply the same delta.
		recorded, err := r.orderRepo.AmountRefundedForUpdate(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		refundDelta = charge.AmountRefunded - recorded
		if refundDelta <= 0 {
			return nil
		}
		deltaPct := float64(refundDelta) / float64(charge.Amount)

		// Fees come back proportionally to the refunded share, rounded toward
		// zero so the ledger never over-credits.
		procFee := -int64(float64(saleProcFee) * deltaPct)
		platFee := -int64(float64(salePlatFee) * deltaPct)
		gross := -refundDelta

		txn := ledgerdomain.Transaction{
			ID:           r.genID.Generate(),
			TenantID:     order.TenantID,
			OrderID:      &order.ID,
			Type:         ledgerdomain.TransactionTypeRefund,
			Gross:        gross,
			ProcessorFee: procFee,
			PlatformFee:  platFee,
			Net:          gross - procFee - platFee,
			Currency:     order.Currency,
			ExternalRef:  externalRef,
			Status:       ledgerdomain.TransactionStatusCompleted,
		}
		inserted, err := idempotency.Insert(ctx, tx, &txn)
		if err != nil {
			return err
		}
		if !inserted {
			// Duplicate refund notification.
			return nil
		}
		applied = true

		paymentStatus := orderdomain.PaymentStatusPartiallyRefunded
		var fulfillment *orderdomain.FulfillmentStatus
		if fullRefund {
			paymentStatus = orderdomain.PaymentStatusRefunded
			cancelled := orderdomain.FulfillmentStatusCancelled
			fulfillment = &cancelled
		}
		if err := r.orderRepo.UpdateRefundState(ctx, tx, order.ID, charge.AmountRefunded, externalRef, strings.TrimSpace(charge.RefundReason), paymentStatus, fulfillment); err != nil {
			return err
		}

		// floor() biases restoration down; never over-restore stock.
		for _, item := range items {
			units := int(float64(item.Quantity) * deltaPct)
			if units <= 0 {
				continue
			}
			if err := r.catalogRepo.RestoreStock(ctx, tx, order.TenantID, item.PieceID, units); err != nil {
				return err
			}
			restored += units
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if r.obsMetrics != nil {
		r.obsMetrics.RecordStockRestored(restored)
		r.obsMetrics.RecordWebhookEvent(event.Source, event.Type, "refund_applied")
	}

	_ = r.notifier.Send(ctx, notification.KindRefundNotice, order.CustomerEmail, map[string]any{
		"order_number": order.OrderNumber,
		"amount":       formatAmount(refundDelta),
		"currency":     order.Currency,
	})
	return nil
}

// saleFees resolves the fee basis for proportional refunding: the actual
// processor fee from the balance transaction when the processor exposes it,
// otherwise the fees recorded on the originating sale transaction.
func (r *Reconciler) saleFees(ctx context.Context, order *orderdomain.Order, balanceTxID string) (int64, int64, error) {
	var row struct {
		ProcessorFee int64
		PlatformFee  int64
	}
	err := r.db.WithContext(ctx).Raw(
		`SELECT processor_fee, platform_fee
		 FROM transactions
		 WHERE tenant_id = ? AND order_id = ? AND type = ?
		 LIMIT 1`,
		order.TenantID,
		order.ID,
		string(ledgerdomain.TransactionTypeSale),
	).Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}

	procFee := row.ProcessorFee
	if balanceTxID = strings.TrimSpace(balanceTxID); balanceTxID != "" {
		actual, err := r.processor.BalanceTransactionFee(ctx, balanceTxID)
		if err != nil {
			r.log.Warn("balance transaction read-back failed", zap.Error(err))
		} else if actual > 0 {
			procFee = actual
		}
	}
	return procFee, row.PlatformFee, nil
}

func (r *Reconciler) record(ctx context.Context, tenantID *snowflake.ID, action, targetID string, metadata map[string]any) {
	_ = r.auditSvc.Record(ctx, tenantID, action, "charge", &targetID, metadata)
}

func tenantRef(id snowflake.ID) *snowflake.ID {
	if id == 0 {
		return nil
	}
	return &id
}

func formatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
