package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/makerstall/atelier/internal/audit/domain"
	catalogdomain "github.com/makerstall/atelier/internal/catalog/domain"
	"github.com/makerstall/atelier/internal/config"
	"github.com/makerstall/atelier/internal/idempotency"
	ledgerdomain "github.com/makerstall/atelier/internal/ledger/domain"
	"github.com/makerstall/atelier/internal/notification"
	"github.com/makerstall/atelier/internal/observability/metrics"
	"github.com/makerstall/atelier/internal/order/domain"
	paymentdomain "github.com/makerstall/atelier/internal/payment/domain"
	reservationdomain "github.com/makerstall/atelier/internal/reservation/domain"
	tenantdomain "github.com/makerstall/atelier/internal/tenant/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Cfg            config.Config
	Repo           domain.Repository
	TenantRepo     tenantdomain.Repository
	CatalogRepo    catalogdomain.Repository
	ReservationSvc reservationdomain.Service
	LedgerSvc      ledgerdomain.Service
	AuditSvc       auditdomain.Service
	Notifier       *notification.Notifier
	ObsMetrics     *metrics.Metrics `optional:"true"`
}

// Assembler materializes durable orders from completed checkouts.
type Assembler struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	cfg            config.Config
	repo           domain.Repository
	tenantRepo     tenantdomain.Repository
	catalogRepo    catalogdomain.Repository
	reservationSvc reservationdomain.Service
	ledgerSvc      ledgerdomain.Service
	auditSvc       auditdomain.Service
	notifier       *notification.Notifier
	obsMetrics     *metrics.Metrics
}

func NewAssembler(p Params) *Assembler {
	return &Assembler{
		db:             p.DB,
		log:            p.Log.Named("order.assembler"),
		genID:          p.GenID,
		cfg:            p.Cfg,
		repo:           p.Repo,
		tenantRepo:     p.TenantRepo,
		catalogRepo:    p.CatalogRepo,
		reservationSvc: p.ReservationSvc,
		ledgerSvc:      p.LedgerSvc,
		auditSvc:       p.AuditSvc,
		notifier:       p.Notifier,
		obsMetrics:     p.ObsMetrics,
	}
}

// HandleCheckoutCompleted converts a completed checkout event into an order,
// a committed reservation and a sale transaction. Validation failures are
// audited and acknowledged; only infrastructure errors propagate so the
// caller redelivers. The handler is re-entrant: every mutating step is
// guarded by a natural key or tolerates re-execution.
func (a *Assembler) HandleCheckoutCompleted(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	var session paymentdomain.CheckoutSession
	if err := json.Unmarshal(event.Object, &session); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return paymentdomain.ErrInvalidEvent
	}

	tenantID := snowflake.ID(paymentdomain.TenantID(session.Metadata))
	if tenantID == 0 {
		a.log.Warn("checkout completed without tenant id", zap.String("session_id", session.ID))
		a.record(ctx, nil, "order.missing_tenant", "checkout_session", session.ID, map[string]any{
			"event_id": event.ID,
		})
		return paymentdomain.ErrMissingTenant
	}

	// Short-circuit before any stock or ledger mutation.
	existing, err := a.repo.FindBySession(ctx, a.db, tenantID, session.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		a.log.Debug("order already assembled", zap.String("session_id", session.ID))
		return nil
	}

	lines, err := parseCart(session.Metadata["cart"])
	if err != nil {
		a.log.Warn("malformed cart payload", zap.String("session_id", session.ID), zap.Error(err))
		a.record(ctx, &tenantID, "order.invalid_cart", "checkout_session", session.ID, map[string]any{
			"event_id": event.ID,
		})
		return nil
	}

	committed, err := a.reservationSvc.Commit(ctx, tenantID, session.ID)
	if err != nil {
		return err
	}
	if !committed {
		// The reservation may have been committed by a prior, de-duplicated
		// attempt, or expired before completion. Tolerable either way.
		a.log.Info("no held reservation for session", zap.String("session_id", session.ID))
	}

	pieceIDs := make([]snowflake.ID, 0, len(lines))
	for _, line := range lines {
		pieceIDs = append(pieceIDs, line.pieceID)
	}
	pieces, err := a.catalogRepo.FindBatch(ctx, a.db, tenantID, pieceIDs)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, ok := pieces[line.pieceID]; !ok {
			// A partial order would under-bill and over-ship; fail the whole
			// creation instead.
			a.record(ctx, &tenantID, "order.unresolved_line", "checkout_session", session.ID, map[string]any{
				"event_id": event.ID,
				"piece_id": line.pieceID.String(),
			})
			return nil
		}
	}

	order, items, err := a.assemble(ctx, tenantID, &session, lines, pieces)
	if err != nil {
		return err
	}
	if order == nil {
		// Lost the insert race; the winner owns the side effects.
		return nil
	}

	if err := a.recordSale(ctx, order); err != nil {
		return err
	}

	// Best-effort side effects below this line. None of them may affect the
	// event's outcome.
	a.createDigitalDeliveries(ctx, order, items)
	a.sendConfirmation(ctx, order)
	a.notifyLowStock(ctx, tenantID, pieceIDs)

	if a.obsMetrics != nil {
		a.obsMetrics.RecordWebhookEvent(event.Source, event.Type, "order_created")
	}
	return nil
}

type cartLine struct {
	pieceID         snowflake.ID
	variantID       *string
	quantity        int
	personalization string
}

func parseCart(raw string) ([]cartLine, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, domain.ErrInvalidCart
	}
	var decoded []paymentdomain.CartLine
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, domain.ErrInvalidCart
	}
	if len(decoded) == 0 {
		return nil, domain.ErrInvalidCart
	}

	lines := make([]cartLine, 0, len(decoded))
	for _, entry := range decoded {
		pieceID, err := strconv.ParseInt(strings.TrimSpace(entry.PieceID), 10, 64)
		if err != nil || pieceID == 0 || entry.Quantity <= 0 {
			return nil, domain.ErrInvalidCart
		}
		line := cartLine{
			pieceID:         snowflake.ID(pieceID),
			quantity:        entry.Quantity,
			personalization: strings.TrimSpace(entry.Personalization),
		}
		if variant := strings.TrimSpace(entry.VariantID); variant != "" {
			line.variantID = &variant
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// assemble persists the order and its items inside one transaction. Returns
// (nil, nil, nil) when a concurrent handler inserted the order first.
func (a *Assembler) assemble(
	ctx context.Context,
	tenantID snowflake.ID,
	session *paymentdomain.CheckoutSession,
	lines []cartLine,
	pieces map[snowflake.ID]catalogdomain.Piece,
) (*domain.Order, []domain.OrderItem, error) {

	currency := strings.ToUpper(strings.TrimSpace(session.Currency))
	if currency == "" {
		currency = a.cfg.DefaultCurrency
	}

	var order *domain.Order
	var items []domain.OrderItem
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := a.tenantRepo.NextOrderNumber(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		candidate := domain.Order{
			ID:            a.genID.Generate(),
			TenantID:      tenantID,
			OrderNumber:   fmt.Sprintf("ORD-%06d", seq),
			CustomerEmail: strings.TrimSpace(session.CustomerEmail),
			CustomerName:  strings.TrimSpace(session.CustomerName),
			Address:       datatypes.JSON(session.Address),
			// Totals come from the event's own amount fields: they reflect
			// what the customer was actually charged. Recomputing from
			// catalog prices would drift from the charge.
			Subtotal:          session.AmountSubtotal,
			Shipping:          session.ShippingAmount,
			Tax:               session.TaxAmount,
			Discount:          session.DiscountAmount,
			Total:             session.AmountTotal,
			Currency:          currency,
			PaymentStatus:     domain.PaymentStatusPaid,
			FulfillmentStatus: domain.FulfillmentStatusPending,
			CheckoutSessionID: session.ID,
			PaymentIntentID:   strings.TrimSpace(session.PaymentIntent),
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		inserted, err := a.repo.InsertOrder(ctx, tx, &candidate)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		rows := make([]domain.OrderItem, 0, len(lines))
		for _, line := range lines {
			piece := pieces[line.pieceID]
			rows = append(rows, domain.OrderItem{
				ID:              a.genID.Generate(),
				OrderID:         candidate.ID,
				TenantID:        tenantID,
				PieceID:         line.pieceID,
				VariantID:       line.variantID,
				Name:            piece.Name,
				UnitPrice:       piece.PriceAmount,
				Quantity:        line.quantity,
				Category:        piece.Category,
				Personalization: line.personalization,
				Digital:         piece.Digital,
				CreatedAt:       now,
			})
		}
		if err := a.repo.InsertItems(ctx, tx, rows); err != nil {
			return err
		}

		order = &candidate
		items = rows
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// recordSale creates the matching sale transaction under its own guard:
// order persistence and ledger recording are not atomic and may be retried
// independently on redelivery.
func (a *Assembler) recordSale(ctx context.Context, order *domain.Order) error {
	externalRef := order.PaymentIntentID
	if externalRef == "" {
		externalRef = order.CheckoutSessionID
	}

	processorFee := ledgerdomain.EstimateProcessorFee(order.Total)
	platformFee := ledgerdomain.PlatformFee(order.Total, a.cfg.PlatformFeeBps)

	txn := ledgerdomain.Transaction{
		TenantID:     order.TenantID,
		OrderID:      &order.ID,
		Type:         ledgerdomain.TransactionTypeSale,
		Gross:        order.Total,
		ProcessorFee: processorFee,
		PlatformFee:  platformFee,
		Net:          order.Total - processorFee - platformFee,
		Currency:     order.Currency,
		ExternalRef:  externalRef,
		Status:       ledgerdomain.TransactionStatusCompleted,
	}
	_, err := a.ledgerSvc.Record(ctx, nil, &txn)
	return err
}

func (a *Assembler) createDigitalDeliveries(ctx context.Context, order *domain.Order, items []domain.OrderItem) {
	for _, item := range items {
		if !item.Digital {
			continue
		}
		delivery := domain.DigitalDelivery{
			ID:          a.genID.Generate(),
			TenantID:    order.TenantID,
			OrderID:     order.ID,
			OrderItemID: item.ID,
			Token:       ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String(),
			CreatedAt:   time.Now().UTC(),
		}
		if _, err := idempotency.Insert(ctx, a.db, &delivery); err != nil {
			a.log.Warn("failed to create digital delivery",
				zap.String("order_item_id", item.ID.String()),
				zap.Error(err),
			)
		}
	}
}

func (a *Assembler) sendConfirmation(ctx context.Context, order *domain.Order) {
	_ = a.notifier.Send(ctx, notification.KindOrderConfirmation, order.CustomerEmail, map[string]any{
		"order_number": order.OrderNumber,
		"total":        formatAmount(order.Total),
		"currency":     order.Currency,
	})
}

func (a *Assembler) notifyLowStock(ctx context.Context, tenantID snowflake.ID, pieceIDs []snowflake.ID) {
	tenant, err := a.tenantRepo.FindByID(ctx, a.db, tenantID)
	if err != nil || tenant == nil {
		return
	}
	pieces, err := a.catalogRepo.FindBatch(ctx, a.db, tenantID, pieceIDs)
	if err != nil {
		a.log.Warn("low stock check failed", zap.Error(err))
		return
	}
	for _, piece := range pieces {
		if piece.Digital || piece.StockCount > a.cfg.LowStockThreshold {
			continue
		}
		_ = a.notifier.Send(ctx, notification.KindLowStock, tenant.ContactEmail, map[string]any{
			"piece_name":  piece.Name,
			"stock_count": piece.StockCount,
		})
	}
}

func (a *Assembler) record(ctx context.Context, tenantID *snowflake.ID, action, targetType, targetID string, metadata map[string]any) {
	_ = a.auditSvc.Record(ctx, tenantID, action, targetType, &targetID, metadata)
}

func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
