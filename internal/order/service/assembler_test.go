package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/makerstall/atelier/internal/audit/domain"
	auditservice "github.com/makerstall/atelier/internal/audit/service"
	catalogdomain "github.com/makerstall/atelier/internal/catalog/domain"
	catalogrepo "github.com/makerstall/atelier/internal/catalog/repository"
	"github.com/makerstall/atelier/internal/config"
	ledgerdomain "github.com/makerstall/atelier/internal/ledger/domain"
	ledgerservice "github.com/makerstall/atelier/internal/ledger/service"
	"github.com/makerstall/atelier/internal/notification"
	orderdomain "github.com/makerstall/atelier/internal/order/domain"
	orderrepo "github.com/makerstall/atelier/internal/order/repository"
	orderservice "github.com/makerstall/atelier/internal/order/service"
	paymentdomain "github.com/makerstall/atelier/internal/payment/domain"
	reservationdomain "github.com/makerstall/atelier/internal/reservation/domain"
	reservationservice "github.com/makerstall/atelier/internal/reservation/service"
	tenantdomain "github.com/makerstall/atelier/internal/tenant/domain"
	tenantrepo "github.com/makerstall/atelier/internal/tenant/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_order_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if err := db.AutoMigrate(
		&tenantdomain.Tenant{},
		&catalogdomain.Piece{},
		&reservationdomain.StockReservation{},
		&orderdomain.Order{},
		&orderdomain.OrderItem{},
		&orderdomain.DigitalDelivery{},
		&ledgerdomain.Transaction{},
		&auditdomain.AuditLog{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type capturingProvider struct {
	subjects []string
}

func (p *capturingProvider) Send(_ context.Context, _ []string, subject string, _ string) error {
	p.subjects = append(p.subjects, subject)
	return nil
}

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	assembler *orderservice.Assembler
	provider  *capturingProvider
	tenantID  snowflake.ID
	pieceID   snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(22)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	cfg := config.Config{
		DefaultCurrency:   "USD",
		PlatformFeeBps:    500,
		LowStockThreshold: 2,
	}
	log := zap.NewNop()
	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	catalogRepo := catalogrepo.Provide()
	reservationSvc := reservationservice.NewService(reservationservice.Params{
		DB:          db,
		Log:         log,
		CatalogRepo: catalogRepo,
	})
	provider := &capturingProvider{}

	assembler := orderservice.NewAssembler(orderservice.Params{
		DB:             db,
		Log:            log,
		GenID:          node,
		Cfg:            cfg,
		Repo:           orderrepo.Provide(),
		TenantRepo:     tenantrepo.Provide(),
		CatalogRepo:    catalogRepo,
		ReservationSvc: reservationSvc,
		LedgerSvc:      ledgerSvc,
		AuditSvc:       auditSvc,
		Notifier:       notification.NewNotifier(provider, log),
	})

	f := &fixture{
		db:        db,
		node:      node,
		assembler: assembler,
		provider:  provider,
		tenantID:  node.Generate(),
		pieceID:   node.Generate(),
	}

	if err := db.Create(&tenantdomain.Tenant{
		ID:           f.tenantID,
		Slug:         "willow-pottery",
		Name:         "Willow Pottery",
		ContactEmail: "maker@willow.test",
		Currency:     "USD",
		Plan:         tenantdomain.PlanStarter,
	}).Error; err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	if err := db.Create(&catalogdomain.Piece{
		ID:          f.pieceID,
		TenantID:    f.tenantID,
		SKU:         "MUG-01",
		Name:        "Glazed Mug",
		PriceAmount: 4500,
		Currency:    "USD",
		Category:    "ceramics",
		StockCount:  8,
		Active:      true,
	}).Error; err != nil {
		t.Fatalf("insert piece: %v", err)
	}
	return f
}

func (f *fixture) hold(t *testing.T, sessionID string, qty int) {
	t.Helper()
	if err := f.db.Create(&reservationdomain.StockReservation{
		ID:        f.node.Generate(),
		TenantID:  f.tenantID,
		SessionID: sessionID,
		PieceID:   f.pieceID,
		Quantity:  qty,
		Status:    reservationdomain.ReservationStatusHeld,
		ExpiresAt: time.Now().UTC().Add(30 * time.Minute),
	}).Error; err != nil {
		t.Fatalf("insert reservation: %v", err)
	}
}

func (f *fixture) checkoutEvent(t *testing.T, sessionID string, qty int) *paymentdomain.PaymentEvent {
	t.Helper()
	cart, err := json.Marshal([]paymentdomain.CartLine{{
		PieceID:  f.pieceID.String(),
		Quantity: qty,
	}})
	if err != nil {
		t.Fatalf("marshal cart: %v", err)
	}
	object, err := json.Marshal(map[string]any{
		"id":              sessionID,
		"payment_intent":  "pi_" + sessionID,
		"amount_subtotal": 4500 * qty,
		"amount_total":    4500*qty + 999 + 500,
		"shipping_amount": 999,
		"tax_amount":      500,
		"discount_amount": 0,
		"currency":        "usd",
		"customer_email":  "buyer@example.test",
		"customer_name":   "A Buyer",
		"metadata": map[string]string{
			"tenant_id": f.tenantID.String(),
			"cart":      string(cart),
		},
	})
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	return &paymentdomain.PaymentEvent{
		ID:         "evt_" + sessionID,
		Type:       paymentdomain.EventTypeCheckoutCompleted,
		Source:     paymentdomain.SourcePayment,
		OccurredAt: time.Now().UTC(),
		Object:     object,
	}
}

func (f *fixture) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := f.db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

func TestHandleCheckoutCompletedAssemblesOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.hold(t, "cs_happy", 2)

	if err := f.assembler.HandleCheckoutCompleted(ctx, f.checkoutEvent(t, "cs_happy", 2)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var order struct {
		OrderNumber   string
		Total         int64
		PaymentStatus string
		Currency      string
	}
	if err := f.db.Raw(
		`SELECT order_number, total, payment_status, currency FROM orders WHERE checkout_session_id = 'cs_happy'`,
	).Scan(&order).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.OrderNumber != "ORD-000001" {
		t.Fatalf("expected ORD-000001, got %s", order.OrderNumber)
	}
	if order.Total != 10499 {
		t.Fatalf("expected total 10499, got %d", order.Total)
	}
	if order.PaymentStatus != "paid" {
		t.Fatalf("expected paid, got %s", order.PaymentStatus)
	}
	if order.Currency != "USD" {
		t.Fatalf("expected USD, got %s", order.Currency)
	}

	if got := f.count(t, `SELECT COUNT(*) FROM order_items WHERE tenant_id = ?`, f.tenantID); got != 1 {
		t.Fatalf("expected 1 order item, got %d", got)
	}

	var stock int
	if err := f.db.Raw(`SELECT stock_count FROM pieces WHERE id = ?`, f.pieceID).Scan(&stock).Error; err != nil {
		t.Fatalf("stock: %v", err)
	}
	if stock != 6 {
		t.Fatalf("expected stock 6, got %d", stock)
	}

	var sale struct {
		Gross        int64
		ProcessorFee int64
		PlatformFee  int64
		Net          int64
	}
	if err := f.db.Raw(
		`SELECT gross, processor_fee, platform_fee, net FROM transactions WHERE external_ref = 'pi_cs_happy'`,
	).Scan(&sale).Error; err != nil {
		t.Fatalf("load sale: %v", err)
	}
	if sale.Gross != 10499 {
		t.Fatalf("expected gross 10499, got %d", sale.Gross)
	}
	if sale.Net != sale.Gross-sale.ProcessorFee-sale.PlatformFee {
		t.Fatalf("net arithmetic broken: %+v", sale)
	}

	if len(f.provider.subjects) == 0 {
		t.Fatalf("expected an order confirmation notice")
	}
}

func TestHandleCheckoutCompletedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.hold(t, "cs_dup", 1)

	event := f.checkoutEvent(t, "cs_dup", 1)
	if err := f.assembler.HandleCheckoutCompleted(ctx, event); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := f.assembler.HandleCheckoutCompleted(ctx, event); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	if got := f.count(t, `SELECT COUNT(*) FROM orders WHERE checkout_session_id = 'cs_dup'`); got != 1 {
		t.Fatalf("expected 1 order, got %d", got)
	}
	if got := f.count(t, `SELECT COUNT(*) FROM transactions WHERE external_ref = 'pi_cs_dup'`); got != 1 {
		t.Fatalf("expected 1 sale transaction, got %d", got)
	}

	var stock int
	if err := f.db.Raw(`SELECT stock_count FROM pieces WHERE id = ?`, f.pieceID).Scan(&stock).Error; err != nil {
		t.Fatalf("stock: %v", err)
	}
	if stock != 7 {
		t.Fatalf("redelivery must not decrement twice, got %d", stock)
	}
}

func TestHandleCheckoutCompletedMissingTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	object, _ := json.Marshal(map[string]any{
		"id":           "cs_no_tenant",
		"amount_total": 4500,
		"currency":     "usd",
		"metadata":     map[string]string{},
	})
	event := &paymentdomain.PaymentEvent{
		ID:     "evt_no_tenant",
		Type:   paymentdomain.EventTypeCheckoutCompleted,
		Source: paymentdomain.SourcePayment,
		Object: object,
	}

	err := f.assembler.HandleCheckoutCompleted(ctx, event)
	if !errors.Is(err, paymentdomain.ErrMissingTenant) {
		t.Fatalf("expected missing-tenant error, got %v", err)
	}
	if got := f.count(t, `SELECT COUNT(*) FROM orders`); got != 0 {
		t.Fatalf("no order expected, got %d", got)
	}
	if got := f.count(t, `SELECT COUNT(*) FROM audit_logs WHERE action = 'order.missing_tenant'`); got != 1 {
		t.Fatalf("expected audit record, got %d", got)
	}
}

func TestHandleCheckoutCompletedMalformedCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	object, _ := json.Marshal(map[string]any{
		"id":           "cs_bad_cart",
		"amount_total": 4500,
		"currency":     "usd",
		"metadata": map[string]string{
			"tenant_id": f.tenantID.String(),
			"cart":      "{not json",
		},
	})
	event := &paymentdomain.PaymentEvent{
		ID:     "evt_bad_cart",
		Type:   paymentdomain.EventTypeCheckoutCompleted,
		Source: paymentdomain.SourcePayment,
		Object: object,
	}

	if err := f.assembler.HandleCheckoutCompleted(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.count(t, `SELECT COUNT(*) FROM orders`); got != 0 {
		t.Fatalf("no order expected, got %d", got)
	}
	if got := f.count(t, `SELECT COUNT(*) FROM audit_logs WHERE action = 'order.invalid_cart'`); got != 1 {
		t.Fatalf("expected audit record, got %d", got)
	}
}

func TestHandleCheckoutCompletedUnresolvedLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	missing := f.node.Generate()
	cart, _ := json.Marshal([]paymentdomain.CartLine{{PieceID: missing.String(), Quantity: 1}})
	object, _ := json.Marshal(map[string]any{
		"id":           "cs_ghost",
		"amount_total": 4500,
		"currency":     "usd",
		"metadata": map[string]string{
			"tenant_id": f.tenantID.String(),
			"cart":      string(cart),
		},
	})
	event := &paymentdomain.PaymentEvent{
		ID:     "evt_ghost",
		Type:   paymentdomain.EventTypeCheckoutCompleted,
		Source: paymentdomain.SourcePayment,
		Object: object,
	}

	if err := f.assembler.HandleCheckoutCompleted(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.count(t, `SELECT COUNT(*) FROM orders`); got != 0 {
		t.Fatalf("partial order must not be created, got %d", got)
	}
	if got := f.count(t, `SELECT COUNT(*) FROM audit_logs WHERE action = 'order.unresolved_line'`); got != 1 {
		t.Fatalf("expected audit record, got %d", got)
	}
}

func TestHandleCheckoutCompletedDigitalDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	digital := f.node.Generate()
	if err := f.db.Create(&catalogdomain.Piece{
		ID:          digital,
		TenantID:    f.tenantID,
		SKU:         "PDF-01",
		Name:        "Pattern PDF",
		PriceAmount: 1200,
		Currency:    "USD",
		Category:    "patterns",
		Digital:     true,
		Active:      true,
	}).Error; err != nil {
		t.Fatalf("insert digital piece: %v", err)
	}

	cart, _ := json.Marshal([]paymentdomain.CartLine{{PieceID: digital.String(), Quantity: 1}})
	object, _ := json.Marshal(map[string]any{
		"id":             "cs_digital",
		"payment_intent": "pi_cs_digital",
		"amount_total":   1200,
		"currency":       "usd",
		"customer_email": "buyer@example.test",
		"metadata": map[string]string{
			"tenant_id": f.tenantID.String(),
			"cart":      string(cart),
		},
	})
	event := &paymentdomain.PaymentEvent{
		ID:     "evt_digital",
		Type:   paymentdomain.EventTypeCheckoutCompleted,
		Source: paymentdomain.SourcePayment,
		Object: object,
	}

	if err := f.assembler.HandleCheckoutCompleted(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.count(t, `SELECT COUNT(*) FROM digital_deliveries WHERE tenant_id = ?`, f.tenantID); got != 1 {
		t.Fatalf("expected 1 digital delivery, got %d", got)
	}

	var token string
	if err := f.db.Raw(`SELECT token FROM digital_deliveries WHERE tenant_id = ?`, f.tenantID).Scan(&token).Error; err != nil {
		t.Fatalf("token: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a delivery token")
	}
}
