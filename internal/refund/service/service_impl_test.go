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
	ledgerdomain "github.com/makerstall/atelier/internal/ledger/domain"
	"github.com/makerstall/atelier/internal/notification"
	orderdomain "github.com/makerstall/atelier/internal/order/domain"
	orderrepo "github.com/makerstall/atelier/internal/order/repository"
	paymentdomain "github.com/makerstall/atelier/internal/payment/domain"
	"github.com/makerstall/atelier/internal/processor"
	refundservice "github.com/makerstall/atelier/internal/refund/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_refund_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if err := db.AutoMigrate(
		&catalogdomain.Piece{},
		&orderdomain.Order{},
		&orderdomain.OrderItem{},
		&ledgerdomain.Transaction{},
		&auditdomain.AuditLog{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	svc      *refundservice.Reconciler
	tenantID snowflake.ID
	pieceID  snowflake.ID
	orderID  snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	node, err := snowflake.NewNode(23)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	log := zap.NewNop()
	svc := refundservice.NewReconciler(refundservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		OrderRepo:   orderrepo.Provide(),
		CatalogRepo: catalogrepo.Provide(),
		AuditSvc:    auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node}),
		Processor:   processor.Noop{},
		Notifier:    notification.NewNotifier(&notification.NoOpProvider{}, log),
	})

	return &fixture{
		db:       db,
		node:     node,
		svc:      svc,
		tenantID: node.Generate(),
		pieceID:  node.Generate(),
		orderID:  node.Generate(),
	}
}

// seedSale creates an order of qty units plus its sale transaction, the state
// a completed checkout leaves behind.
func (f *fixture) seedSale(t *testing.T, total int64, qty int, stock int) {
	t.Helper()

	if err := f.db.Create(&catalogdomain.Piece{
		ID:          f.pieceID,
		TenantID:    f.tenantID,
		SKU:         "BOWL-01",
		Name:        "Walnut Bowl",
		PriceAmount: total / int64(qty),
		Currency:    "USD",
		StockCount:  stock,
		Active:      true,
	}).Error; err != nil {
		t.Fatalf("insert piece: %v", err)
	}
	if err := f.db.Create(&orderdomain.Order{
		ID:                f.orderID,
		TenantID:          f.tenantID,
		OrderNumber:       "ORD-000007",
		CustomerEmail:     "buyer@example.test",
		Subtotal:          total,
		Total:             total,
		Currency:          "USD",
		PaymentStatus:     orderdomain.PaymentStatusPaid,
		FulfillmentStatus: orderdomain.FulfillmentStatusPending,
		CheckoutSessionID: "cs_refund",
		PaymentIntentID:   "pi_refund",
	}).Error; err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if err := f.db.Create(&orderdomain.OrderItem{
		ID:        f.node.Generate(),
		OrderID:   f.orderID,
		TenantID:  f.tenantID,
		PieceID:   f.pieceID,
		Name:      "Walnut Bowl",
		UnitPrice: total / int64(qty),
		Quantity:  qty,
	}).Error; err != nil {
		t.Fatalf("insert order item: %v", err)
	}

	procFee := total*29/1000 + 30
	platFee := total * 500 / 10000
	if err := f.db.Create(&ledgerdomain.Transaction{
		ID:           f.node.Generate(),
		TenantID:     f.tenantID,
		OrderID:      &f.orderID,
		Type:         ledgerdomain.TransactionTypeSale,
		Gross:        total,
		ProcessorFee: procFee,
		PlatformFee:  platFee,
		Net:          total - procFee - platFee,
		Currency:     "USD",
		ExternalRef:  "pi_refund",
		Status:       ledgerdomain.TransactionStatusCompleted,
	}).Error; err != nil {
		t.Fatalf("insert sale: %v", err)
	}
}

func (f *fixture) refundEvent(t *testing.T, amount, amountRefunded int64, refundID string, tenant string) *paymentdomain.PaymentEvent {
	t.Helper()
	metadata := map[string]string{}
	if tenant != "" {
		metadata["tenant_id"] = tenant
	}
	object, err := json.Marshal(map[string]any{
		"id":              "ch_refund",
		"payment_intent":  "pi_refund",
		"amount":          amount,
		"amount_refunded": amountRefunded,
		"currency":        "usd",
		"refund_id":       refundID,
		"refund_reason":   "requested_by_customer",
		"metadata":        metadata,
	})
	if err != nil {
		t.Fatalf("marshal charge: %v", err)
	}
	return &paymentdomain.PaymentEvent{
		ID:         "evt_" + refundID,
		Type:       paymentdomain.EventTypeChargeRefunded,
		Source:     paymentdomain.SourcePayment,
		OccurredAt: time.Now().UTC(),
		Object:     object,
	}
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	var count int
	if err := f.db.Raw(`SELECT stock_count FROM pieces WHERE id = ?`, f.pieceID).Scan(&count).Error; err != nil {
		t.Fatalf("stock: %v", err)
	}
	return count
}

func (f *fixture) orderState(t *testing.T) (string, string, int64) {
	t.Helper()
	var row struct {
		PaymentStatus     string
		FulfillmentStatus string
		AmountRefunded    int64
	}
	if err := f.db.Raw(
		`SELECT payment_status, fulfillment_status, amount_refunded FROM orders WHERE id = ?`, f.orderID,
	).Scan(&row).Error; err != nil {
		t.Fatalf("order state: %v", err)
	}
	return row.PaymentStatus, row.FulfillmentStatus, row.AmountRefunded
}

func TestPartialRefundRestoresFloorOfUnits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSale(t, 10000, 2, 3)

	// 50% of a 2-unit line restores exactly 1 unit.
	if err := f.svc.HandleChargeRefunded(ctx, f.refundEvent(t, 10000, 5000, "re_half", f.tenantID.String())); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := f.stock(t); got != 4 {
		t.Fatalf("expected stock 4, got %d", got)
	}

	paymentStatus, fulfillment, refunded := f.orderState(t)
	if paymentStatus != "partially_refunded" {
		t.Fatalf("expected partially_refunded, got %s", paymentStatus)
	}
	if fulfillment != "pending" {
		t.Fatalf("partial refund must not cancel fulfillment, got %s", fulfillment)
	}
	if refunded != 5000 {
		t.Fatalf("expected amount_refunded 5000, got %d", refunded)
	}

	var txn struct {
		Gross        int64
		ProcessorFee int64
		PlatformFee  int64
		Net          int64
	}
	if err := f.db.Raw(
		`SELECT gross, processor_fee, platform_fee, net FROM transactions WHERE external_ref = 're_half'`,
	).Scan(&txn).Error; err != nil {
		t.Fatalf("load refund txn: %v", err)
	}
	if txn.Gross != -5000 {
		t.Fatalf("expected gross -5000, got %d", txn.Gross)
	}
	// Sale fees: 320 processor, 500 platform. Half comes back.
	if txn.ProcessorFee != -160 || txn.PlatformFee != -250 {
		t.Fatalf("expected proportional fees -160/-250, got %d/%d", txn.ProcessorFee, txn.PlatformFee)
	}
	if txn.Net != txn.Gross-txn.ProcessorFee-txn.PlatformFee {
		t.Fatalf("net arithmetic broken: %+v", txn)
	}
}

func TestPartialRefundFloorsRestoredQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSale(t, 10000, 10, 0)

	// 33% of 10 units floors to 3.
	if err := f.svc.HandleChargeRefunded(ctx, f.refundEvent(t, 10000, 3300, "re_third", f.tenantID.String())); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.stock(t); got != 3 {
		t.Fatalf("expected stock 3, got %d", got)
	}
}

func TestFullRefundCancelsFulfillmentAndNetsToZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSale(t, 10000, 2, 0)

	if err := f.svc.HandleChargeRefunded(ctx, f.refundEvent(t, 10000, 10000, "re_full", f.tenantID.String())); err != nil {
		t.Fatalf("handle: %v", err)
	}

	paymentStatus, fulfillment, _ := f.orderState(t)
	if paymentStatus != "refunded" {
		t.Fatalf("expected refunded, got %s", paymentStatus)
	}
	if fulfillment != "cancelled" {
		t.Fatalf("full refund must cancel fulfillment, got %s", fulfillment)
	}
	if got := f.stock(t); got != 2 {
		t.Fatalf("expected both units restored, got %d", got)
	}

	var netSum int64
	if err := f.db.Raw(
		`SELECT COALESCE(SUM(net), 0) FROM transactions WHERE order_id = ?`, f.orderID,
	).Scan(&netSum).Error; err != nil {
		t.Fatalf("net sum: %v", err)
	}
	if netSum != 0 {
		t.Fatalf("sale plus full refund must net to zero, got %d", netSum)
	}
}

func TestNearFullRefundCountsAsFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSale(t, 10000, 1, 0)

	// 99.5% crosses the full-refund threshold.
	if err := f.svc.HandleChargeRefunded(ctx, f.refundEvent(t, 10000, 9950, "re_almost", f.tenantID.String())); err != nil {
		t.Fatalf("handle: %v", err)
	}
	paymentStatus, fulfillment, _ := f.orderState(t)
	if paymentStatus != "refunded" {
		t.Fatalf("expected refunded, got %s", paymentStatus)
	}
	if fulfillment != "cancelled" {
		t.Fatalf("expected cancelled, got %s", fulfillment)
	}
}

func TestDuplicateRefundEventIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSale(t, 10000, 2, 0)

	event := f.refundEvent(t, 10000, 5000, "re_dup", f.tenantID.String())
	if err := f.svc.HandleChargeRefunded(ctx, event); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := f.svc.HandleChargeRefunded(ctx, event); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	if got := f.stock(t); got != 1 {
		t.Fatalf("redelivery must not restore twice, got %d", got)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM transactions WHERE external_ref = 're_dup'`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 refund transaction, got %d", count)
	}
}

func TestReplayedTotalAppliesNoSecondDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSale(t, 10000, 2, 0)

	if err := f.svc.HandleChargeRefunded(ctx, f.refundEvent(t, 10000, 5000, "re_race_a", f.tenantID.String())); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	// A second event carrying the same cumulative total must find a zero
	// delta once it re-reads the order, whatever its refund id says.
	if err := f.svc.HandleChargeRefunded(ctx, f.refundEvent(t, 10000, 5000, "re_race_b", f.tenantID.String())); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	_, _, refunded := f.orderState(t)
	if refunded != 5000 {
		t.Fatalf("expected amount_refunded 5000, got %d", refunded)
	}
	if got := f.stock(t); got != 1 {
		t.Fatalf("expected a single restored unit, got %d", got)
	}
	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM transactions WHERE type = 'refund'`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 refund transaction, got %d", count)
	}
}

func TestRefundWithoutOrderIsAuditedAndAcked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.HandleChargeRefunded(ctx, f.refundEvent(t, 10000, 10000, "re_orphan", "")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM audit_logs WHERE action = 'refund.unresolvable'`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected unresolvable audit record, got %d", count)
	}
}

func TestRefundTenantMismatchAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSale(t, 10000, 2, 0)

	other := f.node.Generate()
	err := f.svc.HandleChargeRefunded(ctx, f.refundEvent(t, 10000, 5000, "re_cross", other.String()))
	if !errors.Is(err, paymentdomain.ErrTenantMismatch) {
		t.Fatalf("expected tenant mismatch error, got %v", err)
	}

	if got := f.stock(t); got != 0 {
		t.Fatalf("mismatch must not restore stock, got %d", got)
	}
	var txnCount int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM transactions WHERE type = 'refund'`).Scan(&txnCount).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if txnCount != 0 {
		t.Fatalf("mismatch must not record a refund, got %d", txnCount)
	}
	var auditCount int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM audit_logs WHERE action = 'refund.tenant_mismatch'`).Scan(&auditCount).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected mismatch audit record, got %d", auditCount)
	}
}
