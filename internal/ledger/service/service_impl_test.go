package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/makerstall/atelier/internal/ledger/domain"
	ledgerservice "github.com/makerstall/atelier/internal/ledger/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if err := db.AutoMigrate(
		&domain.Transaction{},
		&domain.Payout{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newService(t *testing.T, db *gorm.DB) (domain.Service, *snowflake.Node) {
	t.Helper()
	node, err := snowflake.NewNode(20)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})
	return svc, node
}

func TestRecordEnforcesNetArithmetic(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, node := newService(t, db)

	tenantID := node.Generate()
	txn := domain.Transaction{
		TenantID:     tenantID,
		Type:         domain.TransactionTypeSale,
		Gross:        10000,
		ProcessorFee: 320,
		PlatformFee:  500,
		Net:          9000, // should be 9180
		Currency:     "USD",
		ExternalRef:  "pi_bad_net",
	}
	if _, err := svc.Record(ctx, nil, &txn); err != domain.ErrInvalidAmounts {
		t.Fatalf("expected ErrInvalidAmounts, got %v", err)
	}

	txn.Net = 9180
	inserted, err := svc.Record(ctx, nil, &txn)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !inserted {
		t.Fatalf("expected insert")
	}
}

func TestRecordDuplicateExternalRef(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, node := newService(t, db)

	tenantID := node.Generate()
	first := domain.Transaction{
		TenantID:    tenantID,
		Type:        domain.TransactionTypeSale,
		Gross:       5000,
		Net:         5000,
		Currency:    "USD",
		ExternalRef: "pi_dup",
	}
	inserted, err := svc.Record(ctx, nil, &first)
	if err != nil || !inserted {
		t.Fatalf("first record: inserted=%v err=%v", inserted, err)
	}

	second := domain.Transaction{
		TenantID:    tenantID,
		Type:        domain.TransactionTypeSale,
		Gross:       5000,
		Net:         5000,
		Currency:    "USD",
		ExternalRef: "pi_dup",
	}
	inserted, err = svc.Record(ctx, nil, &second)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate external ref must not insert")
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM transactions WHERE external_ref = 'pi_dup'`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 transaction, got %d", count)
	}

	// Same ref under another tenant is a distinct natural key.
	other := domain.Transaction{
		TenantID:    node.Generate(),
		Type:        domain.TransactionTypeSale,
		Gross:       5000,
		Net:         5000,
		Currency:    "USD",
		ExternalRef: "pi_dup",
	}
	inserted, err = svc.Record(ctx, nil, &other)
	if err != nil || !inserted {
		t.Fatalf("cross-tenant record: inserted=%v err=%v", inserted, err)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, node := newService(t, db)

	tenantID := node.Generate()
	txn := domain.Transaction{
		TenantID:    tenantID,
		Type:        domain.TransactionTypeSale,
		Gross:       1000,
		Net:         1000,
		Currency:    "USD",
		ExternalRef: "pi_status",
		Status:      domain.TransactionStatusPending,
	}
	if _, err := svc.Record(ctx, nil, &txn); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := svc.UpdateStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusReversed); err != domain.ErrInvalidTransition {
		t.Fatalf("pending->reversed must be rejected, got %v", err)
	}
	if err := svc.UpdateStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusCompleted); err != nil {
		t.Fatalf("pending->completed: %v", err)
	}
	// Replaying the same transition finds no pending row.
	if err := svc.UpdateStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusCompleted); err != domain.ErrInvalidTransition {
		t.Fatalf("stale transition must be rejected, got %v", err)
	}
	if err := svc.UpdateStatus(ctx, txn.ID, domain.TransactionStatusCompleted, domain.TransactionStatusReversed); err != nil {
		t.Fatalf("completed->reversed: %v", err)
	}
}

func TestOrderNetSum(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, node := newService(t, db)

	tenantID := node.Generate()
	orderID := node.Generate()

	sale := domain.Transaction{
		TenantID:     tenantID,
		OrderID:      &orderID,
		Type:         domain.TransactionTypeSale,
		Gross:        10000,
		ProcessorFee: 320,
		PlatformFee:  500,
		Net:          9180,
		Currency:     "USD",
		ExternalRef:  "pi_sum",
	}
	refund := domain.Transaction{
		TenantID:     tenantID,
		OrderID:      &orderID,
		Type:         domain.TransactionTypeRefund,
		Gross:        -10000,
		ProcessorFee: -320,
		PlatformFee:  -500,
		Net:          -9180,
		Currency:     "USD",
		ExternalRef:  "re_sum",
	}
	if _, err := svc.Record(ctx, nil, &sale); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if _, err := svc.Record(ctx, nil, &refund); err != nil {
		t.Fatalf("record refund: %v", err)
	}

	sum, err := svc.OrderNetSum(ctx, tenantID, orderID)
	if err != nil {
		t.Fatalf("net sum: %v", err)
	}
	if sum != 0 {
		t.Fatalf("full refund must net to zero, got %d", sum)
	}
}

func TestRecordPayoutCreateOnce(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, node := newService(t, db)

	tenantID := node.Generate()
	payout := domain.Payout{
		TenantID:         tenantID,
		ProviderPayoutID: "po_1",
		Amount:           25000,
		Currency:         "USD",
		Status:           domain.PayoutStatusPaid,
		BankLast4:        "4242",
	}
	inserted, err := svc.RecordPayout(ctx, &payout)
	if err != nil || !inserted {
		t.Fatalf("record payout: inserted=%v err=%v", inserted, err)
	}

	replay := domain.Payout{
		TenantID:         tenantID,
		ProviderPayoutID: "po_1",
		Amount:           25000,
		Currency:         "USD",
		Status:           domain.PayoutStatusPaid,
	}
	inserted, err = svc.RecordPayout(ctx, &replay)
	if err != nil {
		t.Fatalf("replay payout: %v", err)
	}
	if inserted {
		t.Fatalf("replayed payout must not insert")
	}

	var txnCount int64
	if err := db.Raw(`SELECT COUNT(*) FROM transactions WHERE external_ref = 'po_1'`).Scan(&txnCount).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if txnCount != 1 {
		t.Fatalf("expected 1 payout transaction, got %d", txnCount)
	}

	var gross int64
	if err := db.Raw(`SELECT gross FROM transactions WHERE external_ref = 'po_1'`).Scan(&gross).Error; err != nil {
		t.Fatalf("gross: %v", err)
	}
	if gross != -25000 {
		t.Fatalf("payout gross must be negative, got %d", gross)
	}
}

func TestRecordFailedPayoutTransactionStatus(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, node := newService(t, db)

	payout := domain.Payout{
		TenantID:         node.Generate(),
		ProviderPayoutID: "po_failed",
		Amount:           8000,
		Currency:         "USD",
		Status:           domain.PayoutStatusFailed,
		FailureMessage:   "account_closed",
	}
	if _, err := svc.RecordPayout(ctx, &payout); err != nil {
		t.Fatalf("record payout: %v", err)
	}

	var status string
	if err := db.Raw(`SELECT status FROM transactions WHERE external_ref = 'po_failed'`).Scan(&status).Error; err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != string(domain.TransactionStatusFailed) {
		t.Fatalf("failed payout transaction must be failed, got %s", status)
	}
}
