package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/makerstall/atelier/internal/audit/domain"
	"github.com/makerstall/atelier/internal/config"
	ledgerdomain "github.com/makerstall/atelier/internal/ledger/domain"
	"github.com/makerstall/atelier/internal/notification"
	paymentdomain "github.com/makerstall/atelier/internal/payment/domain"
	tenantdomain "github.com/makerstall/atelier/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	GenID      *snowflake.Node
	TenantRepo tenantdomain.Repository
	LedgerSvc  ledgerdomain.Service
	AuditSvc   auditdomain.Service
	Notifier   *notification.Notifier
}

// Service projects processor subscription lifecycle events onto the tenant's
// plan, status and feature set.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.Config
	genID      *snowflake.Node
	tenantRepo tenantdomain.Repository
	ledgerSvc  ledgerdomain.Service
	auditSvc   auditdomain.Service
	notifier   *notification.Notifier
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		cfg:        p.Config,
		genID:      p.GenID,
		tenantRepo: p.TenantRepo,
		ledgerSvc:  p.LedgerSvc,
		auditSvc:   p.AuditSvc,
		notifier:   p.Notifier,
	}
}

// HandleSubscriptionChanged applies created/updated events: the tenant's
// subscription state is rewritten wholesale from the event, never merged.
func (s *Service) HandleSubscriptionChanged(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	var sub paymentdomain.SubscriptionObject
	if err := json.Unmarshal(event.Object, &sub); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	tenant, err := s.resolveTenant(ctx, sub.Metadata)
	if err != nil || tenant == nil {
		return err
	}

	plan := s.planForPrice(sub.PriceID())
	status := mapStatus(s.log, sub.Status)
	state := tenantdomain.SubscriptionState{
		Plan:           plan,
		SubscriptionID: sub.ID,
		Status:         status,
		Features:       FeaturesForPlan(plan),
	}
	if err := s.tenantRepo.UpdateSubscriptionState(ctx, s.db, tenant.ID, state); err != nil {
		return err
	}
	s.audit(ctx, tenant.ID, "subscription.changed", sub.ID, map[string]any{
		"event_id": event.ID,
		"plan":     string(plan),
		"status":   string(status),
	})
	return nil
}

// HandleSubscriptionDeleted downgrades the tenant to the free plan.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	var sub paymentdomain.SubscriptionObject
	if err := json.Unmarshal(event.Object, &sub); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	tenant, err := s.resolveTenant(ctx, sub.Metadata)
	if err != nil || tenant == nil {
		return err
	}

	state := tenantdomain.SubscriptionState{
		Plan:           tenantdomain.PlanFree,
		SubscriptionID: "",
		Status:         tenantdomain.SubscriptionStatusCancelled,
		Features:       FeaturesForPlan(tenantdomain.PlanFree),
	}
	if err := s.tenantRepo.UpdateSubscriptionState(ctx, s.db, tenant.ID, state); err != nil {
		return err
	}
	s.audit(ctx, tenant.ID, "subscription.cancelled", sub.ID, map[string]any{
		"event_id": event.ID,
	})
	_ = s.notifier.Send(ctx, notification.KindSubscriptionCancelled, tenant.ContactEmail, map[string]any{
		"tenant_name": tenant.Name,
	})
	return nil
}

// HandleInvoicePaymentFailed marks the tenant past due and tells them when
// the processor will retry.
func (s *Service) HandleInvoicePaymentFailed(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	var inv paymentdomain.InvoiceObject
	if err := json.Unmarshal(event.Object, &inv); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	tenant, err := s.resolveTenant(ctx, inv.Metadata)
	if err != nil || tenant == nil {
		return err
	}

	// A late retry for a subscription the tenant already left must not
	// resurrect it to past_due.
	if tenant.SubscriptionStatus != tenantdomain.SubscriptionStatusActive &&
		tenant.SubscriptionStatus != tenantdomain.SubscriptionStatusPastDue {
		s.log.Warn("payment failure for inactive subscription",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("status", string(tenant.SubscriptionStatus)),
		)
		s.audit(ctx, tenant.ID, "subscription.payment_failed_ignored", inv.ID, map[string]any{
			"event_id": event.ID,
			"status":   string(tenant.SubscriptionStatus),
		})
		return nil
	}

	state := tenantdomain.SubscriptionState{
		Plan:           tenant.Plan,
		SubscriptionID: inv.Subscription,
		Status:         tenantdomain.SubscriptionStatusPastDue,
		Features:       FeaturesForPlan(tenant.Plan),
	}
	if tenant.SubscriptionID != "" {
		state.SubscriptionID = tenant.SubscriptionID
	}
	if err := s.tenantRepo.UpdateSubscriptionState(ctx, s.db, tenant.ID, state); err != nil {
		return err
	}
	s.audit(ctx, tenant.ID, "subscription.payment_failed", inv.ID, map[string]any{
		"event_id":      event.ID,
		"attempt_count": inv.AttemptCount,
	})
	_ = s.notifier.Send(ctx, notification.KindPaymentFailed, tenant.ContactEmail, map[string]any{
		"tenant_name": tenant.Name,
		"next_retry":  nextRetryEstimate(inv.AttemptCount),
	})
	return nil
}

// HandleInvoicePaymentSucceeded records the subscription charge in the
// ledger and clears a past-due flag.
func (s *Service) HandleInvoicePaymentSucceeded(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	var inv paymentdomain.InvoiceObject
	if err := json.Unmarshal(event.Object, &inv); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	tenant, err := s.resolveTenant(ctx, inv.Metadata)
	if err != nil || tenant == nil {
		return err
	}

	if inv.AmountDue > 0 {
		txn := ledgerdomain.Transaction{
			ID:          s.genID.Generate(),
			TenantID:    tenant.ID,
			Type:        ledgerdomain.TransactionTypeSubscription,
			Gross:       inv.AmountDue,
			Net:         inv.AmountDue,
			Currency:    strings.ToUpper(inv.Currency),
			ExternalRef: inv.ID,
			Status:      ledgerdomain.TransactionStatusCompleted,
		}
		if _, err := s.ledgerSvc.Record(ctx, s.db, &txn); err != nil {
			return err
		}
	}

	if tenant.SubscriptionStatus == tenantdomain.SubscriptionStatusPastDue {
		state := tenantdomain.SubscriptionState{
			Plan:           tenant.Plan,
			SubscriptionID: tenant.SubscriptionID,
			Status:         tenantdomain.SubscriptionStatusActive,
			Features:       FeaturesForPlan(tenant.Plan),
		}
		if err := s.tenantRepo.UpdateSubscriptionState(ctx, s.db, tenant.ID, state); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) resolveTenant(ctx context.Context, metadata map[string]string) (*tenantdomain.Tenant, error) {
	tenantID := snowflake.ID(paymentdomain.TenantID(metadata))
	if tenantID == 0 {
		tenantID = snowflake.ID(s.cfg.DefaultTenantID)
	}
	tenant, err := s.tenantRepo.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		s.log.Warn("subscription event for unknown tenant", zap.String("tenant_id", tenantID.String()))
		s.audit(ctx, 0, "subscription.unknown_tenant", tenantID.String(), nil)
		return nil, nil
	}
	return tenant, nil
}

func (s *Service) planForPrice(priceID string) tenantdomain.Plan {
	if code, ok := s.cfg.PlanPriceMap[priceID]; ok {
		switch tenantdomain.Plan(code) {
		case tenantdomain.PlanFree, tenantdomain.PlanStarter, tenantdomain.PlanStudio:
			return tenantdomain.Plan(code)
		}
	}
	s.log.Warn("unmapped price id, keeping free plan", zap.String("price_id", priceID))
	return tenantdomain.PlanFree
}

func (s *Service) audit(ctx context.Context, tenantID snowflake.ID, action, targetID string, metadata map[string]any) {
	var ref *snowflake.ID
	if tenantID != 0 {
		ref = &tenantID
	}
	_ = s.auditSvc.Record(ctx, ref, action, "subscription", &targetID, metadata)
}

// mapStatus folds the processor's status vocabulary into the three internal
// states. Unknown statuses fail open to active so a vocabulary change on the
// processor side never locks paying tenants out.
func mapStatus(log *zap.Logger, status string) tenantdomain.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "paused":
		return tenantdomain.SubscriptionStatusActive
	case "past_due", "incomplete":
		return tenantdomain.SubscriptionStatusPastDue
	case "canceled", "cancelled", "unpaid", "incomplete_expired":
		return tenantdomain.SubscriptionStatusCancelled
	default:
		if log != nil {
			log.Warn("unknown subscription status", zap.String("status", status))
		}
		return tenantdomain.SubscriptionStatusActive
	}
}

// FeaturesForPlan returns the entitlement bundle stored on the tenant row.
func FeaturesForPlan(plan tenantdomain.Plan) map[string]any {
	switch plan {
	case tenantdomain.PlanStudio:
		return map[string]any{
			"max_pieces":       1000,
			"digital_delivery": true,
			"custom_domain":    true,
			"priority_support": true,
		}
	case tenantdomain.PlanStarter:
		return map[string]any{
			"max_pieces":       100,
			"digital_delivery": true,
			"custom_domain":    false,
			"priority_support": false,
		}
	default:
		return map[string]any{
			"max_pieces":       10,
			"digital_delivery": false,
			"custom_domain":    false,
			"priority_support": false,
		}
	}
}

// nextRetryEstimate mirrors the processor's smart retry cadence closely
// enough for a customer-facing message.
func nextRetryEstimate(attemptCount int) string {
	var d time.Duration
	switch {
	case attemptCount <= 1:
		d = 3 * 24 * time.Hour
	case attemptCount == 2:
		d = 5 * 24 * time.Hour
	default:
		d = 7 * 24 * time.Hour
	}
	return time.Now().UTC().Add(d).Format("January 2, 2006")
}
