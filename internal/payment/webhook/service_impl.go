package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/makerstall/atelier/internal/audit/domain"
	"github.com/makerstall/atelier/internal/config"
	ledgerdomain "github.com/makerstall/atelier/internal/ledger/domain"
	"github.com/makerstall/atelier/internal/notification"
	"github.com/makerstall/atelier/internal/observability/metrics"
	orderservice "github.com/makerstall/atelier/internal/order/service"
	disputeservice "github.com/makerstall/atelier/internal/payment/dispute/service"
	paymentdomain "github.com/makerstall/atelier/internal/payment/domain"
	"github.com/makerstall/atelier/internal/payment/verifier"
	"github.com/makerstall/atelier/internal/processor"
	refundservice "github.com/makerstall/atelier/internal/refund/service"
	reservationdomain "github.com/makerstall/atelier/internal/reservation/domain"
	subscriptionservice "github.com/makerstall/atelier/internal/subscription/service"
	tenantdomain "github.com/makerstall/atelier/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Config          config.Config
	GenID           *snowflake.Node
	Assembler       *orderservice.Assembler
	ReservationSvc  reservationdomain.Service
	RefundSvc       *refundservice.Reconciler
	DisputeSvc      *disputeservice.Service
	SubscriptionSvc *subscriptionservice.Service
	LedgerSvc       ledgerdomain.Service
	TenantRepo      tenantdomain.Repository
	AuditSvc        auditdomain.Service
	Processor       processor.Client
	Notifier        *notification.Notifier
	ObsMetrics      *metrics.Metrics `optional:"true"`
}

// Service verifies incoming processor notifications and routes each event
// type to its handler. Handlers are re-entrant; a retry of any event lands
// on a guarded write and degrades to a no-op.
type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	verifiers       map[string]*verifier.Verifier
	assembler       *orderservice.Assembler
	reservationSvc  reservationdomain.Service
	refundSvc       *refundservice.Reconciler
	disputeSvc      *disputeservice.Service
	subscriptionSvc *subscriptionservice.Service
	ledgerSvc       ledgerdomain.Service
	tenantRepo      tenantdomain.Repository
	auditSvc        auditdomain.Service
	processor       processor.Client
	notifier        *notification.Notifier
	obsMetrics      *metrics.Metrics
}

func NewService(p Params) *Service {
	tolerance := time.Duration(p.Config.SignatureToleranceSec) * time.Second
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("payment.webhook"),
		genID: p.GenID,
		verifiers: map[string]*verifier.Verifier{
			paymentdomain.SourcePayment: verifier.New(paymentdomain.SourcePayment, p.Config.PaymentWebhookSecret, tolerance),
			paymentdomain.SourceConnect: verifier.New(paymentdomain.SourceConnect, p.Config.ConnectWebhookSecret, tolerance),
		},
		assembler:       p.Assembler,
		reservationSvc:  p.ReservationSvc,
		refundSvc:       p.RefundSvc,
		disputeSvc:      p.DisputeSvc,
		subscriptionSvc: p.SubscriptionSvc,
		ledgerSvc:       p.LedgerSvc,
		tenantRepo:      p.TenantRepo,
		auditSvc:        p.AuditSvc,
		processor:       p.Processor,
		notifier:        p.Notifier,
		obsMetrics:      p.ObsMetrics,
	}
}

// Ingest authenticates the payload for the given source and dispatches it.
// A nil return means the event is fully settled and the processor must not
// retry; any error means the caller should signal a retryable failure.
func (s *Service) Ingest(ctx context.Context, source string, payload []byte, headers http.Header) error {
	v, ok := s.verifiers[source]
	if !ok {
		return paymentdomain.ErrInvalidEvent
	}
	event, err := v.Verify(payload, headers)
	if err != nil {
		s.count(source, "unknown", "rejected")
		return err
	}

	err = s.route(ctx, event)
	switch {
	case err == nil:
		s.count(source, event.Type, "processed")
		return nil
	case errors.Is(err, paymentdomain.ErrEventIgnored):
		s.log.Debug("event ignored", zap.String("type", event.Type), zap.String("event_id", event.ID))
		s.count(source, event.Type, "ignored")
		return nil
	case errors.Is(err, paymentdomain.ErrMissingTenant), errors.Is(err, paymentdomain.ErrTenantMismatch):
		// The handler already audited the integrity failure; a retry cannot
		// repair it, so settle.
		s.log.Error("event failed tenant integrity check",
			zap.String("type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		s.count(source, event.Type, "rejected")
		return nil
	case errors.Is(err, paymentdomain.ErrInvalidPayload), errors.Is(err, paymentdomain.ErrInvalidEvent):
		// Malformed body behind a valid signature. Retrying cannot fix it;
		// record and settle.
		s.log.Error("malformed event payload",
			zap.String("type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		eventID := event.ID
		_ = s.auditSvc.Record(ctx, nil, "webhook.malformed_payload", "event", &eventID, map[string]any{
			"type":   event.Type,
			"source": source,
		})
		s.count(source, event.Type, "malformed")
		return nil
	default:
		s.log.Error("event processing failed",
			zap.String("type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		s.count(source, event.Type, "error")
		return err
	}
}

func (s *Service) route(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	switch event.Type {
	case paymentdomain.EventTypeCheckoutCompleted:
		return s.assembler.HandleCheckoutCompleted(ctx, event)
	case paymentdomain.EventTypeCheckoutExpired:
		return s.releaseSession(ctx, event, false)
	case paymentdomain.EventTypePaymentFailed:
		return s.releaseSession(ctx, event, true)
	case paymentdomain.EventTypeChargeRefunded:
		return s.refundSvc.HandleChargeRefunded(ctx, event)
	case paymentdomain.EventTypePayoutPaid:
		return s.handlePayout(ctx, event, ledgerdomain.PayoutStatusPaid)
	case paymentdomain.EventTypePayoutFailed:
		return s.handlePayout(ctx, event, ledgerdomain.PayoutStatusFailed)
	case paymentdomain.EventTypeDisputeCreated,
		paymentdomain.EventTypeDisputeClosed,
		paymentdomain.EventTypeDisputeFundsWithdrawn,
		paymentdomain.EventTypeDisputeFundsReinstated:
		return s.disputeSvc.ProcessEvent(ctx, event)
	case paymentdomain.EventTypeSubscriptionCreated, paymentdomain.EventTypeSubscriptionUpdated:
		return s.subscriptionSvc.HandleSubscriptionChanged(ctx, event)
	case paymentdomain.EventTypeSubscriptionDeleted:
		return s.subscriptionSvc.HandleSubscriptionDeleted(ctx, event)
	case paymentdomain.EventTypeInvoicePaymentFailed:
		return s.subscriptionSvc.HandleInvoicePaymentFailed(ctx, event)
	case paymentdomain.EventTypeInvoicePaymentSucceeded:
		return s.subscriptionSvc.HandleInvoicePaymentSucceeded(ctx, event)
	default:
		return paymentdomain.ErrEventIgnored
	}
}

// releaseSession returns held reservations to the pool when a checkout dies
// without a completed payment.
func (s *Service) releaseSession(ctx context.Context, event *paymentdomain.PaymentEvent, paymentFailed bool) error {
	var session paymentdomain.CheckoutSession
	if err := json.Unmarshal(event.Object, &session); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(session.Metadata["checkout_session_id"])
	}
	if sessionID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	tenantID := snowflake.ID(paymentdomain.TenantID(session.Metadata))
	if tenantID == 0 {
		// No tenant means no reservations were ever held for this session.
		s.log.Debug("release for session without tenant", zap.String("session_id", sessionID))
		return nil
	}

	released, err := s.reservationSvc.Release(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if released && paymentFailed {
		if tenant, err := s.tenantRepo.FindByID(ctx, s.db, tenantID); err == nil && tenant != nil {
			_ = s.notifier.Send(ctx, notification.KindPaymentFailed, tenant.ContactEmail, map[string]any{
				"tenant_name": tenant.Name,
				"session_id":  sessionID,
			})
		}
	}
	return nil
}

func (s *Service) handlePayout(ctx context.Context, event *paymentdomain.PaymentEvent, status ledgerdomain.PayoutStatus) error {
	var obj paymentdomain.PayoutObject
	if err := json.Unmarshal(event.Object, &obj); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(obj.ID) == "" || obj.Amount <= 0 {
		return paymentdomain.ErrInvalidEvent
	}

	tenantID := snowflake.ID(paymentdomain.TenantID(obj.Metadata))
	if tenantID == 0 && event.AccountID != "" {
		tenantID = s.tenantFromAccount(ctx, event.AccountID)
	}
	if tenantID == 0 {
		payoutID := obj.ID
		s.log.Error("payout with no resolvable tenant", zap.String("payout_id", obj.ID))
		_ = s.auditSvc.Record(ctx, nil, "payout.unresolvable", "payout", &payoutID, map[string]any{
			"event_id": event.ID,
			"amount":   obj.Amount,
		})
		return nil
	}

	last4 := ""
	if dest := strings.TrimSpace(obj.Destination); dest != "" {
		if resolved, err := s.processor.BankAccountLast4(ctx, dest); err != nil {
			s.log.Warn("bank account lookup failed", zap.Error(err))
		} else {
			last4 = resolved
		}
	}

	payout := ledgerdomain.Payout{
		TenantID:         tenantID,
		ProviderPayoutID: obj.ID,
		Amount:           obj.Amount,
		Currency:         strings.ToUpper(obj.Currency),
		Status:           status,
		BankLast4:        last4,
		FailureMessage:   strings.TrimSpace(obj.FailureMessage),
	}
	if obj.ArrivalDate > 0 {
		arrival := time.Unix(obj.ArrivalDate, 0).UTC()
		payout.ArrivalDate = &arrival
	}

	inserted, err := s.ledgerSvc.RecordPayout(ctx, &payout)
	if err != nil {
		return err
	}
	if inserted && status == ledgerdomain.PayoutStatusFailed {
		if tenant, err := s.tenantRepo.FindByID(ctx, s.db, tenantID); err == nil && tenant != nil {
			_ = s.notifier.Send(ctx, notification.KindPayoutFailed, tenant.ContactEmail, map[string]any{
				"tenant_name": tenant.Name,
				"bank_last4":  payout.BankLast4,
				"reason":      payout.FailureMessage,
			})
		}
	}
	return nil
}

// tenantFromAccount maps a connected account id to a tenant. The account id
// is carried in the tenant features blob when onboarding links the account.
func (s *Service) tenantFromAccount(ctx context.Context, accountID string) snowflake.ID {
	var tenant tenantdomain.Tenant
	err := s.db.WithContext(ctx).
		Model(&tenantdomain.Tenant{}).
		Where(datatypes.JSONQuery("features").Equals(accountID, "connect_account_id")).
		Limit(1).
		Find(&tenant).Error
	if err != nil {
		s.log.Warn("connected account lookup failed", zap.Error(err))
		return 0
	}
	return tenant.ID
}

func (s *Service) count(source, eventType, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(source, eventType, outcome)
	}
}
