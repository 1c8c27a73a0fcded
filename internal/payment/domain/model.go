// Package domain defines the canonical payment event and the error taxonomy
// shared by the webhook pipeline.
package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Event sources. Each source is one HTTP endpoint with its own signing
// secret: general payment events and connected-account platform events.
const (
	SourcePayment = "payment"
	SourceConnect = "connect"
)

// Processor event types consumed by this core. Anything else is ignored at
// the parse boundary.
const (
	EventTypeCheckoutCompleted       = "checkout.session.completed"
	EventTypeCheckoutExpired         = "checkout.session.expired"
	EventTypePaymentFailed           = "payment_intent.payment_failed"
	EventTypeChargeRefunded          = "charge.refunded"
	EventTypePayoutPaid              = "payout.paid"
	EventTypePayoutFailed            = "payout.failed"
	EventTypeDisputeCreated          = "charge.dispute.created"
	EventTypeDisputeClosed           = "charge.dispute.closed"
	EventTypeDisputeFundsWithdrawn   = "charge.dispute.funds_withdrawn"
	EventTypeDisputeFundsReinstated  = "charge.dispute.funds_reinstated"
	EventTypeSubscriptionCreated     = "customer.subscription.created"
	EventTypeSubscriptionUpdated     = "customer.subscription.updated"
	EventTypeSubscriptionDeleted     = "customer.subscription.deleted"
	EventTypeInvoicePaymentFailed    = "invoice.payment_failed"
	EventTypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

var (
	// Authentication failures. Nothing past the verifier without a valid
	// signature; missing header and missing secret stay distinguishable.
	ErrMissingSignature = errors.New("missing_signature_header")
	ErrMissingSecret    = errors.New("missing_signing_secret")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrSignatureExpired = errors.New("signature_timestamp_outside_tolerance")

	ErrInvalidPayload = errors.New("invalid_payload")
	ErrInvalidEvent   = errors.New("invalid_event")
	ErrEventIgnored   = errors.New("event_ignored")

	// Validation failures: acknowledged, audited, never retried.
	ErrMissingTenant = errors.New("missing_tenant")

	// Data-integrity violation: a payment reference resolving to another
	// tenant's order. Security-relevant abort.
	ErrTenantMismatch = errors.New("tenant_mismatch")
)

// PaymentEvent is a verified, typed processor notification. Immutable; it is
// never persisted — dedup state lives on the business entities it describes.
type PaymentEvent struct {
	ID         string
	Type       string
	Source     string
	AccountID  string
	OccurredAt time.Time
	Object     json.RawMessage
	RawPayload []byte
}
