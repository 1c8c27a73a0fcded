package notification

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Kind enumerates the notices this core dispatches after durable writes.
type Kind string

const (
	KindOrderConfirmation     Kind = "order_confirmation"
	KindLowStock              Kind = "low_stock"
	KindRefundNotice          Kind = "refund_notice"
	KindSubscriptionCancelled Kind = "subscription_cancelled"
	KindPaymentFailed         Kind = "payment_failed"
	KindPayoutFailed          Kind = "payout_failed"
)

// Notifier sends best-effort notices. Every failure is logged and swallowed:
// a notice must never convert a committed state mutation into a reported
// failure, and it is only invoked after the durable writes are done.
type Notifier struct {
	provider Provider
	log      *zap.Logger
}

func NewNotifier(provider Provider, log *zap.Logger) *Notifier {
	return &Notifier{
		provider: provider,
		log:      log.Named("notification"),
	}
}

// Send renders and dispatches a notice. The returned error is always nil by
// contract; the signature keeps call sites honest about the boundary.
func (n *Notifier) Send(ctx context.Context, kind Kind, to string, data map[string]any) error {
	to = strings.TrimSpace(to)
	if to == "" {
		n.log.Debug("skipping notice without recipient", zap.String("kind", string(kind)))
		return nil
	}

	subject, body := render(kind, data)
	if err := n.provider.Send(ctx, []string{to}, subject, body); err != nil {
		n.log.Warn("notice dispatch failed",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	return nil
}

func render(kind Kind, data map[string]any) (string, string) {
	switch kind {
	case KindOrderConfirmation:
		return fmt.Sprintf("Order %v confirmed", data["order_number"]),
			fmt.Sprintf("<p>Thanks for your order %v. Total: %v %v.</p>", data["order_number"], data["total"], data["currency"])
	case KindLowStock:
		return fmt.Sprintf("Low stock: %v", data["piece_name"]),
			fmt.Sprintf("<p>%v is down to %v units.</p>", data["piece_name"], data["stock_count"])
	case KindRefundNotice:
		return fmt.Sprintf("Refund issued for order %v", data["order_number"]),
			fmt.Sprintf("<p>A refund of %v %v was issued.</p>", data["amount"], data["currency"])
	case KindSubscriptionCancelled:
		return "Your subscription has been cancelled",
			"<p>Your plan has been moved to the free tier. Your listings stay online.</p>"
	case KindPaymentFailed:
		return "Payment failed",
			fmt.Sprintf("<p>Your subscription payment failed. Next attempt around %v.</p>", data["next_retry"])
	case KindPayoutFailed:
		return "Payout failed",
			fmt.Sprintf("<p>A payout to the bank account ending in %v failed: %v</p>", data["bank_last4"], data["reason"])
	default:
		return "Notification", "<p></p>"
	}
}
