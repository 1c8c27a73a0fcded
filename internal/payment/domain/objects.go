package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Typed views over the event's data.object payload, one per event family.
// Only the fields this core consumes are mapped.

type CheckoutSession struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	AmountSubtotal int64             `json:"amount_subtotal"`
	AmountTotal    int64             `json:"amount_total"`
	Currency       string            `json:"currency"`
	CustomerEmail  string            `json:"customer_email"`
	CustomerName   string            `json:"customer_name"`
	ShippingAmount int64             `json:"shipping_amount"`
	TaxAmount      int64             `json:"tax_amount"`
	DiscountAmount int64             `json:"discount_amount"`
	Address        json.RawMessage   `json:"shipping_address"`
	Metadata       map[string]string `json:"metadata"`
}

// CartLine is one entry of the serialized cart carried in the checkout
// session metadata.
type CartLine struct {
	PieceID         string `json:"piece_id"`
	VariantID       string `json:"variant_id,omitempty"`
	Quantity        int    `json:"qty"`
	Personalization string `json:"personalization,omitempty"`
}

type Charge struct {
	ID                 string            `json:"id"`
	PaymentIntent      string            `json:"payment_intent"`
	Amount             int64             `json:"amount"`
	AmountRefunded     int64             `json:"amount_refunded"`
	Currency           string            `json:"currency"`
	BalanceTransaction string            `json:"balance_transaction"`
	RefundID           string            `json:"refund_id"`
	RefundReason       string            `json:"refund_reason"`
	Metadata           map[string]string `json:"metadata"`
}

type PayoutObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	ArrivalDate    int64             `json:"arrival_date"`
	Destination    string            `json:"destination"`
	FailureMessage string            `json:"failure_message"`
	Metadata       map[string]string `json:"metadata"`
}

type SubscriptionObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Items    subscriptionItems `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type subscriptionItems struct {
	Data []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"data"`
}

// PriceID returns the first subscribed price id.
func (s SubscriptionObject) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

type InvoiceObject struct {
	ID           string            `json:"id"`
	Subscription string            `json:"subscription"`
	AmountDue    int64             `json:"amount_due"`
	Currency     string            `json:"currency"`
	AttemptCount int               `json:"attempt_count"`
	Metadata     map[string]string `json:"metadata"`
}

type DisputeObject struct {
	ID            string            `json:"id"`
	Charge        string            `json:"charge"`
	PaymentIntent string            `json:"payment_intent"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Reason        string            `json:"reason"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata"`
}

// TenantID extracts the tenant id carried in object metadata. Returns zero
// when absent or malformed; callers decide whether that is fatal.
func TenantID(metadata map[string]string) int64 {
	raw := strings.TrimSpace(metadata["tenant_id"])
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
