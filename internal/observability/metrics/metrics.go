package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts webhook and ledger activity.
type Metrics struct {
	WebhookEvents      *prometheus.CounterVec
	LedgerTransactions *prometheus.CounterVec
	StockRestored      prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "webhook_events_total",
			Help:      "Webhook events by source, type and outcome.",
		}, []string{"source", "type", "outcome"}),
		LedgerTransactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "ledger_transactions_total",
			Help:      "Ledger transactions recorded, by type.",
		}, []string{"type"}),
		StockRestored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "stock_units_restored_total",
			Help:      "Inventory units restored by refund reconciliation.",
		}),
	}
}

// RecordWebhookEvent increments the webhook counter.
func (m *Metrics) RecordWebhookEvent(source, eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(source, eventType, outcome).Inc()
}

// RecordLedgerTransaction increments the ledger transaction counter.
func (m *Metrics) RecordLedgerTransaction(txType string) {
	if m == nil {
		return
	}
	m.LedgerTransactions.WithLabelValues(txType).Inc()
}

// RecordStockRestored adds restored units to the gauge.
func (m *Metrics) RecordStockRestored(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.StockRestored.Add(float64(units))
}
