// Package processor defines the read-back client for the payment processor.
// It is only ever used to complete an event (actual fees, bank last-4 for
// failure notices), never to re-drive business state.
package processor

import "context"

type Client interface {
	// BalanceTransactionFee returns the actual processor fee for a balance
	// transaction id, when the processor exposes it.
	BalanceTransactionFee(ctx context.Context, balanceTxID string) (int64, error)
	// BankAccountLast4 resolves the last four digits of the bank account
	// behind a payout destination.
	BankAccountLast4(ctx context.Context, destinationID string) (string, error)
}

// Noop satisfies Client for deployments without read-back credentials;
// callers fall back to fee estimates and omit bank details.
type Noop struct{}

func (Noop) BalanceTransactionFee(context.Context, string) (int64, error) { return 0, nil }

func (Noop) BankAccountLast4(context.Context, string) (string, error) { return "", nil }
