package domain

import (
	"context"
	"time"
)

// HistoryStore maintains bounded per-account sliding windows of recent
// transactions for stateful indicators. Implementations must keep windows
// ordered by timestamp ascending even under out-of-order arrival: late
// transactions are inserted in place, never appended blindly.
type HistoryStore interface {
	// Record appends a transaction to its account's window and persists it.
	Record(ctx context.Context, tx *Transaction) error

	// Window returns the account's transactions within [asOf-lookback, asOf],
	// ordered by timestamp ascending. The returned slice is a snapshot the
	// caller may read freely.
	Window(accountID string, lookback time.Duration, asOf time.Time) []Transaction

	// RollingAggregate folds fn over the account's window, summing the
	// returned values. Used for amount sums, counts, and similar rollups.
	RollingAggregate(accountID string, lookback time.Duration, asOf time.Time, fn func(Transaction) float64) float64
}
