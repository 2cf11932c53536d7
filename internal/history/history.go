// Package history keeps a bounded in-memory sliding window of recent
// transactions per account. It backs the stateful indicators; window
// queries are keyed to the evaluated transaction's timestamp rather than
// wall-clock time so that replays reproduce live scores exactly.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultMaxPerAccount bounds per-account memory regardless of retention.
const DefaultMaxPerAccount = 10000

// Store implements domain.HistoryStore.
type Store struct {
	mu            sync.RWMutex
	accounts      map[string][]domain.Transaction
	retention     time.Duration
	maxPerAccount int
}

// NewStore creates a store that retains at least the given window of
// transactions per account. Retention is typically the configuration's
// MaxLookback.
func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{
		accounts:      make(map[string][]domain.Transaction),
		retention:     retention,
		maxPerAccount: DefaultMaxPerAccount,
	}
}

// SetRetention widens or narrows the retained window. Eviction under the
// new retention happens on each account's next write.
func (s *Store) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

// Record inserts a transaction into its account's window. Out-of-order
// arrivals are placed by timestamp, not append order, so late transactions
// land in the right position.
func (s *Store) Record(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs := s.accounts[tx.AccountID]
	for _, existing := range txs {
		if existing.ID == tx.ID {
			return nil
		}
	}

	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].Timestamp.After(tx.Timestamp)
	})
	txs = append(txs, domain.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = *tx

	s.accounts[tx.AccountID] = s.evict(txs)
	return nil
}

// evict drops entries outside the retained window, measured from the
// newest transaction the account has seen, and enforces the count bound.
func (s *Store) evict(txs []domain.Transaction) []domain.Transaction {
	if len(txs) == 0 {
		return txs
	}
	cutoff := txs[len(txs)-1].Timestamp.Add(-s.retention)
	start := sort.Search(len(txs), func(i int) bool {
		return txs[i].Timestamp.After(cutoff)
	})
	txs = txs[start:]
	if len(txs) > s.maxPerAccount {
		txs = txs[len(txs)-s.maxPerAccount:]
	}
	return txs
}

// Window returns the account's transactions with timestamps in
// (asOf-lookback, asOf], oldest first. The returned slice is a copy.
func (s *Store) Window(accountID string, lookback time.Duration, asOf time.Time) []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := s.accounts[accountID]
	cutoff := asOf.Add(-lookback)
	start := sort.Search(len(txs), func(i int) bool {
		return txs[i].Timestamp.After(cutoff)
	})
	end := sort.Search(len(txs), func(i int) bool {
		return txs[i].Timestamp.After(asOf)
	})
	if start >= end {
		return nil
	}
	out := make([]domain.Transaction, end-start)
	copy(out, txs[start:end])
	return out
}

// RollingAggregate folds fn over the window without copying it.
func (s *Store) RollingAggregate(accountID string, lookback time.Duration, asOf time.Time, fn func(domain.Transaction) float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	txs := s.accounts[accountID]
	cutoff := asOf.Add(-lookback)
	for _, t := range txs {
		if t.Timestamp.After(cutoff) && !t.Timestamp.After(asOf) {
			total += fn(t)
		}
	}
	return total
}

// Len reports the number of retained transactions for an account.
func (s *Store) Len(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts[accountID])
}

// Preload seeds windows from persisted transactions, typically at startup
// or before a replay. Entries flow through Record so ordering and eviction
// rules apply.
func (s *Store) Preload(ctx context.Context, txs []domain.Transaction) error {
	for i := range txs {
		if err := s.Record(ctx, &txs[i]); err != nil {
			return err
		}
	}
	return nil
}
