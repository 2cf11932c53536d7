package domain

import (
	"time"
)

// Transaction represents a single incoming transaction to be scored.
// Transactions are immutable once created; the history store retains them
// for the maximum lookback any enabled indicator requires.
type Transaction struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`

	// All window maths use this timestamp, never wall-clock time, so that
	// replaying a transaction against the same history is deterministic.
	Timestamp time.Time `json:"timestamp"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Counterparty and channel
	CounterpartyCountry string `json:"counterpartyCountry"`
	Channel             string `json:"channel"`
	IsCredit            bool   `json:"isCredit"`

	// Optional classification
	MerchantCategory string `json:"merchantCategory,omitempty"`
	Purpose          string `json:"purpose,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// TransactionRequest is the API request payload for transaction ingestion.
type TransactionRequest struct {
	AccountID           string  `json:"accountId"`
	Timestamp           string  `json:"timestamp,omitempty"` // RFC 3339; defaults to now
	Amount              float64 `json:"amount"`
	Currency            string  `json:"currency"`
	CounterpartyCountry string  `json:"counterpartyCountry"`
	Channel             string  `json:"channel"`
	IsCredit            bool    `json:"isCredit"`
	MerchantCategory    string  `json:"merchantCategory,omitempty"`
	Purpose             string  `json:"purpose,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction(id string) *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, r.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}
	return &Transaction{
		ID:                  id,
		AccountID:           r.AccountID,
		Timestamp:           ts,
		Amount:              r.Amount,
		Currency:            r.Currency,
		CounterpartyCountry: r.CounterpartyCountry,
		Channel:             r.Channel,
		IsCredit:            r.IsCredit,
		MerchantCategory:    r.MerchantCategory,
		Purpose:             r.Purpose,
		CreatedAt:           now,
	}
}
