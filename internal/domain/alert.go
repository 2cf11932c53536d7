package domain

import (
	"time"
)

// Alert records a High-severity score on a single transaction.
// Alerts are immutable once created except for the link to their owning case.
type Alert struct {
	ID            string               `json:"id"`
	TransactionID string               `json:"transactionId"`
	AccountID     string               `json:"accountId"`
	Score         float64              `json:"score"`
	Severity      Severity             `json:"severity"`
	Hits          []EvaluatedIndicator `json:"hits"`
	CaseID        string               `json:"caseId,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}
