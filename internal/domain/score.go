package domain

import (
	"time"
)

// Severity classifies a normalized score into an alerting tier.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// ScoreResult is the deterministic output of scoring one transaction.
// Re-evaluating the same transaction against the same history snapshot and
// indicator set yields a bit-identical result.
type ScoreResult struct {
	Raw        float64  `json:"raw"`
	Normalized float64  `json:"normalized"`
	Severity   Severity `json:"severity"`

	// ConfigVersion identifies the indicator set snapshot the score was
	// computed against, for audit replay.
	ConfigVersion string `json:"configVersion"`

	Indicators []EvaluatedIndicator `json:"indicators"`
}

// Hits returns the evaluated indicators that fired.
func (s *ScoreResult) Hits() []EvaluatedIndicator {
	var hits []EvaluatedIndicator
	for _, e := range s.Indicators {
		if e.Hit {
			hits = append(hits, e)
		}
	}
	return hits
}

// Evaluation is the persisted record of a scored transaction.
type Evaluation struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transactionId"`
	AccountID     string      `json:"accountId"`
	Score         ScoreResult `json:"score"`
	Timestamp     time.Time   `json:"timestamp"`
}
