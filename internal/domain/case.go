package domain

import (
	"time"
)

// CaseStatus is the lifecycle state of an investigation case.
type CaseStatus string

const (
	CaseOpen      CaseStatus = "OPEN"
	CaseInReview  CaseStatus = "IN_REVIEW"
	CaseEscalated CaseStatus = "ESCALATED"
	CaseClosed    CaseStatus = "CLOSED"
)

// caseRank orders statuses for the forward-only transition check.
var caseRank = map[CaseStatus]int{
	CaseOpen:      0,
	CaseInReview:  1,
	CaseEscalated: 2,
	CaseClosed:    3,
}

// Rank returns the forward-progress ordinal of a status, or -1 if unknown.
func (s CaseStatus) Rank() int {
	if r, ok := caseRank[s]; ok {
		return r
	}
	return -1
}

// CaseAction is an analyst- or policy-requested case transition.
type CaseAction string

const (
	ActionReview   CaseAction = "review"   // OPEN -> IN_REVIEW
	ActionEscalate CaseAction = "escalate" // OPEN/IN_REVIEW -> ESCALATED
	ActionClose    CaseAction = "close"    // any open status -> CLOSED
	ActionReopen   CaseAction = "reopen"   // CLOSED -> OPEN, explicit only
)

// CaseLabel is an orthogonal terminal marker on a case, settable only while
// the case is IN_REVIEW or ESCALATED.
type CaseLabel string

const (
	LabelSARFiled      CaseLabel = "SAR_FILED"
	LabelFalsePositive CaseLabel = "FALSE_POSITIVE"
)

// Case bundles one or more alerts on an account for analyst workflow.
type Case struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"accountId"`
	Status         CaseStatus `json:"status"`
	Label          CaseLabel  `json:"label,omitempty"`
	AlertIDs       []string   `json:"alertIds"`
	Notes          []string   `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
}

// IsOpen reports whether the case still accepts new alerts.
// ESCALATED cases are deliberately excluded: a fresh High hit on an
// escalated account warrants its own case rather than silent accretion.
func (c *Case) IsOpen() bool {
	return c.Status == CaseOpen || c.Status == CaseInReview
}
