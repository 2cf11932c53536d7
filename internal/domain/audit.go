package domain

import (
	"context"
	"time"
)

// AuditEntry is an append-only record of a state-changing operation.
// Entries are never mutated or deleted by the engine.
type AuditEntry struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	ObjectType string    `json:"objectType"`
	ObjectID   string    `json:"objectId"`
	Timestamp  time.Time `json:"timestamp"`
	Before     string    `json:"before,omitempty"`
	After      string    `json:"after,omitempty"`
}

// Audit actions emitted by the engine.
const (
	AuditAlertCreated   = "alert.created"
	AuditCaseCreated    = "case.created"
	AuditCaseTransition = "case.transition"
	AuditCaseLabeled    = "case.labeled"
	AuditAlertAttached  = "case.alert_attached"
	AuditConfigReloaded = "config.reloaded"
)

// SystemActor names the engine itself in audit entries for automatic
// operations (alert creation, auto-escalation, config reload).
const SystemActor = "system"

// AuditSink is the append-only destination for audit entries. Append must
// not return until the entry is durably acknowledged: callers treat a nil
// error as the happens-before point for committing the audited mutation.
type AuditSink interface {
	Append(ctx context.Context, entry *AuditEntry) error
}
