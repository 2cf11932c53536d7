// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repository lookups for missing records.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for data persistence: transactions,
// evaluations, alerts, cases, customer profiles, and the audit log.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID string, since time.Time) ([]*Transaction, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, eval *Evaluation) error
	GetEvaluation(ctx context.Context, evalID string) (*Evaluation, error)

	// Alert operations
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, limit int) ([]*Alert, error)

	// Case operations
	SaveCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, caseID string) (*Case, error)
	ListCases(ctx context.Context) ([]*Case, error)
	FindOpenCase(ctx context.Context, accountID string) (*Case, error)

	// Customer profiles
	SaveProfile(ctx context.Context, p *CustomerProfile) error
	GetProfile(ctx context.Context, accountID string) (*CustomerProfile, error)

	// Audit log (append-only; implements AuditSink)
	Append(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, limit int) ([]*AuditEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
