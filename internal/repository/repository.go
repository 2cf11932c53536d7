// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	// ErrNotFound aliases the domain sentinel so callers can match on
	// either package.
	ErrNotFound = domain.ErrNotFound

	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" || tx.AccountID == "" {
		return fmt.Errorf("%w: transaction id and account id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, account_id, timestamp, amount, currency,
			counterparty_country, channel, is_credit,
			merchant_category, purpose, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.AccountID, tx.Timestamp, tx.Amount, tx.Currency,
		tx.CounterpartyCountry, tx.Channel, boolToInt(tx.IsCredit),
		tx.MerchantCategory, tx.Purpose, tx.CreatedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT id, account_id, timestamp, amount, currency,
			   counterparty_country, channel, is_credit,
			   merchant_category, purpose, created_at
		FROM transactions
		WHERE id = ?
	`

	var tx domain.Transaction
	var isCredit int

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.ID, &tx.AccountID, &tx.Timestamp, &tx.Amount, &tx.Currency,
		&tx.CounterpartyCountry, &tx.Channel, &isCredit,
		&tx.MerchantCategory, &tx.Purpose, &tx.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.IsCredit = isCredit == 1
	return &tx, nil
}

// ListTransactionsByAccount retrieves an account's transactions since a
// point in time, oldest first so history windows can be rebuilt in order.
func (r *SQLRepository) ListTransactionsByAccount(ctx context.Context, accountID string, since time.Time) ([]*domain.Transaction, error) {
	query := `
		SELECT id, account_id, timestamp, amount, currency,
			   counterparty_country, channel, is_credit,
			   merchant_category, purpose, created_at
		FROM transactions
		WHERE account_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), accountID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var isCredit int

		if err := rows.Scan(
			&tx.ID, &tx.AccountID, &tx.Timestamp, &tx.Amount, &tx.Currency,
			&tx.CounterpartyCountry, &tx.Channel, &isCredit,
			&tx.MerchantCategory, &tx.Purpose, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		tx.IsCredit = isCredit == 1
		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// SaveEvaluation stores an evaluation result.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	indicators, _ := json.Marshal(eval.Score.Indicators)

	query := `
		INSERT INTO evaluations (
			id, tx_id, account_id, raw_score, normalized_score,
			severity, config_version, indicators, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.TransactionID, eval.AccountID,
		eval.Score.Raw, eval.Score.Normalized,
		string(eval.Score.Severity), eval.Score.ConfigVersion,
		string(indicators), eval.Timestamp,
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	query := `
		SELECT id, tx_id, account_id, raw_score, normalized_score,
			   severity, config_version, indicators, timestamp
		FROM evaluations
		WHERE id = ?
	`

	var eval domain.Evaluation
	var severity, indicators string

	err := r.db.QueryRowContext(ctx, r.rebind(query), evalID).Scan(
		&eval.ID, &eval.TransactionID, &eval.AccountID,
		&eval.Score.Raw, &eval.Score.Normalized,
		&severity, &eval.Score.ConfigVersion,
		&indicators, &eval.Timestamp,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	eval.Score.Severity = domain.Severity(severity)
	if err := json.Unmarshal([]byte(indicators), &eval.Score.Indicators); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation indicators: %w", err)
	}

	return &eval, nil
}

// SaveAlert stores an alert, updating the case link on conflict.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	hits, _ := json.Marshal(alert.Hits)

	query := `
		INSERT INTO alerts (
			id, tx_id, account_id, score, severity, hits, case_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET case_id = excluded.case_id
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.TransactionID, alert.AccountID,
		alert.Score, string(alert.Severity), string(hits),
		alert.CaseID, alert.CreatedAt,
	)
	return err
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `
		SELECT id, tx_id, account_id, score, severity, hits, case_id, created_at
		FROM alerts
		WHERE id = ?
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// ListAlerts retrieves the most recent alerts.
func (r *SQLRepository) ListAlerts(ctx context.Context, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tx_id, account_id, score, severity, hits, case_id, created_at
		FROM alerts
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var alert domain.Alert
	var severity, hits string
	var caseID sql.NullString

	if err := row.Scan(
		&alert.ID, &alert.TransactionID, &alert.AccountID,
		&alert.Score, &severity, &hits, &caseID, &alert.CreatedAt,
	); err != nil {
		return nil, err
	}

	alert.Severity = domain.Severity(severity)
	alert.CaseID = caseID.String
	if err := json.Unmarshal([]byte(hits), &alert.Hits); err != nil {
		return nil, fmt.Errorf("failed to parse alert hits: %w", err)
	}
	return &alert, nil
}

// SaveCase stores or updates a case.
func (r *SQLRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	alertIDs, _ := json.Marshal(c.AlertIDs)
	notes, _ := json.Marshal(c.Notes)

	query := `
		INSERT INTO cases (
			id, account_id, status, label, alert_ids, notes, created_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			label = excluded.label,
			alert_ids = excluded.alert_ids,
			notes = excluded.notes,
			last_activity_at = excluded.last_activity_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.AccountID, string(c.Status), string(c.Label),
		string(alertIDs), string(notes), c.CreatedAt, c.LastActivityAt,
	)
	return err
}

// GetCase retrieves a case by ID.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	query := `
		SELECT id, account_id, status, label, alert_ids, notes, created_at, last_activity_at
		FROM cases
		WHERE id = ?
	`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCases retrieves all cases, most recent activity first.
func (r *SQLRepository) ListCases(ctx context.Context) ([]*domain.Case, error) {
	query := `
		SELECT id, account_id, status, label, alert_ids, notes, created_at, last_activity_at
		FROM cases
		ORDER BY last_activity_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}

	return cases, rows.Err()
}

// FindOpenCase retrieves the account's most recently active case that
// still accepts alerts (OPEN or IN_REVIEW).
func (r *SQLRepository) FindOpenCase(ctx context.Context, accountID string) (*domain.Case, error) {
	query := `
		SELECT id, account_id, status, label, alert_ids, notes, created_at, last_activity_at
		FROM cases
		WHERE account_id = ? AND status IN ('OPEN', 'IN_REVIEW')
		ORDER BY last_activity_at DESC
		LIMIT 1
	`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func scanCase(row rowScanner) (*domain.Case, error) {
	var c domain.Case
	var status, alertIDs string
	var label, notes sql.NullString

	if err := row.Scan(
		&c.ID, &c.AccountID, &status, &label,
		&alertIDs, &notes, &c.CreatedAt, &c.LastActivityAt,
	); err != nil {
		return nil, err
	}

	c.Status = domain.CaseStatus(status)
	c.Label = domain.CaseLabel(label.String)
	if err := json.Unmarshal([]byte(alertIDs), &c.AlertIDs); err != nil {
		return nil, fmt.Errorf("failed to parse case alert ids: %w", err)
	}
	if notes.String != "" {
		if err := json.Unmarshal([]byte(notes.String), &c.Notes); err != nil {
			return nil, fmt.Errorf("failed to parse case notes: %w", err)
		}
	}
	return &c, nil
}

// SaveProfile stores or replaces a customer profile.
func (r *SQLRepository) SaveProfile(ctx context.Context, p *domain.CustomerProfile) error {
	if p.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO profiles (
			account_id, customer_id, name, country, is_pep, annual_declared_income
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			name = excluded.name,
			country = excluded.country,
			is_pep = excluded.is_pep,
			annual_declared_income = excluded.annual_declared_income
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.AccountID, p.CustomerID, p.Name, p.Country,
		boolToInt(p.IsPEP), p.AnnualDeclaredIncome,
	)
	return err
}

// GetProfile retrieves a customer profile by account ID.
func (r *SQLRepository) GetProfile(ctx context.Context, accountID string) (*domain.CustomerProfile, error) {
	query := `
		SELECT account_id, customer_id, name, country, is_pep, annual_declared_income
		FROM profiles
		WHERE account_id = ?
	`

	var p domain.CustomerProfile
	var isPEP int

	err := r.db.QueryRowContext(ctx, r.rebind(query), accountID).Scan(
		&p.AccountID, &p.CustomerID, &p.Name, &p.Country,
		&isPEP, &p.AnnualDeclaredIncome,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.IsPEP = isPEP == 1
	return &p, nil
}

// Append stores an audit entry. The table is append-only; there is no
// corresponding update or delete.
func (r *SQLRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (
			id, actor, action, object_type, object_id, timestamp, before_state, after_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.Actor, entry.Action,
		entry.ObjectType, entry.ObjectID, entry.Timestamp,
		entry.Before, entry.After,
	)
	return err
}

// ListAuditEntries retrieves the most recent audit entries.
func (r *SQLRepository) ListAuditEntries(ctx context.Context, limit int) ([]*domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, actor, action, object_type, object_id, timestamp, before_state, after_state
		FROM audit_entries
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var before, after sql.NullString

		if err := rows.Scan(
			&e.ID, &e.Actor, &e.Action, &e.ObjectType, &e.ObjectID,
			&e.Timestamp, &before, &after,
		); err != nil {
			return nil, err
		}
		e.Before = before.String
		e.After = after.String
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
