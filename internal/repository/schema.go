package repository

// Schema definitions for the Harrier database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    counterparty_country TEXT,
    channel TEXT,
    is_credit INTEGER NOT NULL DEFAULT 0,
    merchant_category TEXT,
    purpose TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id);
CREATE INDEX IF NOT EXISTS idx_transactions_account_ts ON transactions(account_id, timestamp);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    raw_score REAL NOT NULL,
    normalized_score REAL NOT NULL,
    severity TEXT NOT NULL,
    config_version TEXT NOT NULL,
    indicators TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(tx_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_account ON evaluations(account_id, timestamp);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    score REAL NOT NULL,
    severity TEXT NOT NULL,
    hits TEXT NOT NULL,
    case_id TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_account ON alerts(account_id);
CREATE INDEX IF NOT EXISTS idx_alerts_case ON alerts(case_id);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    status TEXT NOT NULL,
    label TEXT,
    alert_ids TEXT NOT NULL,
    notes TEXT,
    created_at TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_account ON cases(account_id);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(account_id, status);
`

const schemaProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    account_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    name TEXT,
    country TEXT,
    is_pep INTEGER NOT NULL DEFAULT 0,
    annual_declared_income REAL NOT NULL DEFAULT 0
);
`

// Audit entries are append-only. Nothing in the engine updates or deletes
// rows in this table.
const schemaAuditEntries = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    object_type TEXT NOT NULL,
    object_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    before_state TEXT,
    after_state TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_object ON audit_entries(object_type, object_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaEvaluations,
		schemaAlerts,
		schemaCases,
		schemaProfiles,
		schemaAuditEntries,
	}
}
