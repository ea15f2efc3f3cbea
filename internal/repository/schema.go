package repository

// Schema definitions for the Keel database.
// Compatible with both SQLite and PostgreSQL.

// schemaRuleSets stores margin rule sets. The partial unique index is what
// enforces "at most one active rule set per (tenant, subject)"; activation
// swaps inside a transaction so the invariant holds under concurrency.
const schemaRuleSets = `
CREATE TABLE IF NOT EXISTS rule_sets (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    subject_kind TEXT NOT NULL DEFAULT 'customer',
    is_active INTEGER NOT NULL DEFAULT 0,
    default_rate TEXT NOT NULL,
    service_rates TEXT NOT NULL,
    route_rates TEXT NOT NULL,
    volume_tiers TEXT NOT NULL,
    calculation_method TEXT NOT NULL DEFAULT 'higher_wins',
    custom_expression TEXT,
    effective_date TIMESTAMP NOT NULL,
    next_review_date TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_sets_tenant ON rule_sets(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_sets_subject ON rule_sets(tenant_id, subject_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rule_sets_one_active
    ON rule_sets(tenant_id, subject_id) WHERE is_active = 1;
`

const schemaCommissionRules = `
CREATE TABLE IF NOT EXISTS commission_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    name TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    rate REAL NOT NULL DEFAULT 0,
    tiers TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    effective_from TIMESTAMP NOT NULL,
    effective_to TIMESTAMP,
    service_types TEXT NOT NULL,
    categories TEXT NOT NULL,
    products TEXT NOT NULL,
    min_margin_pct REAL,
    min_order_value REAL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_commission_rules_tenant ON commission_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_commission_rules_subject ON commission_rules(tenant_id, subject_id, priority);
`

// schemaCalculations stores computed results. The volume service counts
// margin rows per subject over a window to derive period volumes.
const schemaCalculations = `
CREATE TABLE IF NOT EXISTS calculations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    base_amount REAL NOT NULL,
    amount REAL NOT NULL,
    effective_percentage REAL NOT NULL,
    rule_origin TEXT,
    criterion TEXT,
    rate TEXT NOT NULL,
    service_type TEXT,
    origin TEXT,
    destination TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_calculations_tenant ON calculations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_calculations_subject ON calculations(tenant_id, subject_id, kind, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuleSets,
		schemaCommissionRules,
		schemaCalculations,
	}
}
