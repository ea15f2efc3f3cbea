package domain

import (
	"context"
	"time"
)

// Repository defines the interface for rule and calculation persistence.
// All methods require tenantID for strict multi-tenancy isolation.
// The engine itself never touches the repository; handlers and workers do.
type Repository interface {
	// Rule set lifecycle. At most one active rule set exists per
	// (tenant, subject); ActivateRuleSet swaps atomically.
	SaveRuleSet(ctx context.Context, tenantID string, rs *RuleSet) error
	GetRuleSet(ctx context.Context, tenantID string, id string) (*RuleSet, error)
	GetActiveRuleSet(ctx context.Context, tenantID string, subjectID string) (*RuleSet, error)
	ListRuleSets(ctx context.Context, tenantID string) ([]*RuleSet, error)
	ActivateRuleSet(ctx context.Context, tenantID string, id string) error
	DeactivateRuleSet(ctx context.Context, tenantID string, id string) error
	ReviewRuleSet(ctx context.Context, tenantID string, id string, nextReview time.Time) error

	// Commission rule operations. Listing returns rules for a subject
	// ordered by ascending priority; Delete is a soft delete.
	SaveCommissionRule(ctx context.Context, tenantID string, rule *CommissionRule) error
	GetCommissionRule(ctx context.Context, tenantID string, id string) (*CommissionRule, error)
	ListCommissionRules(ctx context.Context, tenantID string, subjectID string) ([]*CommissionRule, error)
	DeleteCommissionRule(ctx context.Context, tenantID string, id string) error

	// Calculation records
	SaveCalculation(ctx context.Context, tenantID string, calc *Calculation) error
	GetCalculation(ctx context.Context, tenantID string, id string) (*Calculation, error)
	CountCalculations(ctx context.Context, tenantID string, subjectID string, kind CalculationKind, since time.Time) (int64, error)

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
