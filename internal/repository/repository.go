// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shipmargin/keel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
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

// SaveRuleSet stores a rule set with tenant isolation. Saving never
// toggles is_active; activation goes through ActivateRuleSet so the
// one-active-per-subject invariant cannot be bypassed.
func (r *SQLRepository) SaveRuleSet(ctx context.Context, tenantID string, rs *domain.RuleSet) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	defaultRate, _ := json.Marshal(rs.DefaultRate)
	serviceRates, _ := json.Marshal(rs.ServiceRates)
	routeRates, _ := json.Marshal(rs.RouteRates)
	volumeTiers, _ := json.Marshal(rs.VolumeTiers)

	now := time.Now().UTC()
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = now
	}
	rs.UpdatedAt = now

	query := `
		INSERT INTO rule_sets (
			id, tenant_id, subject_id, subject_kind, is_active,
			default_rate, service_rates, route_rates, volume_tiers,
			calculation_method, custom_expression,
			effective_date, next_review_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			subject_id = excluded.subject_id,
			subject_kind = excluded.subject_kind,
			default_rate = excluded.default_rate,
			service_rates = excluded.service_rates,
			route_rates = excluded.route_rates,
			volume_tiers = excluded.volume_tiers,
			calculation_method = excluded.calculation_method,
			custom_expression = excluded.custom_expression,
			effective_date = excluded.effective_date,
			next_review_date = excluded.next_review_date,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rs.ID, tenantID, rs.SubjectID, rs.SubjectKind,
		string(defaultRate), string(serviceRates), string(routeRates), string(volumeTiers),
		rs.CalculationMethod, rs.CustomExpression,
		rs.EffectiveDate, rs.NextReviewDate, rs.CreatedAt, rs.UpdatedAt,
	)
	return err
}

const ruleSetColumns = `id, tenant_id, subject_id, subject_kind, is_active,
		   default_rate, service_rates, route_rates, volume_tiers,
		   calculation_method, custom_expression,
		   effective_date, next_review_date, created_at, updated_at`

func scanRuleSet(row interface{ Scan(...interface{}) error }) (*domain.RuleSet, error) {
	var rs domain.RuleSet
	var isActive int
	var defaultRate, serviceRates, routeRates, volumeTiers string
	var customExpression sql.NullString

	err := row.Scan(
		&rs.ID, &rs.TenantID, &rs.SubjectID, &rs.SubjectKind, &isActive,
		&defaultRate, &serviceRates, &routeRates, &volumeTiers,
		&rs.CalculationMethod, &customExpression,
		&rs.EffectiveDate, &rs.NextReviewDate, &rs.CreatedAt, &rs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rs.IsActive = isActive == 1
	rs.CustomExpression = customExpression.String

	if err := json.Unmarshal([]byte(defaultRate), &rs.DefaultRate); err != nil {
		return nil, fmt.Errorf("failed to parse default rate for %s: %w", rs.ID, err)
	}
	json.Unmarshal([]byte(serviceRates), &rs.ServiceRates)
	json.Unmarshal([]byte(routeRates), &rs.RouteRates)
	json.Unmarshal([]byte(volumeTiers), &rs.VolumeTiers)

	return &rs, nil
}

// GetRuleSet retrieves a rule set by ID with tenant isolation.
func (r *SQLRepository) GetRuleSet(ctx context.Context, tenantID string, id string) (*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleSetColumns + `
		FROM rule_sets
		WHERE tenant_id = ? AND id = ?
	`

	rs, err := scanRuleSet(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return rs, nil
}

// GetActiveRuleSet retrieves the single active rule set for a subject.
// No active set means ErrNotFound; callers decide what that implies,
// the store never substitutes a default.
func (r *SQLRepository) GetActiveRuleSet(ctx context.Context, tenantID string, subjectID string) (*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleSetColumns + `
		FROM rule_sets
		WHERE tenant_id = ? AND subject_id = ? AND is_active = 1
	`

	rs, err := scanRuleSet(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return rs, nil
}

// ListRuleSets retrieves all rule sets for a tenant, newest first.
func (r *SQLRepository) ListRuleSets(ctx context.Context, tenantID string) ([]*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + ruleSetColumns + `
		FROM rule_sets
		WHERE tenant_id = ?
		ORDER BY updated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*domain.RuleSet
	for rows.Next() {
		rs, err := scanRuleSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}

	return sets, rows.Err()
}

// ActivateRuleSet makes a rule set the active one for its subject,
// deactivating the current active set in the same transaction. The
// partial unique index on (tenant_id, subject_id) backs this up.
func (r *SQLRepository) ActivateRuleSet(ctx context.Context, tenantID string, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var subjectID string
	query := `SELECT subject_id FROM rule_sets WHERE tenant_id = ? AND id = ?`
	err = tx.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(&subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	query = `
		UPDATE rule_sets
		SET is_active = 0, updated_at = ?
		WHERE tenant_id = ? AND subject_id = ? AND is_active = 1
	`
	if _, err := tx.ExecContext(ctx, r.rebind(query), now, tenantID, subjectID); err != nil {
		return err
	}

	query = `
		UPDATE rule_sets
		SET is_active = 1, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`
	if _, err := tx.ExecContext(ctx, r.rebind(query), now, tenantID, id); err != nil {
		return err
	}

	return tx.Commit()
}

// DeactivateRuleSet clears the active flag on a rule set.
func (r *SQLRepository) DeactivateRuleSet(ctx context.Context, tenantID string, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE rule_sets
		SET is_active = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ReviewRuleSet records a completed review by advancing the next review date.
func (r *SQLRepository) ReviewRuleSet(ctx context.Context, tenantID string, id string, nextReview time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE rule_sets
		SET next_review_date = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), nextReview, time.Now().UTC(), tenantID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveCommissionRule stores a commission rule with tenant isolation.
func (r *SQLRepository) SaveCommissionRule(ctx context.Context, tenantID string, rule *domain.CommissionRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tiers, _ := json.Marshal(rule.Tiers)
	serviceTypes, _ := json.Marshal(rule.ServiceTypes)
	categories, _ := json.Marshal(rule.Categories)
	products, _ := json.Marshal(rule.Products)

	active := 0
	if rule.Active {
		active = 1
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO commission_rules (
			id, tenant_id, subject_id, name, rule_type, rate, tiers,
			priority, active, effective_from, effective_to,
			service_types, categories, products,
			min_margin_pct, min_order_value, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			subject_id = excluded.subject_id,
			name = excluded.name,
			rule_type = excluded.rule_type,
			rate = excluded.rate,
			tiers = excluded.tiers,
			priority = excluded.priority,
			active = excluded.active,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			service_types = excluded.service_types,
			categories = excluded.categories,
			products = excluded.products,
			min_margin_pct = excluded.min_margin_pct,
			min_order_value = excluded.min_order_value,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.SubjectID, rule.Name, rule.Type, rule.Rate, string(tiers),
		rule.Priority, active, rule.EffectiveFrom, rule.EffectiveTo,
		string(serviceTypes), string(categories), string(products),
		rule.MinMarginPercentage, rule.MinOrderValue, rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

const commissionRuleColumns = `id, tenant_id, subject_id, name, rule_type, rate, tiers,
		   priority, active, effective_from, effective_to,
		   service_types, categories, products,
		   min_margin_pct, min_order_value, created_at, updated_at`

func scanCommissionRule(row interface{ Scan(...interface{}) error }) (*domain.CommissionRule, error) {
	var rule domain.CommissionRule
	var active int
	var tiers, serviceTypes, categories, products string
	var effectiveTo sql.NullTime
	var minMargin, minOrder sql.NullFloat64

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.SubjectID, &rule.Name, &rule.Type, &rule.Rate, &tiers,
		&rule.Priority, &active, &rule.EffectiveFrom, &effectiveTo,
		&serviceTypes, &categories, &products,
		&minMargin, &minOrder, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Active = active == 1
	if effectiveTo.Valid {
		t := effectiveTo.Time
		rule.EffectiveTo = &t
	}
	if minMargin.Valid {
		v := minMargin.Float64
		rule.MinMarginPercentage = &v
	}
	if minOrder.Valid {
		v := minOrder.Float64
		rule.MinOrderValue = &v
	}

	json.Unmarshal([]byte(tiers), &rule.Tiers)
	json.Unmarshal([]byte(serviceTypes), &rule.ServiceTypes)
	json.Unmarshal([]byte(categories), &rule.Categories)
	json.Unmarshal([]byte(products), &rule.Products)

	return &rule, nil
}

// GetCommissionRule retrieves a commission rule by ID with tenant isolation.
func (r *SQLRepository) GetCommissionRule(ctx context.Context, tenantID string, id string) (*domain.CommissionRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + commissionRuleColumns + `
		FROM commission_rules
		WHERE tenant_id = ? AND id = ?
	`

	rule, err := scanCommissionRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return rule, nil
}

// ListCommissionRules retrieves the active commission rules for a subject,
// ordered by ascending priority. The cascade tries them in this order.
func (r *SQLRepository) ListCommissionRules(ctx context.Context, tenantID string, subjectID string) ([]*domain.CommissionRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + commissionRuleColumns + `
		FROM commission_rules
		WHERE tenant_id = ? AND subject_id = ? AND active = 1
		ORDER BY priority ASC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.CommissionRule
	for rows.Next() {
		rule, err := scanCommissionRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteCommissionRule soft-deletes a commission rule by setting active = 0.
func (r *SQLRepository) DeleteCommissionRule(ctx context.Context, tenantID string, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE commission_rules
		SET active = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveCalculation stores a calculation record with tenant isolation.
func (r *SQLRepository) SaveCalculation(ctx context.Context, tenantID string, calc *domain.Calculation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	rate, _ := json.Marshal(calc.Rate)
	metadata, _ := json.Marshal(calc.Metadata)

	query := `
		INSERT INTO calculations (
			id, tenant_id, subject_id, kind, base_amount, amount,
			effective_percentage, rule_origin, criterion, rate,
			service_type, origin, destination, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		calc.ID, tenantID, calc.SubjectID, calc.Kind,
		calc.BaseAmount, calc.Amount, calc.EffectivePercentage,
		calc.RuleOrigin, calc.Criterion, string(rate),
		calc.ServiceType, calc.Origin, calc.Destination,
		calc.Timestamp, calc.CreatedAt, string(metadata),
	)
	return err
}

// GetCalculation retrieves a calculation by ID with tenant isolation.
func (r *SQLRepository) GetCalculation(ctx context.Context, tenantID string, id string) (*domain.Calculation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_id, kind, base_amount, amount,
			   effective_percentage, rule_origin, criterion, rate,
			   service_type, origin, destination, timestamp, created_at, metadata
		FROM calculations
		WHERE tenant_id = ? AND id = ?
	`

	var calc domain.Calculation
	var rate, metadata string
	var ruleOrigin, criterion, serviceType, origin, destination sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(
		&calc.ID, &calc.TenantID, &calc.SubjectID, &calc.Kind,
		&calc.BaseAmount, &calc.Amount, &calc.EffectivePercentage,
		&ruleOrigin, &criterion, &rate,
		&serviceType, &origin, &destination,
		&calc.Timestamp, &calc.CreatedAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	calc.RuleOrigin = domain.RuleOrigin(ruleOrigin.String)
	calc.Criterion = domain.Criterion(criterion.String)
	calc.ServiceType = domain.ServiceType(serviceType.String)
	calc.Origin = origin.String
	calc.Destination = destination.String

	json.Unmarshal([]byte(rate), &calc.Rate)
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &calc.Metadata)
	}

	return &calc, nil
}

// CountCalculations counts a subject's calculations of one kind since a
// point in time. The volume service uses this to derive tier counts.
func (r *SQLRepository) CountCalculations(ctx context.Context, tenantID string, subjectID string, kind domain.CalculationKind, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*)
		FROM calculations
		WHERE tenant_id = ? AND subject_id = ? AND kind = ? AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, subjectID, kind, since).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to the driver's format.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
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
