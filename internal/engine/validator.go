package engine

import (
	"fmt"
	"sort"

	"github.com/shipmargin/keel/internal/domain"
)

// ValidateRuleSet checks a candidate rule set for internal consistency.
// Every violation found is reported; nothing short-circuits. An empty
// slice means the set may be persisted and activated. The validator
// performs no mutation or persistence.
func ValidateRuleSet(rs *domain.RuleSet) []string {
	var violations []string

	violations = append(violations, validateRate("defaultRate", rs.DefaultRate)...)

	// Deterministic ordering for map-backed service rates
	services := make([]domain.ServiceType, 0, len(rs.ServiceRates))
	for svc := range rs.ServiceRates {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i] < services[j] })

	for _, svc := range services {
		if !domain.ValidServiceType(svc) {
			violations = append(violations, fmt.Sprintf("serviceRates[%s]: unknown service type", svc))
		}
		violations = append(violations, validateRate(fmt.Sprintf("serviceRates[%s]", svc), rs.ServiceRates[svc])...)
	}

	for i, route := range rs.RouteRates {
		if route.Origin == "" {
			violations = append(violations, fmt.Sprintf("routeRates[%d]: origin must not be empty", i))
		}
		if route.Destination == "" {
			violations = append(violations, fmt.Sprintf("routeRates[%d]: destination must not be empty", i))
		}
		violations = append(violations, validateRate(fmt.Sprintf("routeRates[%d]", i), route.Rate)...)
	}

	violations = append(violations, validateVolumeTiers(rs.VolumeTiers)...)

	method := rs.CalculationMethod
	if method != "" && !domain.ValidCalculationMethod(method) {
		violations = append(violations, fmt.Sprintf("calculationMethod: unknown method %q", method))
	}
	if method == domain.MethodCustom && rs.CustomExpression == "" {
		violations = append(violations, "customExpression: required when calculationMethod is custom")
	}

	return violations
}

// ValidateRuleSetFull runs the structural checks plus a compile check of
// the custom expression against the engine's CEL environment.
func (e *Engine) ValidateRuleSetFull(rs *domain.RuleSet) []string {
	violations := ValidateRuleSet(rs)

	if rs.CalculationMethod == domain.MethodCustom && rs.CustomExpression != "" {
		if err := e.ValidateExpression(rs.CustomExpression); err != nil {
			violations = append(violations, fmt.Sprintf("customExpression: %v", err))
		}
	}

	return violations
}

func validateRate(field string, rate domain.RateRule) []string {
	var violations []string
	if rate.Percentage < 0 {
		violations = append(violations, fmt.Sprintf("%s: percentage must not be negative, got %g", field, rate.Percentage))
	}
	if rate.Percentage > 100 {
		violations = append(violations, fmt.Sprintf("%s: percentage must not exceed 100, got %g", field, rate.Percentage))
	}
	if rate.MinimumAmount < 0 {
		violations = append(violations, fmt.Sprintf("%s: minimumAmount must not be negative, got %g", field, rate.MinimumAmount))
	}
	return violations
}

func validateVolumeTiers(tiers []domain.VolumeTier) []string {
	var violations []string

	for i, tier := range tiers {
		if tier.MinCount < 0 {
			violations = append(violations, fmt.Sprintf("volumeTiers[%d]: minCount must not be negative", i))
		}
		if tier.MaxCount != nil && *tier.MaxCount < tier.MinCount {
			violations = append(violations, fmt.Sprintf("volumeTiers[%d]: maxCount %d is below minCount %d", i, *tier.MaxCount, tier.MinCount))
		}
		violations = append(violations, validateRate(fmt.Sprintf("volumeTiers[%d]", i), tier.Rate)...)
	}

	// Overlap check on the ascending order
	sorted := make([]domain.VolumeTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinCount < sorted[j].MinCount })

	for i := 0; i < len(sorted)-1; i++ {
		lower, upper := sorted[i], sorted[i+1]
		if lower.MaxCount == nil {
			violations = append(violations, fmt.Sprintf(
				"volumeTiers: tier starting at %d is open-ended but tier starting at %d follows it",
				lower.MinCount, upper.MinCount))
			continue
		}
		if *lower.MaxCount >= upper.MinCount {
			violations = append(violations, fmt.Sprintf(
				"volumeTiers: tier [%d, %d] overlaps tier starting at %d",
				lower.MinCount, *lower.MaxCount, upper.MinCount))
		}
	}

	return violations
}

// ValidateCommissionRule checks a candidate commission rule, accumulating
// every violation found.
func ValidateCommissionRule(rule *domain.CommissionRule) []string {
	var violations []string

	if rule.SubjectID == "" {
		violations = append(violations, "subjectId must not be empty")
	}
	if !domain.ValidCommissionType(rule.Type) {
		violations = append(violations, fmt.Sprintf("type: unknown commission type %q", rule.Type))
	}
	if rule.Rate < 0 {
		violations = append(violations, fmt.Sprintf("rate must not be negative, got %g", rule.Rate))
	}

	switch rule.Type {
	case domain.CommissionMarginPercentage, domain.CommissionRevenuePercentage:
		if rule.Rate > 100 {
			violations = append(violations, fmt.Sprintf("rate must not exceed 100 for %s, got %g", rule.Type, rule.Rate))
		}
	case domain.CommissionTiered:
		if len(rule.Tiers) == 0 {
			violations = append(violations, "tiers: at least one tier is required for tiered rules")
		}
	}

	for i, tier := range rule.Tiers {
		if tier.MinRevenue < 0 {
			violations = append(violations, fmt.Sprintf("tiers[%d]: minRevenue must not be negative", i))
		}
		if tier.Rate < 0 {
			violations = append(violations, fmt.Sprintf("tiers[%d]: rate must not be negative", i))
		}
		if tier.MaxRevenue != nil && *tier.MaxRevenue < tier.MinRevenue {
			violations = append(violations, fmt.Sprintf("tiers[%d]: maxRevenue %g is below minRevenue %g", i, *tier.MaxRevenue, tier.MinRevenue))
		}
	}

	sorted := make([]domain.CommissionTier, len(rule.Tiers))
	copy(sorted, rule.Tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinRevenue < sorted[j].MinRevenue })

	for i := 0; i < len(sorted)-1; i++ {
		lower, upper := sorted[i], sorted[i+1]
		if lower.MaxRevenue == nil {
			violations = append(violations, fmt.Sprintf(
				"tiers: tier starting at %g is open-ended but tier starting at %g follows it",
				lower.MinRevenue, upper.MinRevenue))
			continue
		}
		if *lower.MaxRevenue >= upper.MinRevenue {
			violations = append(violations, fmt.Sprintf(
				"tiers: tier [%g, %g] overlaps tier starting at %g",
				lower.MinRevenue, *lower.MaxRevenue, upper.MinRevenue))
		}
	}

	if rule.EffectiveTo != nil && rule.EffectiveTo.Before(rule.EffectiveFrom) {
		violations = append(violations, "effectiveTo must not be before effectiveFrom")
	}

	for i, svc := range rule.ServiceTypes {
		if !domain.ValidServiceType(svc) {
			violations = append(violations, fmt.Sprintf("serviceTypes[%d]: unknown service type %q", i, svc))
		}
	}
	if rule.MinMarginPercentage != nil && *rule.MinMarginPercentage < 0 {
		violations = append(violations, "minMarginPercentage must not be negative")
	}
	if rule.MinOrderValue != nil && *rule.MinOrderValue < 0 {
		violations = append(violations, "minOrderValue must not be negative")
	}

	return violations
}
