package engine

import (
	"time"

	"github.com/shipmargin/keel/internal/domain"
)

// RuleMatches evaluates a commission rule's eligibility predicate against
// a context. All checks are ANDed; any failing check disqualifies the rule.
// Allow-lists apply only when both the list and the context value are set.
func RuleMatches(rule *domain.CommissionRule, cx *domain.CommissionContext) bool {
	if !rule.Active {
		return false
	}

	now := cx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if now.Before(rule.EffectiveFrom) {
		return false
	}
	if rule.EffectiveTo != nil && now.After(*rule.EffectiveTo) {
		return false
	}

	if len(rule.ServiceTypes) > 0 && cx.ServiceType != "" && !containsService(rule.ServiceTypes, cx.ServiceType) {
		return false
	}
	if len(rule.Categories) > 0 && cx.Category != "" && !contains(rule.Categories, cx.Category) {
		return false
	}
	if len(rule.Products) > 0 && cx.Product != "" && !contains(rule.Products, cx.Product) {
		return false
	}

	if rule.MinMarginPercentage != nil {
		if cx.MarginPercentage == nil || *cx.MarginPercentage < *rule.MinMarginPercentage {
			return false
		}
	}
	if rule.MinOrderValue != nil && cx.Revenue < *rule.MinOrderValue {
		return false
	}

	return true
}

// CalculateCommission applies a single commission rule's type dispatch.
// For tiered rules a revenue outside all tiers yields a zero amount with
// no applied tier; callers decide whether that cascades further.
func CalculateCommission(rule *domain.CommissionRule, cx *domain.CommissionContext) domain.CommissionResult {
	result := domain.CommissionResult{
		Type:   rule.Type,
		Rate:   rule.Rate,
		RuleID: rule.ID,
	}

	switch rule.Type {
	case domain.CommissionMarginPercentage:
		result.Base = cx.Margin
		result.CommissionAmount = clamp(cx.Margin * rule.Rate / 100)

	case domain.CommissionRevenuePercentage:
		result.Base = cx.Revenue
		result.CommissionAmount = clamp(cx.Revenue * rule.Rate / 100)

	case domain.CommissionFixedAmount:
		// Base is informational only for flat payouts
		result.Base = cx.Revenue
		result.CommissionAmount = clamp(rule.Rate)

	case domain.CommissionTiered:
		result.Base = cx.Revenue
		tier := FindCommissionTier(rule.Tiers, cx.Revenue)
		if tier == nil {
			result.Rate = 0
			return result
		}
		result.Rate = tier.Rate
		result.AppliedTier = tier
		result.CommissionAmount = clamp(cx.Revenue * tier.Rate / 100)
	}

	return result
}

// ResolveCommission walks prioritized candidate rules and calculates with
// the first one whose eligibility predicate passes. Rules must be supplied
// in ascending priority order (the repository lists them that way).
// Returns nil when no rule applies; the caller surfaces that as a domain
// condition, never as a silent default.
func ResolveCommission(rules []*domain.CommissionRule, cx *domain.CommissionContext) *domain.CommissionResult {
	for _, rule := range rules {
		if !RuleMatches(rule, cx) {
			continue
		}
		result := CalculateCommission(rule, cx)
		return &result
	}
	return nil
}

func containsService(list []domain.ServiceType, v domain.ServiceType) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
