package engine

import (
	"github.com/shipmargin/keel/internal/domain"
)

// Apply computes a margin amount under the higher-wins dual-criteria rule:
// whichever of the percentage-based amount or the fixed minimum is larger
// becomes the result. The effective percentage is back-computed when the
// minimum fires so percentage and amount always agree; a zero base yields
// an effective percentage of 0 rather than a division by zero.
// The final amount is clamped to be non-negative. Total function.
func Apply(baseAmount float64, rate domain.RateRule) domain.CalcResult {
	percentageAmount := baseAmount * rate.Percentage / 100

	if percentageAmount >= rate.MinimumAmount {
		return domain.CalcResult{
			MarginAmount:        clamp(percentageAmount),
			EffectivePercentage: rate.Percentage,
			AppliedCriterion:    domain.CriterionPercentage,
			ResolvedRate:        rate,
		}
	}

	return domain.CalcResult{
		MarginAmount:        clamp(rate.MinimumAmount),
		EffectivePercentage: effectivePercentage(rate.MinimumAmount, baseAmount),
		AppliedCriterion:    domain.CriterionMinimum,
		ResolvedRate:        rate,
	}
}

// ApplyPercentageOnly always applies the percentage rate.
func ApplyPercentageOnly(baseAmount float64, rate domain.RateRule) domain.CalcResult {
	return domain.CalcResult{
		MarginAmount:        clamp(baseAmount * rate.Percentage / 100),
		EffectivePercentage: rate.Percentage,
		AppliedCriterion:    domain.CriterionPercentage,
		ResolvedRate:        rate,
	}
}

// ApplyMinimumOnly always applies the fixed minimum.
func ApplyMinimumOnly(baseAmount float64, rate domain.RateRule) domain.CalcResult {
	return domain.CalcResult{
		MarginAmount:        clamp(rate.MinimumAmount),
		EffectivePercentage: effectivePercentage(rate.MinimumAmount, baseAmount),
		AppliedCriterion:    domain.CriterionMinimum,
		ResolvedRate:        rate,
	}
}

// customResult wraps a custom-expression amount in a calculation result.
// The reported criterion is the one higher-wins would have picked for the
// same inputs, so downstream display logic sees a familiar pair.
func customResult(baseAmount float64, rate domain.RateRule, amount float64) domain.CalcResult {
	criterion := domain.CriterionPercentage
	if baseAmount*rate.Percentage/100 < rate.MinimumAmount {
		criterion = domain.CriterionMinimum
	}

	return domain.CalcResult{
		MarginAmount:        clamp(amount),
		EffectivePercentage: effectivePercentage(amount, baseAmount),
		AppliedCriterion:    criterion,
		ResolvedRate:        rate,
	}
}

// RevenueForTargetMargin computes the minimum revenue required to hit the
// target margin for a given cost under the higher-wins policy:
//
//	max(cost / (1 - percentage/100), cost + minimumAmount)
//
// A percentage at or above 100 makes the percentage branch unattainable,
// so only the fixed-minimum floor applies.
func RevenueForTargetMargin(cost float64, rate domain.RateRule) float64 {
	floor := cost + rate.MinimumAmount

	if rate.Percentage >= 100 {
		return clamp(floor)
	}

	byPercentage := cost / (1 - rate.Percentage/100)
	if byPercentage > floor {
		return clamp(byPercentage)
	}
	return clamp(floor)
}

// effectivePercentage back-computes a percentage from amount and base,
// guarding the base = 0 edge case explicitly.
func effectivePercentage(amount, baseAmount float64) float64 {
	if baseAmount == 0 {
		return 0
	}
	return amount / baseAmount * 100
}

func clamp(amount float64) float64 {
	if amount < 0 {
		return 0
	}
	return amount
}
