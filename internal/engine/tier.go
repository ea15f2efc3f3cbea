package engine

import (
	"sort"

	"github.com/shipmargin/keel/internal/domain"
)

// findTier is the shared tier-resolution core for ordered numeric ranges.
// bounds reports a tier's lower bound and optional inclusive upper bound.
//
// Tiers are defensively re-sorted ascending by lower bound, then scanned
// from the highest tier downward; the first tier containing the value wins.
// In a validated (non-overlapping) list the direction is immaterial, but
// the top-down scan is kept for behavioral parity with prior versions.
// No match is a normal outcome, not an error.
func findTier[T any](tiers []T, bounds func(T) (float64, *float64), value float64) (T, bool) {
	var zero T
	if len(tiers) == 0 {
		return zero, false
	}

	sorted := make([]T, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		mi, _ := bounds(sorted[i])
		mj, _ := bounds(sorted[j])
		return mi < mj
	})

	for i := len(sorted) - 1; i >= 0; i-- {
		min, max := bounds(sorted[i])
		if value >= min && (max == nil || value <= *max) {
			return sorted[i], true
		}
	}

	return zero, false
}

// FindVolumeTier finds the volume tier containing a shipment count.
// Returns nil when the count falls outside all configured tiers; the
// rule matcher treats that as "fall through to the default".
func FindVolumeTier(tiers []domain.VolumeTier, count int) *domain.VolumeTier {
	tier, ok := findTier(tiers, func(t domain.VolumeTier) (float64, *float64) {
		var max *float64
		if t.MaxCount != nil {
			m := float64(*t.MaxCount)
			max = &m
		}
		return float64(t.MinCount), max
	}, float64(count))
	if !ok {
		return nil
	}
	return &tier
}

// FindCommissionTier finds the commission tier containing a revenue figure.
// Returns nil when revenue falls outside all configured tiers.
func FindCommissionTier(tiers []domain.CommissionTier, revenue float64) *domain.CommissionTier {
	tier, ok := findTier(tiers, func(t domain.CommissionTier) (float64, *float64) {
		return t.MinRevenue, t.MaxRevenue
	}, revenue)
	if !ok {
		return nil
	}
	return &tier
}
