package domain

import "time"

// CommissionType is the closed set of commission calculation strategies.
type CommissionType string

const (
	// CommissionMarginPercentage applies the rate to the margin.
	CommissionMarginPercentage CommissionType = "margin_percentage"

	// CommissionRevenuePercentage applies the rate to the revenue.
	CommissionRevenuePercentage CommissionType = "revenue_percentage"

	// CommissionFixedAmount pays the rate as a flat amount.
	CommissionFixedAmount CommissionType = "fixed_amount"

	// CommissionTiered resolves the rate from revenue tiers.
	CommissionTiered CommissionType = "tiered"
)

// ValidCommissionType reports whether t is a declared commission type.
func ValidCommissionType(t CommissionType) bool {
	switch t {
	case CommissionMarginPercentage, CommissionRevenuePercentage,
		CommissionFixedAmount, CommissionTiered:
		return true
	}
	return false
}

// CommissionTier maps a contiguous revenue range to a percentage rate.
// MaxRevenue nil means open-ended. Validated tiers never overlap.
type CommissionTier struct {
	MinRevenue float64  `json:"minRevenue"`
	MaxRevenue *float64 `json:"maxRevenue,omitempty"`
	Rate       float64  `json:"rate"`
}

// CommissionRule configures one commission scheme for an employee.
// Candidate rules for a subject are tried in ascending Priority order;
// the first rule whose eligibility predicate passes wins.
type CommissionRule struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	SubjectID string `json:"subjectId"`
	Name      string `json:"name"`

	Type CommissionType `json:"type"`

	// Rate is a percentage for the percentage types and a flat amount
	// for fixed_amount. Ignored for tiered (tiers carry their own rates).
	Rate  float64          `json:"rate"`
	Tiers []CommissionTier `json:"tiers,omitempty"`

	Priority int  `json:"priority"`
	Active   bool `json:"active"`

	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`

	// Optional allow-lists. A context value must appear in the list
	// only when both the list and the context value are present.
	ServiceTypes []ServiceType `json:"serviceTypes,omitempty"`
	Categories   []string      `json:"categories,omitempty"`
	Products     []string      `json:"products,omitempty"`

	// Optional minimum thresholds the context must meet or exceed.
	MinMarginPercentage *float64 `json:"minMarginPercentage,omitempty"`
	MinOrderValue       *float64 `json:"minOrderValue,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CommissionContext describes one revenue event to be commissioned.
type CommissionContext struct {
	SubjectID string  `json:"subjectId"`
	Revenue   float64 `json:"revenue"`
	Margin    float64 `json:"margin"`

	MarginPercentage *float64    `json:"marginPercentage,omitempty"`
	ServiceType      ServiceType `json:"serviceType,omitempty"`
	Category         string      `json:"category,omitempty"`
	Product          string      `json:"product,omitempty"`

	// Now anchors the effective-date window check; the caller sets it
	// (zero value means time.Now at evaluation).
	Now time.Time `json:"-"`
}

// CommissionResult is the outcome of one commission calculation.
type CommissionResult struct {
	CommissionAmount float64 `json:"commissionAmount"`

	// Base is the figure the rate applied to (margin or revenue;
	// informational for fixed_amount).
	Base float64        `json:"base"`
	Type CommissionType `json:"type"`
	Rate float64        `json:"rate"`

	// AppliedTier echoes the matched revenue tier for tiered rules.
	AppliedTier *CommissionTier `json:"appliedTier,omitempty"`

	// RuleID identifies the rule that produced the result.
	RuleID string `json:"ruleId,omitempty"`
}
