package domain

import "time"

// ServiceType classifies the shipment service level a rate may be scoped to.
type ServiceType string

const (
	ServiceStandard      ServiceType = "standard"
	ServiceExpress       ServiceType = "express"
	ServiceOvernight     ServiceType = "overnight"
	ServiceInternational ServiceType = "international"
	ServiceFreight       ServiceType = "freight"
	ServiceOther         ServiceType = "other"
)

// KnownServiceTypes lists every accepted service type value.
func KnownServiceTypes() []ServiceType {
	return []ServiceType{
		ServiceStandard, ServiceExpress, ServiceOvernight,
		ServiceInternational, ServiceFreight, ServiceOther,
	}
}

// ValidServiceType reports whether s is one of the declared service types.
func ValidServiceType(s ServiceType) bool {
	for _, known := range KnownServiceTypes() {
		if s == known {
			return true
		}
	}
	return false
}

// CalculationMethod selects how the percentage/minimum pair is combined.
type CalculationMethod string

const (
	// MethodHigherWins picks whichever of the percentage-based or
	// fixed-minimum amount is numerically larger.
	MethodHigherWins CalculationMethod = "higher_wins"

	// MethodPercentageOnly always applies the percentage rate.
	MethodPercentageOnly CalculationMethod = "percentage_only"

	// MethodMinimumOnly always applies the fixed minimum.
	MethodMinimumOnly CalculationMethod = "minimum_only"

	// MethodCustom evaluates the rule set's CEL expression to produce
	// the amount. The expression is validated before activation.
	MethodCustom CalculationMethod = "custom"
)

// ValidCalculationMethod reports whether m is a declared method.
func ValidCalculationMethod(m CalculationMethod) bool {
	switch m {
	case MethodHigherWins, MethodPercentageOnly, MethodMinimumOnly, MethodCustom:
		return true
	}
	return false
}

// SubjectKind distinguishes who a rule set prices for.
type SubjectKind string

const (
	SubjectCustomer SubjectKind = "customer"
	SubjectEmployee SubjectKind = "employee"
)

// RateRule is the atomic percentage / fixed-minimum pair.
type RateRule struct {
	// Percentage applied to the base amount (0-100 inclusive).
	Percentage float64 `json:"percentage"`

	// MinimumAmount is the fixed floor in the same currency unit
	// as the base amount (>= 0).
	MinimumAmount float64 `json:"minimumAmount"`

	Description string `json:"description,omitempty"`
}

// RouteRate scopes a rate to an origin/destination lane.
// Routes match in declaration order: exact case-insensitive match first,
// then a city-level first-token fallback.
type RouteRate struct {
	Origin      string   `json:"origin"`
	Destination string   `json:"destination"`
	Rate        RateRule `json:"rate"`
}

// VolumeTier maps a contiguous shipment-count range to a rate.
// MaxCount nil means the tier is open-ended. Validated tiers never overlap.
type VolumeTier struct {
	MinCount int      `json:"minCount"`
	MaxCount *int     `json:"maxCount,omitempty"`
	Rate     RateRule `json:"rate"`
}

// RuleSet is the versioned margin configuration for one subject.
// At most one active set exists per (tenant, subject) at a time; the
// repository enforces that with a partial unique index.
type RuleSet struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenantId"`
	SubjectID   string      `json:"subjectId"`
	SubjectKind SubjectKind `json:"subjectKind"`
	IsActive    bool        `json:"isActive"`

	DefaultRate  RateRule                 `json:"defaultRate"`
	ServiceRates map[ServiceType]RateRule `json:"serviceRates,omitempty"`
	RouteRates   []RouteRate              `json:"routeRates,omitempty"`
	VolumeTiers  []VolumeTier             `json:"volumeTiers,omitempty"`

	CalculationMethod CalculationMethod `json:"calculationMethod"`

	// CustomExpression is a CEL expression over base_amount, percentage
	// and minimum_amount. Required when CalculationMethod is "custom".
	CustomExpression string `json:"customExpression,omitempty"`

	EffectiveDate  time.Time `json:"effectiveDate"`
	NextReviewDate time.Time `json:"nextReviewDate"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CloneFor copies the rate configuration onto a new subject.
// The clone gets no ID, is inactive, and keeps dates and method.
func (rs *RuleSet) CloneFor(subjectID string) *RuleSet {
	clone := &RuleSet{
		TenantID:          rs.TenantID,
		SubjectID:         subjectID,
		SubjectKind:       rs.SubjectKind,
		DefaultRate:       rs.DefaultRate,
		CalculationMethod: rs.CalculationMethod,
		CustomExpression:  rs.CustomExpression,
		EffectiveDate:     rs.EffectiveDate,
		NextReviewDate:    rs.NextReviewDate,
	}
	if len(rs.ServiceRates) > 0 {
		clone.ServiceRates = make(map[ServiceType]RateRule, len(rs.ServiceRates))
		for k, v := range rs.ServiceRates {
			clone.ServiceRates[k] = v
		}
	}
	clone.RouteRates = append([]RouteRate(nil), rs.RouteRates...)
	clone.VolumeTiers = append([]VolumeTier(nil), rs.VolumeTiers...)
	return clone
}
