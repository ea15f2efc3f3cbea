// Package domain defines the core types and interfaces for Keel.
package domain

import "time"

// RuleOrigin identifies which scoping level supplied the resolved rate.
type RuleOrigin string

const (
	OriginRoute      RuleOrigin = "route"
	OriginService    RuleOrigin = "service"
	OriginVolumeTier RuleOrigin = "volume_tier"
	OriginDefault    RuleOrigin = "default"
)

// Criterion identifies which side of the dual-criteria rule fired.
type Criterion string

const (
	CriterionPercentage Criterion = "percentage"
	CriterionMinimum    Criterion = "minimum"
)

// CalcContext describes one revenue event to be priced. It is built per
// call and never persisted by the engine. Optional fields left at their
// zero value mean "this resolution level does not apply".
type CalcContext struct {
	SubjectID string `json:"subjectId"`

	// BaseAmount is the revenue or margin base the rate applies to.
	BaseAmount float64 `json:"baseAmount"`

	// ServiceType is optional; empty means no service-level match.
	ServiceType ServiceType `json:"serviceType,omitempty"`

	// Origin and Destination are optional free-text lane identifiers,
	// matched case-insensitively with a city-level fallback.
	Origin      string `json:"origin,omitempty"`
	Destination string `json:"destination,omitempty"`

	// PeriodVolumeCount is the number of qualifying transactions in the
	// relevant period, precomputed by the caller. Nil skips tier lookup.
	PeriodVolumeCount *int `json:"periodVolumeCount,omitempty"`

	// MarginPercentage is optional, for rules gated on margin thresholds.
	MarginPercentage *float64 `json:"marginPercentage,omitempty"`
}

// CalcResult is the outcome of one margin calculation.
type CalcResult struct {
	MarginAmount float64 `json:"marginAmount"`

	// EffectivePercentage is back-computed from the amount when the
	// minimum fired, so percentage and amount always agree.
	EffectivePercentage float64 `json:"effectivePercentage"`

	AppliedRuleOrigin RuleOrigin `json:"appliedRuleOrigin"`
	AppliedCriterion  Criterion  `json:"appliedCriterion"`

	// ResolvedRate echoes the rate rule actually used, for audit/display.
	ResolvedRate RateRule `json:"resolvedRate"`
}

// CalculationKind distinguishes persisted calculation records.
type CalculationKind string

const (
	CalculationMargin     CalculationKind = "margin"
	CalculationCommission CalculationKind = "commission"
)

// Calculation is the persisted record of a computed result. The volume
// service counts margin records per subject to derive period volumes.
type Calculation struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	SubjectID string          `json:"subjectId"`
	Kind      CalculationKind `json:"kind"`

	BaseAmount          float64    `json:"baseAmount"`
	Amount              float64    `json:"amount"`
	EffectivePercentage float64    `json:"effectivePercentage"`
	RuleOrigin          RuleOrigin `json:"ruleOrigin,omitempty"`
	Criterion           Criterion  `json:"criterion,omitempty"`
	Rate                RateRule   `json:"rate"`

	ServiceType ServiceType `json:"serviceType,omitempty"`
	Origin      string      `json:"origin,omitempty"`
	Destination string      `json:"destination,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
