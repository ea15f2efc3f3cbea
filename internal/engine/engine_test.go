package engine

import (
	"testing"

	"github.com/shipmargin/keel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer e.Close()
}

func TestCalculateHigherWins(t *testing.T) {
	e, _ := New()
	defer e.Close()

	rs := testRuleSet()
	result, err := e.Calculate(rs, &domain.CalcContext{
		SubjectID:  "cust-001",
		BaseAmount: 1000,
	})
	if err != nil {
		t.Fatalf("calculate failed: %v", err)
	}

	if result.AppliedRuleOrigin != domain.OriginDefault {
		t.Errorf("expected default origin, got %s", result.AppliedRuleOrigin)
	}
	// default 8% of 1000 = 80 >= minimum 25
	if result.MarginAmount != 80 {
		t.Errorf("expected 80, got %g", result.MarginAmount)
	}
	if result.AppliedCriterion != domain.CriterionPercentage {
		t.Errorf("expected percentage criterion, got %s", result.AppliedCriterion)
	}
}

func TestCalculateEmptyMethodDefaultsToHigherWins(t *testing.T) {
	e, _ := New()
	defer e.Close()

	rs := testRuleSet()
	rs.CalculationMethod = ""

	result, err := e.Calculate(rs, &domain.CalcContext{BaseAmount: 300})
	if err != nil {
		t.Fatalf("calculate failed: %v", err)
	}
	// 8% of 300 = 24 < minimum 25
	if result.MarginAmount != 25 {
		t.Errorf("expected the minimum 25, got %g", result.MarginAmount)
	}
}

func TestCalculateDeterministic(t *testing.T) {
	e, _ := New()
	defer e.Close()

	rs := testRuleSet()
	cx := &domain.CalcContext{
		BaseAmount:  750,
		ServiceType: domain.ServiceExpress,
	}

	first, err := e.Calculate(rs, cx)
	if err != nil {
		t.Fatalf("calculate failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := e.Calculate(rs, cx)
		if err != nil {
			t.Fatalf("calculate failed: %v", err)
		}
		if *again != *first {
			t.Fatalf("resolution must be deterministic: %+v vs %+v", again, first)
		}
	}
}

func TestCalculateCustomExpression(t *testing.T) {
	e, _ := New()
	defer e.Close()

	rs := testRuleSet()
	rs.CalculationMethod = domain.MethodCustom
	rs.CustomExpression = "base_amount * percentage / 100.0 + minimum_amount / 2.0"

	result, err := e.Calculate(rs, &domain.CalcContext{BaseAmount: 1000})
	if err != nil {
		t.Fatalf("calculate failed: %v", err)
	}
	// 1000*8/100 + 25/2 = 92.5
	if result.MarginAmount != 92.5 {
		t.Errorf("expected 92.5, got %g", result.MarginAmount)
	}
	if result.EffectivePercentage != 9.25 {
		t.Errorf("expected effective 9.25%%, got %g", result.EffectivePercentage)
	}
}

func TestCalculateCustomExpressionClamped(t *testing.T) {
	e, _ := New()
	defer e.Close()

	rs := testRuleSet()
	rs.CalculationMethod = domain.MethodCustom
	rs.CustomExpression = "base_amount - 5000.0"

	result, err := e.Calculate(rs, &domain.CalcContext{BaseAmount: 1000})
	if err != nil {
		t.Fatalf("calculate failed: %v", err)
	}
	if result.MarginAmount != 0 {
		t.Errorf("negative custom amount must clamp to 0, got %g", result.MarginAmount)
	}
}

func TestCalculateCustomInvalidExpression(t *testing.T) {
	e, _ := New()
	defer e.Close()

	rs := testRuleSet()
	rs.CalculationMethod = domain.MethodCustom
	rs.CustomExpression = "not valid CEL !!!"

	if _, err := e.Calculate(rs, &domain.CalcContext{BaseAmount: 1000}); err == nil {
		t.Error("expected error for an uncompilable expression")
	}
}

func TestCalculateUnknownMethod(t *testing.T) {
	e, _ := New()
	defer e.Close()

	rs := testRuleSet()
	rs.CalculationMethod = "midpoint"

	if _, err := e.Calculate(rs, &domain.CalcContext{BaseAmount: 1000}); err == nil {
		t.Error("expected error for an unknown calculation method")
	}
}

func TestValidateExpression(t *testing.T) {
	e, _ := New()
	defer e.Close()

	if err := e.ValidateExpression("base_amount * 0.1"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := e.ValidateExpression("'strings are not amounts'"); err == nil {
		t.Error("string-typed expression must be rejected")
	}
	if err := e.ValidateExpression(""); err == nil {
		t.Error("empty expression must be rejected")
	}
}
