//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Keel margin engine.
//
// These tests verify the COMPLETE quoting pipeline:
//
//	Rule Set → Resolution (route > service > volume tier > default) → Higher-Wins → Quote
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. RULE SET: A subject's pricing configuration. Holds a default rate,
//    optional per-service rates, per-route rates, and volume tiers.
//
// 2. RATE RULE: A percentage plus a fixed minimum. Under the default
//    higher-wins method, whichever yields the larger margin applies.
//
// 3. RESOLUTION ORDER: route match > service match > volume tier > default.
//    Exactly one rate applies per quote.
//
// 4. ACTIVE SET: One rule set per subject serves quotes at a time.
//    A subject without an active set gets HTTP 404, never a silent default.
//
// Tests create their own rule sets via the API, so a clean server is
// enough; no seed script is required.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KEEL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

// uniqueSubject avoids collisions with rule sets left by earlier runs.
func uniqueSubject(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// ============================================================================
// API Request/Response Types (matching Keel's API contract)
// ============================================================================

type RateRule struct {
	Percentage    float64 `json:"percentage"`
	MinimumAmount float64 `json:"minimumAmount"`
}

type RouteRate struct {
	Origin      string   `json:"origin"`
	Destination string   `json:"destination"`
	Rate        RateRule `json:"rate"`
}

// RuleSetRequest is the payload for POST /rulesets
type RuleSetRequest struct {
	SubjectID    string              `json:"subjectId"`
	DefaultRate  RateRule            `json:"defaultRate"`
	ServiceRates map[string]RateRule `json:"serviceRates,omitempty"`
	RouteRates   []RouteRate         `json:"routeRates,omitempty"`
}

// CalculateRequest is the quote request sent to POST /calculate
type CalculateRequest struct {
	SubjectID   string  `json:"subjectId"`
	BaseAmount  float64 `json:"baseAmount"`
	ServiceType string  `json:"serviceType,omitempty"`
	Origin      string  `json:"origin,omitempty"`
	Destination string  `json:"destination,omitempty"`
}

// CalculateResponse is what POST /calculate returns
type CalculateResponse struct {
	CalculationID string `json:"calculationId"`
	RuleSetID     string `json:"ruleSetId"`
	Result        struct {
		MarginAmount        float64 `json:"marginAmount"`
		EffectivePercentage float64 `json:"effectivePercentage"`
		AppliedRuleOrigin   string  `json:"appliedRuleOrigin"`
		AppliedCriterion    string  `json:"appliedCriterion"`
	} `json:"result"`
	Metadata ResponseMetadata `json:"metadata"`
}

type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func post(t *testing.T, config TestConfig, path string, payload any) (*http.Response, []byte) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	return resp, respBody
}

// setupActiveRuleSet creates and activates a rule set for the subject.
func setupActiveRuleSet(t *testing.T, config TestConfig, req RuleSetRequest) string {
	t.Helper()

	resp, body := post(t, config, "/rulesets", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 creating rule set, got %d: %s", resp.StatusCode, string(body))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("Failed to unmarshal rule set: %v", err)
	}

	resp, body = post(t, config, "/rulesets/"+created.ID+"/activate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 activating rule set, got %d: %s", resp.StatusCode, string(body))
	}

	return created.ID
}

func calculate(t *testing.T, config TestConfig, req CalculateRequest) CalculateResponse {
	t.Helper()

	resp, body := post(t, config, "/calculate", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(body))
	}

	var result CalculateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}

	return result
}

// ============================================================================
// SCENARIO 1: Default Rate Quote (Higher-Wins)
// ============================================================================

func TestDefaultRateQuote(t *testing.T) {
	/*
	   SCENARIO: A $1,000 shipment for a subject with only a default rate
	   of 10% / $50 minimum.

	   EXPECTED BEHAVIOR:
	   - No route or service match → default rate applies
	   - 10% of $1,000 = $100 > $50 minimum → percentage wins

	   FINAL QUOTE: $100 margin, origin "default", criterion "percentage"
	*/
	config := getTestConfig()
	subject := uniqueSubject("customer-default")

	setupActiveRuleSet(t, config, RuleSetRequest{
		SubjectID:   subject,
		DefaultRate: RateRule{Percentage: 10, MinimumAmount: 50},
	})

	result := calculate(t, config, CalculateRequest{
		SubjectID:  subject,
		BaseAmount: 1000,
	})

	if result.Result.MarginAmount != 100 {
		t.Errorf("Expected margin 100, got %.2f", result.Result.MarginAmount)
	}
	if result.Result.AppliedRuleOrigin != "default" {
		t.Errorf("Expected origin 'default', got %s", result.Result.AppliedRuleOrigin)
	}
	if result.Result.AppliedCriterion != "percentage" {
		t.Errorf("Expected criterion 'percentage', got %s", result.Result.AppliedCriterion)
	}

	t.Logf("✓ Default quote: margin=%.2f, origin=%s", result.Result.MarginAmount, result.Result.AppliedRuleOrigin)
}

// ============================================================================
// SCENARIO 2: Minimum Floor (Higher-Wins Boundary)
// ============================================================================

func TestMinimumFloorWins(t *testing.T) {
	/*
	   SCENARIO: A $100 shipment where 10% yields only $10, below the
	   $50 fixed minimum.

	   EXPECTED BEHAVIOR: the minimum wins; EffectivePercentage is
	   back-computed (50/100 = 50%) so amount and percentage agree.
	*/
	config := getTestConfig()
	subject := uniqueSubject("customer-floor")

	setupActiveRuleSet(t, config, RuleSetRequest{
		SubjectID:   subject,
		DefaultRate: RateRule{Percentage: 10, MinimumAmount: 50},
	})

	result := calculate(t, config, CalculateRequest{
		SubjectID:  subject,
		BaseAmount: 100,
	})

	if result.Result.MarginAmount != 50 {
		t.Errorf("Expected minimum 50, got %.2f", result.Result.MarginAmount)
	}
	if result.Result.AppliedCriterion != "minimum" {
		t.Errorf("Expected criterion 'minimum', got %s", result.Result.AppliedCriterion)
	}
	if result.Result.EffectivePercentage != 50 {
		t.Errorf("Expected effective percentage 50, got %.2f", result.Result.EffectivePercentage)
	}

	t.Logf("✓ Minimum floor: margin=%.2f, effective=%.2f%%", result.Result.MarginAmount, result.Result.EffectivePercentage)
}

func TestExactTieGoesToPercentage(t *testing.T) {
	/*
	   SCENARIO: 10% of $500 = $50 = the fixed minimum, exactly.

	   EXPECTED: a tie reports the percentage criterion; the amount is
	   the same either way. Boundary conditions catch off-by-one errors
	   in the higher-wins comparison.
	*/
	config := getTestConfig()
	subject := uniqueSubject("customer-tie")

	setupActiveRuleSet(t, config, RuleSetRequest{
		SubjectID:   subject,
		DefaultRate: RateRule{Percentage: 10, MinimumAmount: 50},
	})

	result := calculate(t, config, CalculateRequest{
		SubjectID:  subject,
		BaseAmount: 500,
	})

	if result.Result.MarginAmount != 50 {
		t.Errorf("Expected margin 50, got %.2f", result.Result.MarginAmount)
	}
	if result.Result.AppliedCriterion != "percentage" {
		t.Errorf("Expected tie to report 'percentage', got %s", result.Result.AppliedCriterion)
	}

	t.Logf("✓ Exact tie: $500 at 10%%/$50 → criterion=%s", result.Result.AppliedCriterion)
}

// ============================================================================
// SCENARIO 3: Resolution Priority (Route > Service > Default)
// ============================================================================

func TestResolutionPriority(t *testing.T) {
	/*
	   SCENARIO: A rule set with a default rate, an express service rate,
	   and a Hamburg→Rotterdam route rate. The same shipment is quoted
	   with progressively more specific attributes.

	   EXPECTED BEHAVIOR:
	   - No attributes → default (10%)
	   - Express service → service rate (15%)
	   - Express service on Hamburg→Rotterdam → route rate (8%),
	     because route beats service
	*/
	config := getTestConfig()
	subject := uniqueSubject("customer-priority")

	setupActiveRuleSet(t, config, RuleSetRequest{
		SubjectID:   subject,
		DefaultRate: RateRule{Percentage: 10, MinimumAmount: 50},
		ServiceRates: map[string]RateRule{
			"express": {Percentage: 15, MinimumAmount: 75},
		},
		RouteRates: []RouteRate{
			{Origin: "Hamburg", Destination: "Rotterdam", Rate: RateRule{Percentage: 8, MinimumAmount: 40}},
		},
	})

	base := CalculateRequest{SubjectID: subject, BaseAmount: 1000}

	result := calculate(t, config, base)
	if result.Result.AppliedRuleOrigin != "default" {
		t.Errorf("Plain quote: expected origin 'default', got %s", result.Result.AppliedRuleOrigin)
	}

	withService := base
	withService.ServiceType = "express"
	result = calculate(t, config, withService)
	if result.Result.AppliedRuleOrigin != "service" {
		t.Errorf("Service quote: expected origin 'service', got %s", result.Result.AppliedRuleOrigin)
	}
	if result.Result.MarginAmount != 150 {
		t.Errorf("Service quote: expected margin 150, got %.2f", result.Result.MarginAmount)
	}

	withRoute := withService
	withRoute.Origin = "Hamburg"
	withRoute.Destination = "Rotterdam"
	result = calculate(t, config, withRoute)
	if result.Result.AppliedRuleOrigin != "route" {
		t.Errorf("Route quote: expected origin 'route', got %s", result.Result.AppliedRuleOrigin)
	}
	if result.Result.MarginAmount != 80 {
		t.Errorf("Route quote: expected margin 80, got %.2f", result.Result.MarginAmount)
	}

	t.Logf("✓ Resolution priority verified: default → service → route")
}

// ============================================================================
// SCENARIO 4: No Active Rule Set
// ============================================================================

func TestNoActiveRuleSet_NotFound(t *testing.T) {
	/*
	   SCENARIO: Quote for a subject that has no active rule set.

	   EXPECTED: HTTP 404. The engine never falls back to a silent
	   default, because a made-up margin is worse than no quote.
	*/
	config := getTestConfig()

	resp, body := post(t, config, "/calculate", CalculateRequest{
		SubjectID:  uniqueSubject("customer-unknown"),
		BaseAmount: 1000,
	})

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for subject without active rule set, got %d: %s", resp.StatusCode, string(body))
	}

	t.Logf("✓ No active rule set → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 5: Activation Swap
// ============================================================================

func TestActivationSwap(t *testing.T) {
	/*
	   SCENARIO: Two rule sets for the same subject; activating the
	   second must atomically replace the first.

	   EXPECTED: quotes after the swap use the second set's rates.
	*/
	config := getTestConfig()
	subject := uniqueSubject("customer-swap")

	setupActiveRuleSet(t, config, RuleSetRequest{
		SubjectID:   subject,
		DefaultRate: RateRule{Percentage: 10},
	})
	second := setupActiveRuleSet(t, config, RuleSetRequest{
		SubjectID:   subject,
		DefaultRate: RateRule{Percentage: 20},
	})

	result := calculate(t, config, CalculateRequest{
		SubjectID:  subject,
		BaseAmount: 1000,
	})

	if result.RuleSetID != second {
		t.Errorf("Expected quotes from rule set %s, got %s", second, result.RuleSetID)
	}
	if result.Result.MarginAmount != 200 {
		t.Errorf("Expected margin 200 from the new set, got %.2f", result.Result.MarginAmount)
	}

	t.Logf("✓ Activation swap: quotes serve from %s", result.RuleSetID)
}

// ============================================================================
// SCENARIO 6: Commission Cascade
// ============================================================================

func TestCommissionCascade(t *testing.T) {
	/*
	   SCENARIO: A sales rep with one margin-percentage rule at 5%.

	   EXPECTED BEHAVIOR:
	   - $2,000 margin → $100 commission
	   - A rep with no rules → HTTP 404 (no payout is invented)
	*/
	config := getTestConfig()
	rep := uniqueSubject("rep")

	resp, body := post(t, config, "/commission-rules", map[string]any{
		"subjectId": rep,
		"name":      "Margin share",
		"type":      "margin_percentage",
		"rate":      5,
		"priority":  10,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 creating commission rule, got %d: %s", resp.StatusCode, string(body))
	}

	resp, body = post(t, config, "/commissions/calculate", map[string]any{
		"subjectId": rep,
		"revenue":   10000,
		"margin":    2000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 calculating commission, got %d: %s", resp.StatusCode, string(body))
	}

	var commission struct {
		Result struct {
			CommissionAmount float64 `json:"commissionAmount"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &commission); err != nil {
		t.Fatalf("Failed to unmarshal commission: %v", err)
	}
	if commission.Result.CommissionAmount != 100 {
		t.Errorf("Expected commission 100, got %.2f", commission.Result.CommissionAmount)
	}

	resp, _ = post(t, config, "/commissions/calculate", map[string]any{
		"subjectId": uniqueSubject("rep-empty"),
		"revenue":   10000,
		"margin":    2000,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for rep without rules, got %d", resp.StatusCode)
	}

	t.Logf("✓ Commission cascade: 5%% of $2,000 margin → $%.2f", commission.Result.CommissionAmount)
}

// ============================================================================
// SCENARIO 7: Input Validation
// ============================================================================

func TestNegativeBaseAmount_Error(t *testing.T) {
	/*
	   SCENARIO: Quote request with a negative cost.

	   EXPECTED: HTTP 400 Bad Request
	*/
	config := getTestConfig()

	resp, _ := post(t, config, "/calculate", CalculateRequest{
		SubjectID:  "customer-001",
		BaseAmount: -100,
	})

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative base amount, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: negative amount → HTTP %d", resp.StatusCode)
}

func TestInvalidRuleSet_Unprocessable(t *testing.T) {
	/*
	   SCENARIO: Create a rule set with a 200% default rate.

	   EXPECTED: HTTP 422 with a violations list; nothing is persisted.
	*/
	config := getTestConfig()

	resp, body := post(t, config, "/rulesets", RuleSetRequest{
		SubjectID:   uniqueSubject("customer-invalid"),
		DefaultRate: RateRule{Percentage: 200},
	})

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for out-of-range percentage, got %d: %s", resp.StatusCode, string(body))
	}

	t.Logf("✓ Validation test passed: invalid rule set → HTTP %d", resp.StatusCode)
}

func TestMissingTenantHeader_Error(t *testing.T) {
	/*
	   SCENARIO: Request without X-Tenant-ID header.

	   EXPECTED: HTTP 400 (tenant ID is a required field, not auth).
	*/
	config := getTestConfig()

	body, _ := json.Marshal(CalculateRequest{SubjectID: "customer-001", BaseAmount: 100})
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/calculate", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	// NO X-Tenant-ID header!

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing tenant → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 8: Response Metadata Verification
// ============================================================================

func TestResponseMetadata(t *testing.T) {
	/*
	   SCENARIO: Verify the quote response includes all required metadata.

	   This ensures the API contract is stable for clients.
	*/
	config := getTestConfig()
	subject := uniqueSubject("customer-metadata")

	setupActiveRuleSet(t, config, RuleSetRequest{
		SubjectID:   subject,
		DefaultRate: RateRule{Percentage: 10, MinimumAmount: 50},
	})

	result := calculate(t, config, CalculateRequest{
		SubjectID:  subject,
		BaseAmount: 1000,
	})

	if result.CalculationID == "" {
		t.Error("Missing calculationId")
	}
	if result.RuleSetID == "" {
		t.Error("Missing ruleSetId")
	}
	if result.Metadata.TraceID == "" {
		t.Error("Missing metadata.traceId")
	}
	if result.Metadata.Version == "" {
		t.Error("Missing metadata.version")
	}

	// Note: TotalMs can be 0 for very fast operations (sub-millisecond)
	if result.Metadata.TotalMs < 0 {
		t.Error("Invalid metadata.totalMs (negative)")
	}

	t.Logf("✓ Metadata complete: calcId=%s, traceId=%s, totalMs=%d",
		result.CalculationID[:8], result.Metadata.TraceID[:8], result.Metadata.TotalMs)
}
