package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shipmargin/keel/internal/domain"
	"github.com/shipmargin/keel/internal/engine"
	"github.com/shipmargin/keel/internal/repository"
)

// CommissionCalculateRequest is the request body for POST /commissions/calculate.
type CommissionCalculateRequest struct {
	SubjectID string  `json:"subjectId"`
	Revenue   float64 `json:"revenue"`
	Margin    float64 `json:"margin"`

	MarginPercentage *float64           `json:"marginPercentage,omitempty"`
	ServiceType      domain.ServiceType `json:"serviceType,omitempty"`
	Category         string             `json:"category,omitempty"`
	Product          string             `json:"product,omitempty"`
}

// CommissionCalculateResponse is the response for POST /commissions/calculate.
type CommissionCalculateResponse struct {
	CalculationID string                  `json:"calculationId"`
	Result        domain.CommissionResult `json:"result"`
	Metadata      struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// CalculateCommission handles POST /commissions/calculate. Candidate
// rules are tried in ascending priority; no eligible rule is a 404,
// never a zero-amount payout.
func (h *Handler) CalculateCommission(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req CommissionCalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.SubjectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "subjectId is required",
		})
		return
	}
	if req.Revenue < 0 || req.Margin < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "revenue and margin must not be negative",
		})
		return
	}

	rules, err := h.repo.ListCommissionRules(ctx, tenantID, req.SubjectID)
	if err != nil {
		slog.Error("failed to list commission rules", "subject_id", req.SubjectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load commission rules",
		})
		return
	}

	cx := &domain.CommissionContext{
		SubjectID:        req.SubjectID,
		Revenue:          req.Revenue,
		Margin:           req.Margin,
		MarginPercentage: req.MarginPercentage,
		ServiceType:      req.ServiceType,
		Category:         req.Category,
		Product:          req.Product,
		Now:              time.Now().UTC(),
	}

	result := engine.ResolveCommission(rules, cx)
	if result == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no eligible commission rule for subject " + req.SubjectID,
		})
		return
	}

	calc := &domain.Calculation{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		SubjectID:           req.SubjectID,
		Kind:                domain.CalculationCommission,
		BaseAmount:          result.Base,
		Amount:              result.CommissionAmount,
		EffectivePercentage: result.Rate,
		Rate:                domain.RateRule{Percentage: result.Rate},
		ServiceType:         req.ServiceType,
		Timestamp:           time.Now().UTC(),
		CreatedAt:           time.Now().UTC(),
		Metadata: map[string]interface{}{
			"ruleId":         result.RuleID,
			"commissionType": string(result.Type),
			"traceId":        traceID,
		},
	}

	if h.repo != nil {
		if err := h.repo.SaveCalculation(ctx, tenantID, calc); err != nil {
			slog.Error("failed to save calculation", "id", calc.ID, "error", err)
		}
	}

	if h.bus != nil {
		payload, _ := json.Marshal(calc)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicCommissionCalculated, payload); err != nil {
			slog.Warn("failed to publish commission event", "id", calc.ID, "error", err)
		}
	}

	resp := CommissionCalculateResponse{
		CalculationID: calc.ID,
		Result:        *result,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// CreateCommissionRule handles POST /commission-rules.
func (h *Handler) CreateCommissionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.CommissionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rule.EffectiveFrom.IsZero() {
		rule.EffectiveFrom = time.Now().UTC()
	}

	if violations := engine.ValidateCommissionRule(&rule); len(violations) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      "commission rule failed validation",
			"violations": violations,
		})
		return
	}

	rule.ID = uuid.New().String()
	rule.TenantID = tenantID
	rule.Active = true

	if err := h.repo.SaveCommissionRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to save commission rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save commission rule",
		})
		return
	}

	slog.Info("commission rule created", "id", rule.ID, "subject_id", rule.SubjectID, "type", rule.Type)
	writeJSON(w, http.StatusCreated, &rule)
}

// ListCommissionRules handles GET /commission-rules?subjectId=.
func (h *Handler) ListCommissionRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	subjectID := r.URL.Query().Get("subjectId")

	if subjectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "subjectId query parameter is required",
		})
		return
	}

	rules, err := h.repo.ListCommissionRules(ctx, tenantID, subjectID)
	if err != nil {
		slog.Error("failed to list commission rules", "subject_id", subjectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list commission rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// GetCommissionRule handles GET /commission-rules/{id}.
func (h *Handler) GetCommissionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	rule, err := h.repo.GetCommissionRule(ctx, tenantID, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get commission rule", "id", id, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "commission rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// DeleteCommissionRule handles DELETE /commission-rules/{id} (soft delete).
func (h *Handler) DeleteCommissionRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if err := h.repo.DeleteCommissionRule(ctx, tenantID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "commission rule not found",
			})
			return
		}
		slog.Error("failed to delete commission rule", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete commission rule",
		})
		return
	}

	slog.Info("commission rule deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "commission rule deleted",
		"id":      id,
	})
}
