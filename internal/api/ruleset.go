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
	"github.com/shipmargin/keel/internal/repository"
)

// CreateRuleSet handles POST /rulesets. New rule sets are validated and
// created inactive; activation is a separate, explicit step.
func (h *Handler) CreateRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rs domain.RuleSet
	if err := json.NewDecoder(r.Body).Decode(&rs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if rs.SubjectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "subjectId is required",
		})
		return
	}
	if rs.SubjectKind == "" {
		rs.SubjectKind = domain.SubjectCustomer
	}
	if rs.CalculationMethod == "" {
		rs.CalculationMethod = domain.MethodHigherWins
	}
	if rs.EffectiveDate.IsZero() {
		rs.EffectiveDate = time.Now().UTC()
	}
	if rs.NextReviewDate.IsZero() {
		rs.NextReviewDate = rs.EffectiveDate.AddDate(0, 6, 0)
	}

	if violations := h.engine.ValidateRuleSetFull(&rs); len(violations) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      "rule set failed validation",
			"violations": violations,
		})
		return
	}

	rs.ID = uuid.New().String()
	rs.TenantID = tenantID
	rs.IsActive = false

	if err := h.repo.SaveRuleSet(ctx, tenantID, &rs); err != nil {
		slog.Error("failed to save rule set", "id", rs.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule set",
		})
		return
	}

	slog.Info("rule set created", "id", rs.ID, "subject_id", rs.SubjectID)
	writeJSON(w, http.StatusCreated, &rs)
}

// ValidateRuleSet handles POST /rulesets/validate, a dry run that
// reports every violation without persisting anything.
func (h *Handler) ValidateRuleSet(w http.ResponseWriter, r *http.Request) {
	var rs domain.RuleSet
	if err := json.NewDecoder(r.Body).Decode(&rs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	violations := h.engine.ValidateRuleSetFull(&rs)
	if violations == nil {
		violations = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":      len(violations) == 0,
		"violations": violations,
	})
}

// ListRuleSets handles GET /rulesets.
func (h *Handler) ListRuleSets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	sets, err := h.repo.ListRuleSets(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rule sets", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rule sets",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ruleSets": sets,
		"count":    len(sets),
	})
}

// GetRuleSet handles GET /rulesets/{id}.
func (h *Handler) GetRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	rs, err := h.repo.GetRuleSet(ctx, tenantID, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get rule set", "id", id, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule set not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rs)
}

// GetActiveRuleSet handles GET /subjects/{subjectId}/ruleset. A subject
// with no active rule set is a 404, never a silent default.
func (h *Handler) GetActiveRuleSet(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	subjectID := chi.URLParam(r, "subjectId")

	rs, err := h.activeRuleSet(r, tenantID, subjectID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get active rule set", "subject_id", subjectID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no active rule set for subject " + subjectID,
		})
		return
	}

	writeJSON(w, http.StatusOK, rs)
}

// ActivateRuleSet handles POST /rulesets/{id}/activate. The stored set
// is re-validated before the transactional swap, so a set that slipped
// past creation checks can never start serving rates.
func (h *Handler) ActivateRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	rs, err := h.repo.GetRuleSet(ctx, tenantID, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get rule set", "id", id, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule set not found",
		})
		return
	}

	if violations := h.engine.ValidateRuleSetFull(rs); len(violations) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      "rule set failed validation",
			"violations": violations,
		})
		return
	}

	if err := h.repo.ActivateRuleSet(ctx, tenantID, id); err != nil {
		slog.Error("failed to activate rule set", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to activate rule set",
		})
		return
	}

	// Drop any cached set for the subject so the swap takes effect
	if h.cache != nil {
		_ = h.cache.DeleteRuleSet(ctx, tenantID, rs.SubjectID)
	}

	if h.bus != nil {
		payload, _ := json.Marshal(map[string]string{
			"ruleSetId": id,
			"subjectId": rs.SubjectID,
		})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicRuleSetActivated, payload); err != nil {
			slog.Warn("failed to publish activation event", "id", id, "error", err)
		}
	}

	slog.Info("rule set activated", "id", id, "subject_id", rs.SubjectID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule set activated",
		"id":      id,
	})
}

// DeactivateRuleSet handles POST /rulesets/{id}/deactivate.
func (h *Handler) DeactivateRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	rs, err := h.repo.GetRuleSet(ctx, tenantID, id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule set not found",
		})
		return
	}

	if err := h.repo.DeactivateRuleSet(ctx, tenantID, id); err != nil {
		slog.Error("failed to deactivate rule set", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to deactivate rule set",
		})
		return
	}

	if h.cache != nil {
		_ = h.cache.DeleteRuleSet(ctx, tenantID, rs.SubjectID)
	}

	slog.Info("rule set deactivated", "id", id, "subject_id", rs.SubjectID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule set deactivated",
		"id":      id,
	})
}

// ReviewRuleSetRequest is the request body for POST /rulesets/{id}/review.
type ReviewRuleSetRequest struct {
	NextReviewDate time.Time `json:"nextReviewDate"`
}

// ReviewRuleSet handles POST /rulesets/{id}/review, recording a completed
// periodic review by advancing the next review date. Rates are untouched.
func (h *Handler) ReviewRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	var req ReviewRuleSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.NextReviewDate.IsZero() {
		req.NextReviewDate = time.Now().UTC().AddDate(0, 6, 0)
	}
	if req.NextReviewDate.Before(time.Now().UTC()) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "nextReviewDate must be in the future",
		})
		return
	}

	if err := h.repo.ReviewRuleSet(ctx, tenantID, id, req.NextReviewDate); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule set not found",
			})
			return
		}
		slog.Error("failed to review rule set", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to review rule set",
		})
		return
	}

	slog.Info("rule set reviewed", "id", id, "next_review", req.NextReviewDate)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":        "review recorded",
		"id":             id,
		"nextReviewDate": req.NextReviewDate,
	})
}

// DuplicateRuleSetRequest is the request body for POST /rulesets/{id}/duplicate.
type DuplicateRuleSetRequest struct {
	SubjectID string `json:"subjectId"`
}

// DuplicateRuleSet handles POST /rulesets/{id}/duplicate, cloning an
// existing configuration onto another subject. The clone is inactive.
func (h *Handler) DuplicateRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	var req DuplicateRuleSetRequest
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

	source, err := h.repo.GetRuleSet(ctx, tenantID, id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule set not found",
		})
		return
	}

	clone := source.CloneFor(req.SubjectID)
	clone.ID = uuid.New().String()

	if err := h.repo.SaveRuleSet(ctx, tenantID, clone); err != nil {
		slog.Error("failed to save duplicated rule set", "source_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule set",
		})
		return
	}

	slog.Info("rule set duplicated", "source_id", id, "id", clone.ID, "subject_id", req.SubjectID)
	writeJSON(w, http.StatusCreated, clone)
}
