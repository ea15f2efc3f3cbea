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
	"github.com/shipmargin/keel/internal/volume"
)

// defaultVolumeWindow is the period over which shipment counts feed
// volume-tier resolution when the caller does not supply one.
const defaultVolumeWindow = 30 * 24 * time.Hour

// ruleSetCacheTTL bounds how long an active rule set may serve from cache.
const ruleSetCacheTTL = 10 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *engine.Engine
	volumes *volume.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, volumes *volume.Service, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  eng,
		volumes: volumes,
		version: version,
	}
}

// CalculateRequest is the request body for POST /calculate.
type CalculateRequest struct {
	SubjectID   string             `json:"subjectId"`
	BaseAmount  float64            `json:"baseAmount"`
	ServiceType domain.ServiceType `json:"serviceType,omitempty"`
	Origin      string             `json:"origin,omitempty"`
	Destination string             `json:"destination,omitempty"`

	// PeriodVolumeCount overrides the derived shipment count. When nil
	// and the active rule set carries volume tiers, the volume service
	// supplies the count.
	PeriodVolumeCount *int `json:"periodVolumeCount,omitempty"`

	// VolumeWindowHours bounds the period the count is derived over.
	VolumeWindowHours int `json:"volumeWindowHours,omitempty"`

	MarginPercentage *float64 `json:"marginPercentage,omitempty"`
}

// CalculateResponse is the response for POST /calculate.
type CalculateResponse struct {
	CalculationID string            `json:"calculationId"`
	RuleSetID     string            `json:"ruleSetId"`
	Result        domain.CalcResult `json:"result"`
	Metadata      struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Calculate handles POST /calculate requests.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req CalculateRequest
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
	if req.BaseAmount < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "baseAmount must not be negative",
		})
		return
	}
	if req.ServiceType != "" && !domain.ValidServiceType(req.ServiceType) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown serviceType: " + string(req.ServiceType),
		})
		return
	}

	rs, err := h.activeRuleSet(r, tenantID, req.SubjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no active rule set for subject " + req.SubjectID,
			})
			return
		}
		slog.Error("failed to load active rule set", "subject_id", req.SubjectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rule set",
		})
		return
	}

	cx := &domain.CalcContext{
		SubjectID:         req.SubjectID,
		BaseAmount:        req.BaseAmount,
		ServiceType:       req.ServiceType,
		Origin:            req.Origin,
		Destination:       req.Destination,
		PeriodVolumeCount: req.PeriodVolumeCount,
		MarginPercentage:  req.MarginPercentage,
	}

	// Derive the period volume only when tiers could use it.
	if cx.PeriodVolumeCount == nil && len(rs.VolumeTiers) > 0 && h.volumes != nil {
		window := defaultVolumeWindow
		if req.VolumeWindowHours > 0 {
			window = time.Duration(req.VolumeWindowHours) * time.Hour
		}
		count, err := h.volumes.GetPeriodVolume(ctx, tenantID, req.SubjectID, window)
		if err != nil {
			slog.Warn("failed to derive period volume", "subject_id", req.SubjectID, "error", err)
		} else {
			cx.PeriodVolumeCount = &count
		}
	}

	result, err := h.engine.Calculate(rs, cx)
	if err != nil {
		slog.Error("margin calculation failed", "rule_set_id", rs.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "margin calculation failed",
		})
		return
	}

	calc := &domain.Calculation{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		SubjectID:           req.SubjectID,
		Kind:                domain.CalculationMargin,
		BaseAmount:          req.BaseAmount,
		Amount:              result.MarginAmount,
		EffectivePercentage: result.EffectivePercentage,
		RuleOrigin:          result.AppliedRuleOrigin,
		Criterion:           result.AppliedCriterion,
		Rate:                result.ResolvedRate,
		ServiceType:         req.ServiceType,
		Origin:              req.Origin,
		Destination:         req.Destination,
		Timestamp:           time.Now().UTC(),
		CreatedAt:           time.Now().UTC(),
		Metadata: map[string]interface{}{
			"ruleSetId": rs.ID,
			"traceId":   traceID,
		},
	}

	if h.repo != nil {
		if err := h.repo.SaveCalculation(ctx, tenantID, calc); err != nil {
			slog.Error("failed to save calculation", "id", calc.ID, "error", err)
		}
	}

	if h.bus != nil {
		payload, _ := json.Marshal(calc)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicMarginCalculated, payload); err != nil {
			slog.Warn("failed to publish margin event", "id", calc.ID, "error", err)
		}
	}

	resp := CalculateResponse{
		CalculationID: calc.ID,
		RuleSetID:     rs.ID,
		Result:        *result,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// RevenueTargetRequest is the request body for POST /calculate/revenue-target.
type RevenueTargetRequest struct {
	SubjectID   string             `json:"subjectId"`
	Cost        float64            `json:"cost"`
	ServiceType domain.ServiceType `json:"serviceType,omitempty"`
	Origin      string             `json:"origin,omitempty"`
	Destination string             `json:"destination,omitempty"`

	PeriodVolumeCount *int `json:"periodVolumeCount,omitempty"`
}

// RevenueTargetResponse is the response for POST /calculate/revenue-target.
type RevenueTargetResponse struct {
	TargetRevenue     float64           `json:"targetRevenue"`
	ImpliedMargin     float64           `json:"impliedMargin"`
	AppliedRuleOrigin domain.RuleOrigin `json:"appliedRuleOrigin"`
	ResolvedRate      domain.RateRule   `json:"resolvedRate"`
	RuleSetID         string            `json:"ruleSetId"`
}

// RevenueTarget handles POST /calculate/revenue-target requests. It
// answers the planning question: what revenue must a shipment bring in
// to satisfy the resolved margin rule on top of a known cost.
func (h *Handler) RevenueTarget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RevenueTargetRequest
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
	if req.Cost <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "cost must be positive",
		})
		return
	}

	rs, err := h.activeRuleSet(r, tenantID, req.SubjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no active rule set for subject " + req.SubjectID,
			})
			return
		}
		slog.Error("failed to load active rule set", "subject_id", req.SubjectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rule set",
		})
		return
	}

	cx := &domain.CalcContext{
		SubjectID:         req.SubjectID,
		BaseAmount:        req.Cost,
		ServiceType:       req.ServiceType,
		Origin:            req.Origin,
		Destination:       req.Destination,
		PeriodVolumeCount: req.PeriodVolumeCount,
	}

	rate, origin := engine.Resolve(rs, cx)
	revenue := engine.RevenueForTargetMargin(req.Cost, rate)

	writeJSON(w, http.StatusOK, RevenueTargetResponse{
		TargetRevenue:     revenue,
		ImpliedMargin:     revenue - req.Cost,
		AppliedRuleOrigin: origin,
		ResolvedRate:      rate,
		RuleSetID:         rs.ID,
	})
}

// GetCalculation retrieves a calculation by ID.
func (h *Handler) GetCalculation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	calcID := chi.URLParam(r, "id")

	if calcID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "calculation id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	calc, err := h.repo.GetCalculation(ctx, tenantID, calcID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get calculation", "id", calcID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "calculation not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, calc)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// activeRuleSet loads the active rule set for a subject, cache first.
func (h *Handler) activeRuleSet(r *http.Request, tenantID, subjectID string) (*domain.RuleSet, error) {
	ctx := r.Context()

	if h.cache != nil {
		if rs, err := h.cache.GetRuleSet(ctx, tenantID, subjectID); err == nil && rs != nil {
			return rs, nil
		}
	}

	rs, err := h.repo.GetActiveRuleSet(ctx, tenantID, subjectID)
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		_ = h.cache.SetRuleSet(ctx, tenantID, subjectID, rs, ruleSetCacheTTL)
	}

	return rs, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
