// Package worker provides async shipment processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shipmargin/keel/internal/domain"
	"github.com/shipmargin/keel/internal/engine"
	"github.com/shipmargin/keel/internal/repository"
	"github.com/shipmargin/keel/internal/volume"
)

// volumeWindow is the period shipment counts are derived over when the
// message does not carry one.
const volumeWindow = 30 * 24 * time.Hour

// Worker quotes margins for recorded shipments from the EventBus and
// settles commissions for attached sales reps.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	engine  *engine.Engine
	volumes *volume.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, eng *engine.Engine, volumes *volume.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		repo:    repo,
		engine:  eng,
		volumes: volumes,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicRevenueRecorded, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicRevenueRecorded, func(ctx context.Context, msg *domain.Message) error {
		return w.processShipment(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicRevenueRecorded,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processShipment(ctx, msg.TenantID, msg)
}

// ShipmentMessage is the message payload for shipment processing.
type ShipmentMessage struct {
	ShipmentID  string             `json:"shipmentId"`
	TenantID    string             `json:"tenantId"`
	TraceID     string             `json:"traceId"`
	SubjectID   string             `json:"subjectId"`
	BaseAmount  float64            `json:"baseAmount"`
	Revenue     float64            `json:"revenue,omitempty"`
	ServiceType domain.ServiceType `json:"serviceType,omitempty"`
	Origin      string             `json:"origin,omitempty"`
	Destination string             `json:"destination,omitempty"`

	// SalesRepID triggers commission settlement when set.
	SalesRepID string `json:"salesRepId,omitempty"`

	VolumeWindowHours int `json:"volumeWindowHours,omitempty"`
}

// processShipment quotes the margin for a recorded shipment and settles
// the commission when a sales rep is attached.
func (w *Worker) processShipment(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var shipMsg ShipmentMessage
	if err := json.Unmarshal(msg.Payload, &shipMsg); err != nil {
		slog.Error("failed to parse shipment message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if shipMsg.TenantID != "" {
		tenantID = shipMsg.TenantID
	}

	traceID := shipMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing shipment",
		"shipment_id", shipMsg.ShipmentID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	// 1. Resolve the active rule set for the subject
	ruleSet, err := w.repo.GetActiveRuleSet(ctx, tenantID, shipMsg.SubjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			slog.Warn("no active rule set for shipment subject",
				"shipment_id", shipMsg.ShipmentID,
				"subject_id", shipMsg.SubjectID,
			)
			return nil
		}
		return err
	}

	cx := &domain.CalcContext{
		SubjectID:   shipMsg.SubjectID,
		BaseAmount:  shipMsg.BaseAmount,
		ServiceType: shipMsg.ServiceType,
		Origin:      shipMsg.Origin,
		Destination: shipMsg.Destination,
	}

	// 2. Derive the period volume when tiers can fire
	if len(ruleSet.VolumeTiers) > 0 && w.volumes != nil {
		window := volumeWindow
		if shipMsg.VolumeWindowHours > 0 {
			window = time.Duration(shipMsg.VolumeWindowHours) * time.Hour
		}
		count, err := w.volumes.GetPeriodVolume(ctx, tenantID, shipMsg.SubjectID, window)
		if err != nil {
			slog.Error("failed to derive period volume",
				"shipment_id", shipMsg.ShipmentID,
				"error", err,
			)
		} else {
			cx.PeriodVolumeCount = &count
		}
	}

	// 3. Quote the margin
	result, err := w.engine.Calculate(ruleSet, cx)
	if err != nil {
		slog.Error("margin calculation failed",
			"shipment_id", shipMsg.ShipmentID,
			"error", err,
		)
		return err
	}

	// 4. Save the calculation
	now := time.Now().UTC()
	calc := &domain.Calculation{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		SubjectID:           shipMsg.SubjectID,
		Kind:                domain.CalculationMargin,
		BaseAmount:          shipMsg.BaseAmount,
		Amount:              result.MarginAmount,
		EffectivePercentage: result.EffectivePercentage,
		RuleOrigin:          result.AppliedRuleOrigin,
		Criterion:           result.AppliedCriterion,
		Rate:                result.ResolvedRate,
		ServiceType:         shipMsg.ServiceType,
		Origin:              shipMsg.Origin,
		Destination:         shipMsg.Destination,
		Timestamp:           now,
		CreatedAt:           now,
		Metadata: map[string]interface{}{
			"ruleSetId":  ruleSet.ID,
			"shipmentId": shipMsg.ShipmentID,
			"traceId":    traceID,
		},
	}

	if err := w.repo.SaveCalculation(ctx, tenantID, calc); err != nil {
		slog.Error("failed to save calculation",
			"shipment_id", shipMsg.ShipmentID,
			"error", err,
		)
	}

	// 5. Publish the quoted margin
	resultPayload, _ := json.Marshal(calc)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicMarginCalculated, resultPayload); err != nil {
		slog.Error("failed to publish margin",
			"shipment_id", shipMsg.ShipmentID,
			"error", err,
		)
	}

	// 6. Settle commission for the attached sales rep
	if shipMsg.SalesRepID != "" {
		if err := w.settleCommission(ctx, tenantID, traceID, &shipMsg, result); err != nil {
			slog.Error("commission settlement failed",
				"shipment_id", shipMsg.ShipmentID,
				"sales_rep_id", shipMsg.SalesRepID,
				"error", err,
			)
		}
	}

	slog.Info("shipment processed",
		"shipment_id", shipMsg.ShipmentID,
		"tenant_id", tenantID,
		"margin", result.MarginAmount,
		"rule_origin", result.AppliedRuleOrigin,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// settleCommission runs the rep's rule cascade against the quoted margin.
// No eligible rule means no payout, not an error.
func (w *Worker) settleCommission(ctx context.Context, tenantID, traceID string, shipMsg *ShipmentMessage, marginResult *domain.CalcResult) error {
	rules, err := w.repo.ListCommissionRules(ctx, tenantID, shipMsg.SalesRepID)
	if err != nil {
		return err
	}

	revenue := shipMsg.Revenue
	if revenue == 0 {
		revenue = shipMsg.BaseAmount + marginResult.MarginAmount
	}

	marginPct := marginResult.EffectivePercentage
	cx := &domain.CommissionContext{
		SubjectID:        shipMsg.SalesRepID,
		Revenue:          revenue,
		Margin:           marginResult.MarginAmount,
		MarginPercentage: &marginPct,
		ServiceType:      shipMsg.ServiceType,
		Now:              time.Now().UTC(),
	}

	result := engine.ResolveCommission(rules, cx)
	if result == nil {
		slog.Debug("no eligible commission rule",
			"shipment_id", shipMsg.ShipmentID,
			"sales_rep_id", shipMsg.SalesRepID,
		)
		return nil
	}

	now := time.Now().UTC()
	calc := &domain.Calculation{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		SubjectID:           shipMsg.SalesRepID,
		Kind:                domain.CalculationCommission,
		BaseAmount:          result.Base,
		Amount:              result.CommissionAmount,
		EffectivePercentage: result.Rate,
		Rate:                domain.RateRule{Percentage: result.Rate},
		ServiceType:         shipMsg.ServiceType,
		Timestamp:           now,
		CreatedAt:           now,
		Metadata: map[string]interface{}{
			"ruleId":         result.RuleID,
			"commissionType": string(result.Type),
			"shipmentId":     shipMsg.ShipmentID,
			"traceId":        traceID,
		},
	}

	if err := w.repo.SaveCalculation(ctx, tenantID, calc); err != nil {
		return err
	}

	payload, _ := json.Marshal(calc)
	return w.bus.Publish(ctx, tenantID, domain.TopicCommissionCalculated, payload)
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
