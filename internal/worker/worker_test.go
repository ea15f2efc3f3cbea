package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shipmargin/keel/internal/bus"
	"github.com/shipmargin/keel/internal/domain"
	"github.com/shipmargin/keel/internal/engine"
	"github.com/shipmargin/keel/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "keel-worker-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func seedActiveRuleSet(t *testing.T, repo domain.Repository, tenantID, subjectID string) *domain.RuleSet {
	t.Helper()

	rs := &domain.RuleSet{
		ID:          "rs-" + subjectID,
		TenantID:    tenantID,
		SubjectID:   subjectID,
		SubjectKind: domain.SubjectCustomer,
		DefaultRate: domain.RateRule{Percentage: 10, MinimumAmount: 50},
		ServiceRates: map[domain.ServiceType]domain.RateRule{
			domain.ServiceExpress: {Percentage: 15, MinimumAmount: 75},
		},
		CalculationMethod: domain.MethodHigherWins,
		EffectiveDate:     time.Now().UTC(),
		NextReviewDate:    time.Now().UTC().AddDate(0, 6, 0),
	}

	ctx := context.Background()
	if err := repo.SaveRuleSet(ctx, tenantID, rs); err != nil {
		t.Fatalf("SaveRuleSet failed: %v", err)
	}
	if err := repo.ActivateRuleSet(ctx, tenantID, rs.ID); err != nil {
		t.Fatalf("ActivateRuleSet failed: %v", err)
	}
	return rs
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	repo := newTestRepo(t)
	seedActiveRuleSet(t, repo, "tenant-001", "customer-001")

	eng, err := engine.New()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer eng.Close()

	worker := NewWorker(eventBus, repo, eng, nil)

	t.Run("StartAndStop", func(t *testing.T) {
		cfg := Config{
			TenantIDs:   []string{"tenant-001"},
			WorkerCount: 1,
		}

		err := worker.Start(cfg)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessShipment", func(t *testing.T) {
		w := NewWorker(eventBus, repo, eng, nil)

		cfg := Config{
			TenantIDs: []string{"tenant-001"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track published margins
		var marginReceived atomic.Bool
		var marginPayload []byte

		eventBus.Subscribe(context.Background(), "tenant-001", domain.TopicMarginCalculated, func(ctx context.Context, msg *domain.Message) error {
			marginPayload = msg.Payload
			marginReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		shipMsg := ShipmentMessage{
			ShipmentID: "ship-001",
			TenantID:   "tenant-001",
			TraceID:    "trace-001",
			SubjectID:  "customer-001",
			BaseAmount: 1000,
		}

		payload, _ := json.Marshal(shipMsg)
		err := eventBus.Publish(context.Background(), "tenant-001", domain.TopicRevenueRecorded, payload)
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		time.Sleep(100 * time.Millisecond)

		if !marginReceived.Load() {
			t.Fatal("expected margin to be published")
		}

		var calc domain.Calculation
		if err := json.Unmarshal(marginPayload, &calc); err != nil {
			t.Fatalf("failed to parse margin: %v", err)
		}

		if calc.Amount != 100 {
			t.Errorf("expected margin 100, got %.2f", calc.Amount)
		}
		if calc.SubjectID != "customer-001" {
			t.Errorf("expected subject 'customer-001', got '%s'", calc.SubjectID)
		}
		if calc.Metadata["traceId"] != "trace-001" {
			t.Errorf("expected traceId 'trace-001', got '%v'", calc.Metadata["traceId"])
		}

		// Calculation was persisted
		stored, err := repo.GetCalculation(context.Background(), "tenant-001", calc.ID)
		if err != nil {
			t.Fatalf("GetCalculation failed: %v", err)
		}
		if stored.Kind != domain.CalculationMargin {
			t.Errorf("expected kind margin, got %s", stored.Kind)
		}
	})

	t.Run("CommissionSettled", func(t *testing.T) {
		rule := &domain.CommissionRule{
			ID:            "cr-001",
			TenantID:      "tenant-001",
			SubjectID:     "rep-001",
			Name:          "Margin share",
			Type:          domain.CommissionMarginPercentage,
			Rate:          5,
			Priority:      10,
			Active:        true,
			EffectiveFrom: time.Now().UTC().Add(-time.Hour),
		}
		if err := repo.SaveCommissionRule(context.Background(), "tenant-001", rule); err != nil {
			t.Fatalf("SaveCommissionRule failed: %v", err)
		}

		w := NewWorker(eventBus, repo, eng, nil)

		cfg := Config{
			TenantIDs: []string{"tenant-001"},
		}
		w.Start(cfg)
		defer w.Stop()

		var commissionReceived atomic.Bool
		var commissionPayload []byte

		eventBus.Subscribe(context.Background(), "tenant-001", domain.TopicCommissionCalculated, func(ctx context.Context, msg *domain.Message) error {
			commissionPayload = msg.Payload
			commissionReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		shipMsg := ShipmentMessage{
			ShipmentID: "ship-002",
			TenantID:   "tenant-001",
			SubjectID:  "customer-001",
			BaseAmount: 1000,
			Revenue:    1100,
			SalesRepID: "rep-001",
		}

		payload, _ := json.Marshal(shipMsg)
		eventBus.Publish(context.Background(), "tenant-001", domain.TopicRevenueRecorded, payload)

		time.Sleep(100 * time.Millisecond)

		if !commissionReceived.Load() {
			t.Fatal("expected commission to be published")
		}

		var calc domain.Calculation
		if err := json.Unmarshal(commissionPayload, &calc); err != nil {
			t.Fatalf("failed to parse commission: %v", err)
		}

		// 5% of the 100 quoted margin
		if calc.Amount != 5 {
			t.Errorf("expected commission 5, got %.2f", calc.Amount)
		}
		if calc.Kind != domain.CalculationCommission {
			t.Errorf("expected kind commission, got %s", calc.Kind)
		}
		if calc.SubjectID != "rep-001" {
			t.Errorf("expected subject 'rep-001', got '%s'", calc.SubjectID)
		}
	})

	t.Run("NoActiveRuleSetSkips", func(t *testing.T) {
		w := NewWorker(eventBus, repo, eng, nil)

		cfg := Config{
			TenantIDs: []string{"tenant-001"},
		}
		w.Start(cfg)
		defer w.Stop()

		var marginReceived atomic.Bool
		eventBus.Subscribe(context.Background(), "tenant-001", domain.TopicMarginCalculated, func(ctx context.Context, msg *domain.Message) error {
			marginReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		shipMsg := ShipmentMessage{
			ShipmentID: "ship-003",
			TenantID:   "tenant-001",
			SubjectID:  "customer-without-rules",
			BaseAmount: 1000,
		}

		payload, _ := json.Marshal(shipMsg)
		eventBus.Publish(context.Background(), "tenant-001", domain.TopicRevenueRecorded, payload)

		time.Sleep(100 * time.Millisecond)

		if marginReceived.Load() {
			t.Error("expected no margin for a subject without an active rule set")
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, repo, eng, nil)

		cfg := Config{
			TenantIDs: []string{"tenant-a", "tenant-b"},
		}
		w.Start(cfg)
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}
