package volume

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shipmargin/keel/internal/cache"
	"github.com/shipmargin/keel/internal/domain"
	"github.com/shipmargin/keel/internal/repository"
)

func TestVolumeService(t *testing.T) {
	// Create temp database
	tmpFile, err := os.CreateTemp("", "volume-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	// Create repository
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	svc := NewService(repo, nil)

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("EmptyDatabase", func(t *testing.T) {
		count, err := svc.GetPeriodVolume(ctx, tenantID, "customer-001", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for empty database, got %d", count)
		}
	})

	t.Run("WithCalculations", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			calc := &domain.Calculation{
				ID:        fmt.Sprintf("calc-%d", i),
				SubjectID: "customer-001",
				Kind:      domain.CalculationMargin,
				Rate:      domain.RateRule{Percentage: 10},
				Timestamp: time.Now().UTC(),
				CreatedAt: time.Now().UTC(),
			}
			if err := repo.SaveCalculation(ctx, tenantID, calc); err != nil {
				t.Fatalf("failed to save calculation: %v", err)
			}
		}

		// Commission records should not count toward margin volume
		commission := &domain.Calculation{
			ID:        "calc-commission",
			SubjectID: "customer-001",
			Kind:      domain.CalculationCommission,
			Rate:      domain.RateRule{},
			Timestamp: time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.SaveCalculation(ctx, tenantID, commission); err != nil {
			t.Fatalf("failed to save calculation: %v", err)
		}

		count, err := svc.GetPeriodVolume(ctx, tenantID, "customer-001", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5, got %d", count)
		}

		// Unknown subject sees nothing
		count, err = svc.GetPeriodVolume(ctx, tenantID, "unknown-subject", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for unknown subject, got %d", count)
		}
	})

	t.Run("WindowExcludesOldRecords", func(t *testing.T) {
		old := &domain.Calculation{
			ID:        "calc-old",
			SubjectID: "customer-002",
			Kind:      domain.CalculationMargin,
			Rate:      domain.RateRule{},
			Timestamp: time.Now().UTC().Add(-2 * time.Hour),
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.SaveCalculation(ctx, tenantID, old); err != nil {
			t.Fatalf("failed to save calculation: %v", err)
		}

		count, err := svc.GetPeriodVolume(ctx, tenantID, "customer-002", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected old record outside window, got count %d", count)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		count, err := svc.GetPeriodVolume(ctx, "other-tenant", "customer-001", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for different tenant, got %d", count)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		_, err := svc.GetPeriodVolume(ctx, "", "customer-001", time.Hour)
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("RequiresSubjectID", func(t *testing.T) {
		_, err := svc.GetPeriodVolume(ctx, tenantID, "", time.Hour)
		if err == nil {
			t.Error("expected error for empty subjectID")
		}
	})

	t.Run("CachedCount", func(t *testing.T) {
		lru := cache.NewLRUCache(100)
		defer lru.Close()

		cached := NewService(repo, lru)

		count, err := cached.GetPeriodVolume(ctx, tenantID, "customer-001", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5, got %d", count)
		}

		// A new record within the TTL is not visible through the cache
		extra := &domain.Calculation{
			ID:        "calc-extra",
			SubjectID: "customer-001",
			Kind:      domain.CalculationMargin,
			Rate:      domain.RateRule{},
			Timestamp: time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.SaveCalculation(ctx, tenantID, extra); err != nil {
			t.Fatalf("failed to save calculation: %v", err)
		}

		count, err = cached.GetPeriodVolume(ctx, tenantID, "customer-001", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected cached count 5, got %d", count)
		}
	})

	t.Run("VolumeGetter", func(t *testing.T) {
		getter := svc.GetVolumeGetter()
		if getter == nil {
			t.Fatal("GetVolumeGetter returned nil")
		}

		count, err := getter(ctx, tenantID, "customer-002", 3*time.Hour)
		if err != nil {
			t.Fatalf("VolumeGetter failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected count 1, got %d", count)
		}
	})
}

func TestNoDataSource(t *testing.T) {
	svc := &Service{} // No repo

	ctx := context.Background()
	_, err := svc.GetPeriodVolume(ctx, "tenant", "subject", time.Hour)
	if err == nil {
		t.Error("expected error with no data source")
	}
}
