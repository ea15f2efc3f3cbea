// Package volume derives period shipment volumes for tier resolution.
package volume

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shipmargin/keel/internal/domain"
)

// countCacheTTL bounds how stale a cached volume count may be. Tier
// boundaries move by whole shipments, so a short window is enough.
const countCacheTTL = 30 * time.Second

// Service calculates period shipment volumes for subjects. The count
// feeds volume-tier resolution in the margin engine.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new volume service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// GetPeriodVolume returns the number of margin calculations recorded for
// a subject within the time window. This is the VolumeGetter signature
// expected by the calculation handlers.
func (s *Service) GetPeriodVolume(ctx context.Context, tenantID, subjectID string, window time.Duration) (int, error) {
	if tenantID == "" || subjectID == "" {
		return 0, fmt.Errorf("tenantID and subjectID are required")
	}

	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	cacheKey := "volume:" + subjectID + ":" + strconv.FormatInt(int64(window.Seconds()), 10)

	if s.cache != nil {
		if data, err := s.cache.Get(ctx, tenantID, cacheKey); err == nil && data != nil {
			if count, err := strconv.Atoi(string(data)); err == nil {
				return count, nil
			}
		}
	}

	since := time.Now().UTC().Add(-window)
	count, err := s.repo.CountCalculations(ctx, tenantID, subjectID, domain.CalculationMargin, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count calculations: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, tenantID, cacheKey, []byte(strconv.FormatInt(count, 10)), countCacheTTL)
	}

	return int(count), nil
}

// GetVolumeGetter returns a VolumeGetter function for the handlers.
func (s *Service) GetVolumeGetter() func(ctx context.Context, tenantID, subjectID string, window time.Duration) (int, error) {
	return s.GetPeriodVolume
}
