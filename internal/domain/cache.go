package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetRuleSet retrieves a cached active rule set for a subject.
	// Returns nil, nil on cache miss.
	GetRuleSet(ctx context.Context, tenantID string, subjectID string) (*RuleSet, error)

	// SetRuleSet caches the active rule set for a subject. Activation
	// and deactivation must invalidate via DeleteRuleSet.
	SetRuleSet(ctx context.Context, tenantID string, subjectID string, rs *RuleSet, ttl time.Duration) error

	// DeleteRuleSet drops the cached active rule set for a subject.
	DeleteRuleSet(ctx context.Context, tenantID string, subjectID string) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for period-volume fast paths.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
