// Package storage defines the persistence interface the gateway consumes.
// Tenants, profiles, and models are provisioned out of band; the gateway
// reads them and appends audit rows. Routing state is never persisted here.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

// ErrNotFound is returned for lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")

// Store is the narrow persistence surface consumed by the gateway.
type Store interface {
	// GetTenant resolves a raw tenant key to its tenant. Implementations
	// hash the key and match against the stored hash.
	GetTenant(ctx context.Context, key string) (*domain.Tenant, error)

	GetProfile(ctx context.Context, id string) (*domain.Profile, error)
	GetModelsForProfile(ctx context.Context, profileID string) ([]domain.Model, error)
	GetModel(ctx context.Context, id string) (*domain.Model, error)

	// ListModels returns the full catalogue, used to seed the metric
	// trackers at startup.
	ListModels(ctx context.Context) ([]domain.Model, error)

	RecordRequest(ctx context.Context, rec *domain.RequestRecord) error
	RecordUsage(ctx context.Context, rec *domain.UsageRecord) error

	Close() error
}

// HashKey returns the hex SHA-256 digest under which tenant keys are stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
