// Package memory provides an in-memory Store for tests and ephemeral runs.
package memory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu       sync.RWMutex
	tenants  map[int64]*domain.Tenant
	profiles map[string]*domain.Profile
	models   map[string]*domain.Model
	requests []domain.RequestRecord
	usages   []domain.UsageRecord
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		tenants:  make(map[int64]*domain.Tenant),
		profiles: make(map[string]*domain.Profile),
		models:   make(map[string]*domain.Model),
	}
}

// AddTenant seeds a tenant. The key is hashed before storage.
func (s *Store) AddTenant(t domain.Tenant, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.KeyHash = storage.HashKey(key)
	s.tenants[t.ID] = &t
}

// AddProfile seeds a profile and links it to its tenant.
func (s *Store) AddProfile(p domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[p.ID] = &p
	if t, ok := s.tenants[p.TenantID]; ok && !t.HasProfile(p.ID) {
		t.ProfileIDs = append(t.ProfileIDs, p.ID)
		if t.DefaultProfileID == "" {
			t.DefaultProfileID = p.ID
		}
	}
}

// AddModel seeds a model.
func (s *Store) AddModel(m domain.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Created == 0 {
		m.Created = time.Now().Unix()
	}
	s.models[m.ID] = &m
}

func (s *Store) GetTenant(ctx context.Context, key string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash := []byte(storage.HashKey(key))
	for _, t := range s.tenants {
		if subtle.ConstantTimeCompare(hash, []byte(t.KeyHash)) == 1 {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("tenant key: %w", storage.ErrNotFound)
}

func (s *Store) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, storage.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetModelsForProfile(ctx context.Context, profileID string) ([]domain.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[profileID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", profileID, storage.ErrNotFound)
	}

	models := make([]domain.Model, 0, len(p.ModelIDs))
	for _, id := range p.ModelIDs {
		if m, ok := s.models[id]; ok {
			models = append(models, *m)
		}
	}
	return models, nil
}

func (s *Store) GetModel(ctx context.Context, id string) (*domain.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", id, storage.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListModels(ctx context.Context) ([]domain.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	models := make([]domain.Model, 0, len(s.models))
	for _, m := range s.models {
		models = append(models, *m)
	}
	return models, nil
}

func (s *Store) RecordRequest(ctx context.Context, rec *domain.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Created.IsZero() {
		rec.Created = time.Now()
	}
	s.requests = append(s.requests, *rec)
	return nil
}

func (s *Store) RecordUsage(ctx context.Context, rec *domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Created.IsZero() {
		rec.Created = time.Now()
	}
	s.usages = append(s.usages, *rec)
	return nil
}

// Requests returns a copy of the recorded request rows.
func (s *Store) Requests() []domain.RequestRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RequestRecord, len(s.requests))
	copy(out, s.requests)
	return out
}

// Usages returns a copy of the recorded usage rows.
func (s *Store) Usages() []domain.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UsageRecord, len(s.usages))
	copy(out, s.usages)
	return out
}

func (s *Store) Close() error {
	return nil
}
