// Package registry keeps the process-wide catalogue of ephemeral,
// self-registered providers, with health tracking and stale eviction.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

// Registry is safe for concurrent use. One instance is shared across all
// requests; construct it once and pass it down.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	providers map[string]*domain.TempProvider
	order     []string
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		now:       time.Now,
		providers: make(map[string]*domain.TempProvider),
	}
}

// Close releases all entries. The registry must not be used afterwards.
func (r *Registry) Close() error {
	r.Reset()
	return nil
}

// Reset drops every registered provider. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]*domain.TempProvider)
	r.order = nil
}

// Register stores a new provider and returns it with the generated access
// token filled in. This is the only time the token is revealed; every later
// lookup returns the entry with the token blanked.
func (r *Registry) Register(baseURL, name string, ownerTenant int64, models []string, upstreamKey string) (*domain.TempProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, domain.ErrValidation("provider base_url is required").WithParam("base_url")
	}

	token, err := newAccessToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	now := r.now()
	p := &domain.TempProvider{
		ID:          uuid.New().String(),
		Name:        name,
		BaseURL:     baseURL,
		TenantID:    ownerTenant,
		AccessToken: token,
		UpstreamKey: upstreamKey,
		Models:      append([]string(nil), models...),
		Healthy:     true,
		LastHealthy: now,
		Registered:  now,
	}

	r.mu.Lock()
	r.providers[p.ID] = p
	r.order = append(r.order, p.ID)
	r.mu.Unlock()

	r.logger.Info("provider registered",
		"provider_id", p.ID, "name", name, "models", len(p.Models))

	out := *p
	return &out, nil
}

// Unregister removes a provider by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[id]; !ok {
		return errProviderNotFound(id)
	}
	delete(r.providers, id)
	r.dropFromOrder(id)
	return nil
}

// Get returns a copy of the provider with its access token blanked.
func (r *Registry) Get(id string) (*domain.TempProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, errProviderNotFound(id)
	}
	return redacted(p), nil
}

// List returns all providers in registration order, tokens blanked.
func (r *Registry) List() []*domain.TempProvider {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.TempProvider, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.providers[id]; ok {
			out = append(out, redacted(p))
		}
	}
	return out
}

// MarkHealthy flips a provider healthy and clears its unhealthy-since stamp.
func (r *Registry) MarkHealthy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return errProviderNotFound(id)
	}
	p.Healthy = true
	p.LastHealthy = r.now()
	p.UnhealthySince = time.Time{}
	return nil
}

// MarkUnhealthy flips a provider unhealthy. The unhealthy-since stamp is set
// on the first transition only, so repeated failures keep the original time.
func (r *Registry) MarkUnhealthy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return errProviderNotFound(id)
	}
	if p.Healthy || p.UnhealthySince.IsZero() {
		p.UnhealthySince = r.now()
	}
	p.Healthy = false
	return nil
}

// SetModels replaces a provider's served model list, used by the prober
// after a successful re-discovery.
func (r *Registry) SetModels(id string, models []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return errProviderNotFound(id)
	}
	p.Models = append([]string(nil), models...)
	return nil
}

// RemoveStale evicts every provider continuously unhealthy for longer than
// maxUnhealthy and returns the evicted ids.
func (r *Registry) RemoveStale(maxUnhealthy time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []string
	for id, p := range r.providers {
		if p.Healthy || p.UnhealthySince.IsZero() {
			continue
		}
		if now.Sub(p.UnhealthySince) > maxUnhealthy {
			delete(r.providers, id)
			r.dropFromOrder(id)
			evicted = append(evicted, id)
		}
	}

	if len(evicted) > 0 {
		r.logger.Info("evicted stale providers", "count", len(evicted))
	}
	return evicted
}

// FindProviderForModel returns the first healthy provider serving the model,
// in registration order. When accessToken is non-empty, only a provider with
// that exact token matches; a caller without the token cannot address the
// provider even if it knows the model id. Returns nil when nothing matches.
func (r *Registry) FindProviderForModel(modelID, accessToken string) *domain.TempProvider {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		p, ok := r.providers[id]
		if !ok || !p.Healthy || !p.ServesModel(modelID) {
			continue
		}
		if accessToken != "" && p.AccessToken != accessToken {
			continue
		}
		out := *p
		out.AccessToken = ""
		return &out
	}
	return nil
}

// snapshot returns unredacted copies for the prober, registration order.
func (r *Registry) snapshot() []*domain.TempProvider {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.TempProvider, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.providers[id]; ok {
			cp := *p
			cp.Models = append([]string(nil), p.Models...)
			out = append(out, &cp)
		}
	}
	return out
}

func (r *Registry) dropFromOrder(id string) {
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// redacted copies a provider with its secrets stripped for external callers.
func redacted(p *domain.TempProvider) *domain.TempProvider {
	out := *p
	out.AccessToken = ""
	out.UpstreamKey = ""
	out.Models = append([]string(nil), p.Models...)
	return &out
}

func newAccessToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func errProviderNotFound(id string) *domain.APIError {
	return domain.ErrNotFound(fmt.Sprintf("provider %s not found", id)).
		WithCode(domain.ErrorCodeProviderNotFound).
		WithParam("provider_id")
}
