// Package gateway wires classification, rate limiting, admission, and
// forwarding into the per-request orchestration flow.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/logoslabs/logos-gateway/internal/classify"
	"github.com/logoslabs/logos-gateway/internal/config"
	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/forward"
	"github.com/logoslabs/logos-gateway/internal/ranking"
	"github.com/logoslabs/logos-gateway/internal/ratelimit"
	"github.com/logoslabs/logos-gateway/internal/registry"
	"github.com/logoslabs/logos-gateway/internal/sched"
	"github.com/logoslabs/logos-gateway/internal/storage"
	"github.com/logoslabs/logos-gateway/internal/tokens"
)

// Gateway owns the routing and admission subsystems and their lifecycle.
// All routing state is in-memory: trackers are reseeded from the store and
// providers rediscovered on every start.
type Gateway struct {
	store      storage.Store
	cfg        *config.Config
	logger     *slog.Logger
	httpClient *http.Client
	embedder   classify.Embedder

	trackers  map[domain.Metric]*ranking.Tracker
	tokens    *tokens.Registry
	pipeline  *classify.Pipeline
	limiter   *ratelimit.Limiter
	registry  *registry.Registry
	scheduler *sched.Scheduler
	forwarder *forward.Forwarder
	disco     *registry.Discoverer
	prober    *registry.Prober

	now func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a gateway from the given options. A store is required;
// everything else has defaults.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if g.store == nil {
		return nil, fmt.Errorf("store required (use WithStore)")
	}
	if g.cfg == nil {
		g.cfg = &config.Config{}
	}

	g.trackers = make(map[domain.Metric]*ranking.Tracker, len(domain.TrackedMetrics))
	for _, metric := range domain.TrackedMetrics {
		g.trackers[metric] = ranking.NewTracker(metric)
	}

	if g.tokens == nil {
		g.tokens = tokens.NewRegistry()
		g.tokens.Register(tokens.NewOpenAICounter())
	}

	g.limiter = ratelimit.New(config.Duration(g.cfg.RateLimit.Window, ratelimit.DefaultWindow))
	g.registry = registry.New(g.logger)
	g.scheduler = sched.New(g.cfg.Scheduler.DefaultMaxParallel, g.logger)
	g.forwarder = forward.New(g.httpClient, g.tokens, g.logger)

	g.pipeline = classify.New(g.trackers, g.tokens, g.embedder, classify.Config{
		MinSimilarity:         g.cfg.Classify.MinSimilarity,
		DisablePolicyFilter:   g.cfg.Classify.DisablePolicyFilter,
		DisableContextFilter:  g.cfg.Classify.DisableContextFilter,
		DisableSemanticFilter: g.cfg.Classify.DisableSemanticFilter,
	}, g.logger)

	discoClient := g.httpClient
	if discoClient == nil {
		discoClient = &http.Client{Timeout: config.Duration(g.cfg.Discovery.Timeout, 5*time.Second)}
	}
	g.disco = registry.NewDiscoverer(discoClient, g.logger)
	g.prober = registry.NewProber(g.registry, g.disco,
		config.Duration(g.cfg.Discovery.ProbeInterval, 30*time.Second),
		config.Duration(g.cfg.Discovery.StaleAfter, 10*time.Minute),
		g.logger)

	return g, nil
}

// Start seeds the trackers from the store and launches the background
// prober and limiter sweep loops. It does not block.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return fmt.Errorf("gateway already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	seeded, err := g.seedTrackers(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("seed trackers: %w", err)
	}

	g.cancel = cancel
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.prober.Run(runCtx)
	}()
	go func() {
		defer g.wg.Done()
		g.sweepLoop(runCtx)
	}()

	g.started = true
	g.logger.Info("gateway started", slog.Int("models", seeded))
	return nil
}

// Close stops the background loops and closes the store.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.wg.Wait()

	_ = g.registry.Close()
	if err := g.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	g.logger.Info("gateway stopped")
	return nil
}

// seedTrackers rebuilds the in-memory rankings from the catalogue's static
// weights. Only the resulting order matters: values are regenerated around
// a zero median, feedback starts fresh.
func (g *Gateway) seedTrackers(ctx context.Context) (int, error) {
	models, err := g.store.ListModels(ctx)
	if err != nil {
		return 0, err
	}

	for _, metric := range domain.TrackedMetrics {
		ordered := make([]domain.Model, len(models))
		copy(ordered, models)
		// worst first, so each insert lands above the previous one
		sort.SliceStable(ordered, func(i, j int) bool {
			wi, wj := ordered[i].Weights[metric], ordered[j].Weights[metric]
			if wi == wj {
				return ordered[i].ID < ordered[j].ID
			}
			return wi < wj
		})

		tracker := g.trackers[metric]
		prev := ""
		for _, m := range ordered {
			if err := tracker.Insert(prev, m.ID); err != nil {
				return 0, fmt.Errorf("seed %s tracker: %w", metric, err)
			}
			prev = m.ID
		}
	}

	for _, m := range models {
		if m.Description == "" {
			continue
		}
		if err := g.pipeline.RegisterDescription(ctx, m.ID, m.Description); err != nil {
			g.logger.Warn("model description embedding failed",
				slog.String("model", m.ID), slog.String("error", err.Error()))
		}
	}

	return len(models), nil
}

// sweepLoop evicts idle tenant windows so the limiter's footprint tracks
// active tenants, not historical ones.
func (g *Gateway) sweepLoop(ctx context.Context) {
	interval := config.Duration(g.cfg.RateLimit.Window, ratelimit.DefaultWindow)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.limiter.Sweep()
		}
	}
}

// Authenticate resolves a raw tenant key against the store.
func (g *Gateway) Authenticate(ctx context.Context, key string) (*domain.Tenant, error) {
	if key == "" {
		return nil, domain.ErrUnauthenticated("missing tenant key")
	}
	tenant, err := g.store.GetTenant(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrUnauthenticated("unknown tenant key")
		}
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}
	return tenant, nil
}

// Feedback adjusts one model's tracked metric by delta. Positive deltas
// promote the model for future routing decisions.
func (g *Gateway) Feedback(metric domain.Metric, modelID string, delta float64) error {
	tracker, ok := g.trackers[metric]
	if !ok {
		return domain.ErrValidation(fmt.Sprintf("metric %s is not tracked", metric)).
			WithParam("metric")
	}
	return tracker.Feedback(modelID, delta)
}

// RegisterProvider registers an ad-hoc upstream, runs discovery against it
// inline, and returns the stored entry with its access token. The token is
// not retrievable afterwards.
func (g *Gateway) RegisterProvider(ctx context.Context, baseURL, name string, tenant *domain.Tenant, declaredModels []string, upstreamKey string) (*domain.TempProvider, error) {
	prov, err := g.registry.Register(baseURL, name, tenant.ID, declaredModels, upstreamKey)
	if err != nil {
		return nil, err
	}

	discovered := g.disco.DiscoverModels(ctx, prov.BaseURL, upstreamKey)
	if len(discovered) > 0 {
		if err := g.registry.SetModels(prov.ID, discovered); err == nil {
			prov.Models = discovered
		}
	} else if len(declaredModels) == 0 {
		g.logger.Warn("provider registered with no discoverable models",
			slog.String("provider_id", prov.ID), slog.String("base_url", prov.BaseURL))
	}

	return prov, nil
}

// UnregisterProvider removes a provider. Only the registering tenant may
// remove it.
func (g *Gateway) UnregisterProvider(id string, tenant *domain.Tenant) error {
	prov, err := g.registry.Get(id)
	if err != nil {
		return err
	}
	if prov.TenantID != tenant.ID {
		return domain.ErrForbidden("provider belongs to another tenant").
			WithParam("provider_id")
	}
	return g.registry.Unregister(id)
}

// VisibleModels lists the models exposed by the tenant's active profile in
// the familiar list shape. Tenants without a profile see an empty list.
func (g *Gateway) VisibleModels(ctx context.Context, tenant *domain.Tenant, profileID string) (*domain.ModelList, error) {
	_, models, err := g.activeProfile(ctx, tenant, profileID)
	if err != nil {
		return nil, err
	}

	list := &domain.ModelList{Object: "list", Data: make([]domain.ModelInfo, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, domain.ModelInfo{
			ID:      m.ID,
			Object:  "model",
			OwnedBy: "logos",
			Created: m.Created,
		})
	}
	return list, nil
}

// Ready reports whether the store is reachable.
func (g *Gateway) Ready(ctx context.Context) error {
	if _, err := g.store.ListModels(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

// activeProfile resolves which profile governs this request: the explicit
// selector, the tenant default, or the tenant's first profile. A tenant
// with no profiles gets (nil, nil, nil).
func (g *Gateway) activeProfile(ctx context.Context, tenant *domain.Tenant, profileID string) (*domain.Profile, []domain.Model, error) {
	id := profileID
	if id == "" {
		id = tenant.DefaultProfileID
	}
	if id == "" && len(tenant.ProfileIDs) > 0 {
		id = tenant.ProfileIDs[0]
	}
	if id == "" {
		return nil, nil, nil
	}

	if !tenant.HasProfile(id) {
		return nil, nil, domain.ErrForbidden(
			fmt.Sprintf("profile %s is not assigned to tenant %s", id, tenant.Name)).
			WithCode(domain.ErrorCodeProfileMismatch).
			WithParam("profile")
	}

	prof, err := g.store.GetProfile(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, domain.ErrNotFound(fmt.Sprintf("profile %s does not exist", id)).
				WithParam("profile")
		}
		return nil, nil, fmt.Errorf("load profile: %w", err)
	}

	models, err := g.store.GetModelsForProfile(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load profile models: %w", err)
	}
	return prof, models, nil
}
