package registry

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

const maxConcurrentProbes = 8

// Prober re-discovers every registered provider on a fixed interval, flips
// health from the outcome, and evicts providers that have been unhealthy for
// longer than the stale threshold.
type Prober struct {
	registry   *Registry
	disco      *Discoverer
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewProber wires a prober to a registry and discovery client.
func NewProber(reg *Registry, disco *Discoverer, interval, staleAfter time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		registry:   reg,
		disco:      disco,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run probes until ctx is cancelled. Call it in its own goroutine.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll fans out over the registered providers with bounded concurrency.
// A probe that discovers no models counts as a failure, so dead endpoints
// and endpoints serving nothing both go unhealthy.
func (p *Prober) probeAll(ctx context.Context) {
	providers := p.registry.snapshot()
	if len(providers) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for _, prov := range providers {
		g.Go(func() error {
			p.probeOne(ctx, prov)
			return nil
		})
	}
	_ = g.Wait()

	p.registry.RemoveStale(p.staleAfter)
}

func (p *Prober) probeOne(ctx context.Context, prov *domain.TempProvider) {
	models := p.disco.DiscoverModels(ctx, prov.BaseURL, prov.UpstreamKey)
	if len(models) == 0 {
		if err := p.registry.MarkUnhealthy(prov.ID); err == nil && prov.Healthy {
			p.logger.Warn("provider went unhealthy",
				"provider_id", prov.ID, "base_url", prov.BaseURL)
		}
		return
	}

	// Unregistered-while-probing races just drop the update.
	if err := p.registry.SetModels(prov.ID, models); err != nil {
		return
	}
	if err := p.registry.MarkHealthy(prov.ID); err == nil && !prov.Healthy {
		p.logger.Info("provider recovered", "provider_id", prov.ID)
	}
}
