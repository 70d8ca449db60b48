package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/forward"
	"github.com/logoslabs/logos-gateway/internal/ratelimit"
	"github.com/logoslabs/logos-gateway/internal/storage"
)

// RoutedRequest is one authenticated, admitted (or proxy-resolved) request.
// Exactly one of Complete, Stream, or Abandon must be called to finish it;
// all three release the admission slot and write the audit rows, upstream
// failure included.
type RoutedRequest struct {
	ID       string
	Mode     domain.Mode
	ModelID  string
	Decision ratelimit.Decision

	g           *Gateway
	tenant      *domain.Tenant
	req         *domain.ChatRequest
	target      forward.Target
	maxParallel int
	admitted    bool
	started     time.Time
	done        bool
}

// Route runs the pre-upstream half of the request flow: tenant resolution,
// mode decision, classification, rate-limit accounting, and admission. Any
// rejection happens here, before an upstream is contacted.
func (g *Gateway) Route(ctx context.Context, req *domain.ChatRequest) (*RoutedRequest, error) {
	tenant, err := g.Authenticate(ctx, req.TenantKey)
	if err != nil {
		return nil, err
	}

	if len(req.Messages) == 0 {
		return nil, domain.ErrValidation("messages must not be empty").WithParam("messages")
	}

	rr := &RoutedRequest{
		ID:      uuid.New().String(),
		g:       g,
		tenant:  tenant,
		req:     req,
		started: g.now(),
	}

	if err := g.resolve(ctx, rr); err != nil {
		return nil, err
	}

	// Tenant budgets gate both modes; the admission slot only exists in
	// resource mode.
	rr.Decision = g.limiter.CheckAndRecord(tenant.ID, tenant.RPMLimit, tenant.TPMLimit)
	if !rr.Decision.Allowed {
		return nil, domain.ErrRateLimited("tenant quota exceeded", rr.Decision.RetryAfter)
	}

	if rr.Mode == domain.ModeResource {
		if err := g.scheduler.Admit(ctx, rr.ModelID, rr.maxParallel); err != nil {
			return nil, err
		}
		rr.admitted = true
	}

	g.logger.Debug("request routed",
		"request_id", rr.ID,
		"tenant", tenant.ID,
		"model", rr.ModelID,
		"mode", rr.Mode)
	return rr, nil
}

// resolve decides the routing mode and upstream target.
func (g *Gateway) resolve(ctx context.Context, rr *RoutedRequest) error {
	req := rr.req

	// A presented access token addresses a registered ad-hoc provider.
	if req.ProviderToken != "" {
		if req.Model == "" {
			return domain.ErrValidation("model is required with a provider token").
				WithParam("model")
		}
		prov := g.registry.FindProviderForModel(req.Model, req.ProviderToken)
		if prov == nil {
			return domain.ErrNotFound(
				fmt.Sprintf("no healthy provider serves model %s", req.Model)).
				WithCode(domain.ErrorCodeProviderNotFound).
				WithParam("model")
		}
		rr.Mode = domain.ModeProxy
		rr.ModelID = req.Model
		rr.target = forward.TargetForProvider(prov, req.Model)
		return nil
	}

	prof, models, err := g.activeProfile(ctx, rr.tenant, req.ProfileID)
	if err != nil {
		return err
	}

	inProfile := false
	if req.Model != "" {
		for _, m := range models {
			if m.ID == req.Model {
				inProfile = true
				break
			}
		}
	}

	// Passthrough, or a named model outside the active profile: forward to
	// the catalogue endpoint without classification or scheduling.
	if req.Passthrough || (req.Model != "" && !inProfile) {
		if req.Model == "" {
			return domain.ErrValidation("passthrough requires an explicit model").
				WithParam("model")
		}
		model, err := g.store.GetModel(ctx, req.Model)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return domain.ErrNotFound(
					fmt.Sprintf("model %s is not available", req.Model)).
					WithCode(domain.ErrorCodeModelNotFound).
					WithParam("model")
			}
			return fmt.Errorf("resolve model: %w", err)
		}
		rr.Mode = domain.ModeProxy
		rr.ModelID = model.ID
		rr.target = forward.TargetForModel(*model)
		return nil
	}

	if len(models) == 0 {
		return domain.ErrNotFound("no models available to this tenant").
			WithCode(domain.ErrorCodeNoCandidates)
	}

	// A named in-profile model narrows classification to that model; the
	// policy and context gates still apply.
	candidates := models
	if req.Model != "" {
		for _, m := range models {
			if m.ID == req.Model {
				candidates = []domain.Model{m}
				break
			}
		}
	}

	var policy domain.Policy
	if prof != nil {
		policy = prof.Policy
	}

	ranked, err := g.pipeline.Classify(ctx, req.Messages, policy, candidates)
	if err != nil {
		return err
	}

	best := ranked[0]
	rr.Mode = domain.ModeResource
	rr.ModelID = best.ModelID
	rr.maxParallel = best.MaxParallel
	for i := range candidates {
		if candidates[i].ID == best.ModelID {
			rr.target = forward.TargetForModel(candidates[i])
			break
		}
	}
	return nil
}

// Complete executes the request as a single standard call.
func (rr *RoutedRequest) Complete(ctx context.Context) (*domain.ChatResponse, error) {
	resp, err := rr.g.forwarder.Complete(ctx, rr.target, rr.req)
	if err != nil {
		rr.finish(ctx, "error", forward.Result{}, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ErrUpstreamUnavailable(fmt.Sprintf("upstream call failed: %v", err))
	}

	rr.finish(ctx, "ok", forward.Result{Usage: resp.Usage}, nil)
	return resp, nil
}

// Stream executes the request with streaming-first semantics, emitting
// relay events to sink.
func (rr *RoutedRequest) Stream(ctx context.Context, sink forward.EventSink) error {
	res, err := rr.g.forwarder.Stream(ctx, rr.target, rr.req, sink)
	status := "ok"
	if err != nil {
		status = "error"
	}
	rr.finish(ctx, status, res, err)
	return err
}

// Abandon finishes a routed request that will not be executed, so the slot
// and audit trail are not leaked.
func (rr *RoutedRequest) Abandon(ctx context.Context) {
	rr.finish(ctx, "abandoned", forward.Result{}, nil)
}

// finish releases the admission slot, applies post-hoc token accounting,
// and writes the audit rows. It runs exactly once per request and must
// succeed in releasing even when the upstream call failed; the request
// count recorded at admission time is never rolled back.
func (rr *RoutedRequest) finish(ctx context.Context, status string, res forward.Result, cause error) {
	if rr.done {
		return
	}
	rr.done = true

	if rr.admitted {
		rr.g.scheduler.Release(rr.ModelID)
	}

	if rr.tenant.TPMLimit > 0 && res.Usage.TotalTokens > 0 {
		rr.g.limiter.RecordTokens(rr.tenant.ID, res.Usage.TotalTokens)
	}

	now := rr.g.now()
	// Audit rows survive caller cancellation.
	auditCtx := context.WithoutCancel(ctx)

	rec := &domain.RequestRecord{
		ID:           rr.ID,
		TenantID:     rr.tenant.ID,
		Model:        rr.ModelID,
		Mode:         rr.Mode,
		Status:       status,
		Streamed:     rr.req.Stream,
		Latency:      now.Sub(rr.started),
		FirstTokenAt: res.FirstTokenAt,
		Created:      now,
	}
	if err := rr.g.store.RecordRequest(auditCtx, rec); err != nil {
		rr.g.logger.Error("request audit write failed",
			"request_id", rr.ID, "error", err)
	}

	if res.Usage.TotalTokens > 0 {
		urec := &domain.UsageRecord{
			RequestID: rr.ID,
			TenantID:  rr.tenant.ID,
			Model:     rr.ModelID,
			Usage:     res.Usage,
			Estimated: res.Usage.Estimated,
			Created:   now,
		}
		if err := rr.g.store.RecordUsage(auditCtx, urec); err != nil {
			rr.g.logger.Error("usage audit write failed",
				"request_id", rr.ID, "error", err)
		}
	}

	if cause != nil {
		rr.g.logger.Warn("request finished with upstream error",
			"request_id", rr.ID,
			"model", rr.ModelID,
			"error", cause)
		return
	}
	rr.g.logger.Debug("request finished",
		"request_id", rr.ID,
		"model", rr.ModelID,
		"status", status,
		"latency", now.Sub(rr.started))
}
