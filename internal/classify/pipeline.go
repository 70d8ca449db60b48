// Package classify narrows and scores candidate models for one request.
// The pipeline runs three stages in order: a policy threshold filter, a
// context-budget filter, and a semantic-similarity filter. Each stage can be
// disabled independently, and survivors are ranked by a fixed-coefficient
// composite of the per-metric tracker values.
package classify

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/embedding"
	"github.com/logoslabs/logos-gateway/internal/ranking"
	"github.com/logoslabs/logos-gateway/internal/tokens"
)

// Candidate is one admissible model, best candidates first in pipeline output.
type Candidate struct {
	ModelID         string
	CompositeWeight float64
	PolicyPriority  int
	MaxParallel     int
}

// Importance coefficients for the composite score. Fixed, not configurable.
var compositeCoefficients = map[domain.Metric]float64{
	domain.MetricAccuracy: 1.3,
	domain.MetricCost:     1.5,
	domain.MetricLatency:  1.1,
	domain.MetricQuality:  1.1,
}

// Embedder produces vectors for semantic matching. *embedding.Client
// satisfies it; a nil Embedder disables the semantic stage.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config carries the stage toggles and the semantic cutoff.
type Config struct {
	MinSimilarity         float64
	DisablePolicyFilter   bool
	DisableContextFilter  bool
	DisableSemanticFilter bool
}

// Pipeline filters and scores models against the per-metric trackers.
type Pipeline struct {
	trackers map[domain.Metric]*ranking.Tracker
	tokens   *tokens.Registry
	embedder Embedder
	cfg      Config
	logger   *slog.Logger

	mu       sync.RWMutex
	descVecs map[string][]float64
}

// New creates a pipeline over the given trackers. embedder may be nil, in
// which case the semantic stage is skipped.
func New(trackers map[domain.Metric]*ranking.Tracker, tok *tokens.Registry, embedder Embedder, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		trackers: trackers,
		tokens:   tok,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		descVecs: make(map[string][]float64),
	}
}

// RegisterDescription embeds a model's free-text description for semantic
// matching. Call it once per model at seed or registration time.
func (p *Pipeline) RegisterDescription(ctx context.Context, modelID, description string) error {
	if p.embedder == nil || description == "" {
		return nil
	}
	vec, err := p.embedder.Embed(ctx, description)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.descVecs[modelID] = vec
	p.mu.Unlock()
	return nil
}

// RemoveDescription drops a model's stored description embedding.
func (p *Pipeline) RemoveDescription(modelID string) {
	p.mu.Lock()
	delete(p.descVecs, modelID)
	p.mu.Unlock()
}

// Classify runs the stages over models and returns ranked candidates, best
// first. The allow-list for sentinel resolution is the id set of models.
func (p *Pipeline) Classify(ctx context.Context, messages []domain.Message, policy domain.Policy, models []domain.Model) ([]Candidate, error) {
	if len(models) == 0 {
		return nil, domain.ErrNotFound("no models available for classification").
			WithCode(domain.ErrorCodeNoCandidates)
	}

	allowed := make([]string, len(models))
	for i, m := range models {
		allowed[i] = m.ID
	}

	remaining := models
	var err error

	if !p.cfg.DisablePolicyFilter {
		remaining, err = p.policyFilter(remaining, policy, allowed)
		if err != nil {
			return nil, err
		}
	}
	if !p.cfg.DisableContextFilter {
		remaining = p.contextFilter(remaining, messages)
	}
	if !p.cfg.DisableSemanticFilter && p.embedder != nil {
		remaining = p.semanticFilter(ctx, remaining, messages)
	}

	candidates := p.score(remaining, policy)
	if len(candidates) == 0 {
		return nil, domain.ErrNotFound("no candidate models satisfy the request").
			WithCode(domain.ErrorCodeNoCandidates)
	}
	return candidates, nil
}

// policyFilter drops models whose tracker value (or static privacy scalar)
// falls below the policy bound for any thresholded metric. Sentinel bounds
// are resolved against the full allow-list, not the shrinking candidate set.
func (p *Pipeline) policyFilter(models []domain.Model, policy domain.Policy, allowed []string) ([]domain.Model, error) {
	if len(policy.Thresholds) == 0 {
		return models, nil
	}

	kept := models
	for metric, th := range policy.Thresholds {
		bound, ok, err := p.resolveThreshold(metric, th, models, allowed)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		filtered := kept[:0:0]
		for _, m := range kept {
			value, known := p.metricValue(metric, m)
			if !known {
				p.logger.Warn("model missing from tracker, dropping",
					"model", m.ID, "metric", metric)
				continue
			}
			if value >= bound {
				filtered = append(filtered, m)
			} else {
				p.logger.Debug("policy filter dropped model",
					"model", m.ID, "metric", metric, "value", value, "bound", bound)
			}
		}
		kept = filtered
	}
	return kept, nil
}

// resolveThreshold turns a policy threshold into a concrete bound. The
// second return is false when the metric has no usable tracker.
func (p *Pipeline) resolveThreshold(metric domain.Metric, th domain.Threshold, models []domain.Model, allowed []string) (float64, bool, error) {
	if th.Sentinel == domain.SentinelNone {
		return th.Value, true, nil
	}

	if metric == domain.MetricPrivacy {
		bound, ok := extremeStaticWeight(metric, th.Sentinel, models)
		return bound, ok, nil
	}

	tracker, ok := p.trackers[metric]
	if !ok {
		p.logger.Warn("policy names unknown metric, skipping", "metric", metric)
		return 0, false, nil
	}
	bound, err := tracker.GetSpecial(th.Sentinel, allowed)
	if err != nil {
		return 0, false, err
	}
	return bound, true, nil
}

// extremeStaticWeight resolves best/worst over the models' static scalars.
func extremeStaticWeight(metric domain.Metric, extreme domain.Sentinel, models []domain.Model) (float64, bool) {
	found := false
	var bound float64
	for _, m := range models {
		w, ok := m.Weights[metric]
		if !ok {
			continue
		}
		if !found {
			bound, found = w, true
			continue
		}
		if extreme == domain.SentinelBest && w > bound {
			bound = w
		}
		if extreme == domain.SentinelWorst && w < bound {
			bound = w
		}
	}
	return bound, found
}

// metricValue reads a model's value for one metric: the live tracker value
// for tracked metrics, the registered static scalar otherwise.
func (p *Pipeline) metricValue(metric domain.Metric, m domain.Model) (float64, bool) {
	if metric == domain.MetricPrivacy {
		w, ok := m.Weights[metric]
		return w, ok
	}
	tracker, ok := p.trackers[metric]
	if !ok {
		return 0, false
	}
	value, err := tracker.ThresholdOf(m.ID)
	if err != nil {
		return 0, false
	}
	return value, true
}

// contextFilter drops models whose context window cannot hold the prompt.
// Models with no declared window are kept.
func (p *Pipeline) contextFilter(models []domain.Model, messages []domain.Message) []domain.Model {
	kept := models[:0:0]
	for _, m := range models {
		if m.ContextWindow <= 0 {
			kept = append(kept, m)
			continue
		}
		count, err := p.tokens.CountMessages(m.ID, messages)
		if err != nil {
			p.logger.Warn("token count failed, keeping model",
				"model", m.ID, "error", err)
			kept = append(kept, m)
			continue
		}
		if count.Tokens <= m.ContextWindow {
			kept = append(kept, m)
		} else {
			p.logger.Debug("context filter dropped model",
				"model", m.ID, "tokens", count.Tokens, "window", m.ContextWindow)
		}
	}
	return kept
}

// semanticFilter keeps models whose description embedding is close enough
// to the prompt, ordered nearest first. Models without a registered
// description pass through unscored; an embedding outage skips the stage.
func (p *Pipeline) semanticFilter(ctx context.Context, models []domain.Model, messages []domain.Message) []domain.Model {
	prompt := promptText(messages)
	if prompt == "" {
		return models
	}

	promptVec, err := p.embedder.Embed(ctx, prompt)
	if err != nil {
		p.logger.Warn("prompt embedding failed, skipping semantic stage", "error", err)
		return models
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	type scored struct {
		model domain.Model
		sim   float64
	}
	kept := make([]scored, 0, len(models))
	for _, m := range models {
		vec, ok := p.descVecs[m.ID]
		if !ok {
			kept = append(kept, scored{model: m})
			continue
		}
		sim := embedding.CosineSimilarity(promptVec, vec)
		if sim >= p.cfg.MinSimilarity {
			kept = append(kept, scored{model: m, sim: sim})
		} else {
			p.logger.Debug("semantic filter dropped model",
				"model", m.ID, "similarity", sim, "min", p.cfg.MinSimilarity)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].sim > kept[j].sim })

	out := make([]domain.Model, len(kept))
	for i, s := range kept {
		out[i] = s.model
	}
	return out
}

// promptText extracts the text to embed: the last user message, or every
// message joined when no user turn exists.
func promptText(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// score computes composite weights and orders candidates descending,
// ties broken by ascending model id.
func (p *Pipeline) score(models []domain.Model, policy domain.Policy) []Candidate {
	candidates := make([]Candidate, 0, len(models))
	for _, m := range models {
		composite := 0.0
		known := true
		for metric, coeff := range compositeCoefficients {
			value, ok := p.metricValue(metric, m)
			if !ok {
				p.logger.Warn("model missing from tracker, cannot score",
					"model", m.ID, "metric", metric)
				known = false
				break
			}
			composite += coeff * value
		}
		if !known {
			continue
		}
		candidates = append(candidates, Candidate{
			ModelID:         m.ID,
			CompositeWeight: composite,
			PolicyPriority:  policy.Priority,
			MaxParallel:     m.MaxParallel,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CompositeWeight != candidates[j].CompositeWeight {
			return candidates[i].CompositeWeight > candidates[j].CompositeWeight
		}
		return candidates[i].ModelID < candidates[j].ModelID
	})
	return candidates
}
