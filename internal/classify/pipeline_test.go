package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/ranking"
	"github.com/logoslabs/logos-gateway/internal/tokens"
)

// newTestTrackers seeds every tracked metric with ids in worst-to-best
// order, so each tracker holds the same ascending ranking.
func newTestTrackers(t *testing.T, ids ...string) map[domain.Metric]*ranking.Tracker {
	t.Helper()
	trackers := make(map[domain.Metric]*ranking.Tracker, len(domain.TrackedMetrics))
	for _, metric := range domain.TrackedMetrics {
		tracker := ranking.NewTracker(metric)
		after := ""
		for _, id := range ids {
			if err := tracker.Insert(after, id); err != nil {
				t.Fatalf("seeding %s tracker with %s: %v", metric, id, err)
			}
			after = id
		}
		trackers[metric] = tracker
	}
	return trackers
}

func testModel(id string, extra ...func(*domain.Model)) domain.Model {
	m := domain.Model{
		ID:          id,
		MaxParallel: 4,
		Weights:     map[domain.Metric]float64{},
	}
	for _, fn := range extra {
		fn(&m)
	}
	return m
}

type fakeEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	vec, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no fake vector for %q", text)
	}
	return vec, nil
}

func userMessages(content string) []domain.Message {
	return []domain.Message{{Role: "user", Content: content}}
}

func TestPipeline_RanksByComposite(t *testing.T) {
	trackers := newTestTrackers(t, "cheap", "mid", "prime")
	cfg := Config{DisableContextFilter: true, DisableSemanticFilter: true}
	p := New(trackers, tokens.NewRegistry(), nil, cfg, nil)

	models := []domain.Model{testModel("prime"), testModel("cheap"), testModel("mid")}
	policy := domain.Policy{ID: "pol", Priority: 7}

	got, err := p.Classify(context.Background(), userMessages("hello"), policy, models)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	wantOrder := []string{"prime", "mid", "cheap"}
	if len(got) != len(wantOrder) {
		t.Fatalf("candidate count = %d, want %d", len(got), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got[i].ModelID != want {
			t.Errorf("candidate[%d] = %s, want %s", i, got[i].ModelID, want)
		}
	}

	// Seeded values per tracker are [-8, 0, 8]; the coefficients sum to 5.
	if got[0].CompositeWeight != 40 {
		t.Errorf("prime composite = %v, want 40", got[0].CompositeWeight)
	}
	if got[1].CompositeWeight != 0 {
		t.Errorf("mid composite = %v, want 0", got[1].CompositeWeight)
	}
	if got[2].CompositeWeight != -40 {
		t.Errorf("cheap composite = %v, want -40", got[2].CompositeWeight)
	}
	if got[0].PolicyPriority != 7 {
		t.Errorf("policy priority = %d, want 7", got[0].PolicyPriority)
	}
	if got[0].MaxParallel != 4 {
		t.Errorf("max parallel = %d, want 4", got[0].MaxParallel)
	}
}

func TestPipeline_PolicyFilterConcreteThreshold(t *testing.T) {
	trackers := newTestTrackers(t, "cheap", "mid", "prime")
	cfg := Config{DisableContextFilter: true, DisableSemanticFilter: true}
	p := New(trackers, tokens.NewRegistry(), nil, cfg, nil)

	policy := domain.Policy{
		ID:         "pol",
		Thresholds: map[domain.Metric]domain.Threshold{domain.MetricCost: {Value: 0}},
	}
	models := []domain.Model{testModel("cheap"), testModel("mid"), testModel("prime")}

	got, err := p.Classify(context.Background(), userMessages("hello"), policy, models)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidate count = %d, want 2 (cheap filtered)", len(got))
	}
	for _, c := range got {
		if c.ModelID == "cheap" {
			t.Error("cheap should have been dropped by the cost threshold")
		}
	}
}

func TestPipeline_PolicyFilterSentinelUsesAllowList(t *testing.T) {
	trackers := newTestTrackers(t, "cheap", "mid", "prime")
	cfg := Config{DisableContextFilter: true, DisableSemanticFilter: true}
	p := New(trackers, tokens.NewRegistry(), nil, cfg, nil)

	policy := domain.Policy{
		ID: "pol",
		Thresholds: map[domain.Metric]domain.Threshold{
			domain.MetricCost: {Sentinel: domain.SentinelBest},
		},
	}

	// With all three allowed, only the global best survives.
	all := []domain.Model{testModel("cheap"), testModel("mid"), testModel("prime")}
	got, err := p.Classify(context.Background(), userMessages("x"), policy, all)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(got) != 1 || got[0].ModelID != "prime" {
		t.Fatalf("best-sentinel over all = %+v, want just prime", got)
	}

	// With prime outside the allow-list, best resolves among the rest.
	subset := []domain.Model{testModel("cheap"), testModel("mid")}
	got, err = p.Classify(context.Background(), userMessages("x"), policy, subset)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(got) != 1 || got[0].ModelID != "mid" {
		t.Fatalf("best-sentinel over subset = %+v, want just mid", got)
	}
}

func TestPipeline_PolicyFilterPrivacyStatic(t *testing.T) {
	trackers := newTestTrackers(t, "open", "sealed")
	cfg := Config{DisableContextFilter: true, DisableSemanticFilter: true}
	p := New(trackers, tokens.NewRegistry(), nil, cfg, nil)

	policy := domain.Policy{
		ID: "pol",
		Thresholds: map[domain.Metric]domain.Threshold{
			domain.MetricPrivacy: {Value: 2},
		},
	}
	models := []domain.Model{
		testModel("open", func(m *domain.Model) { m.Weights[domain.MetricPrivacy] = 1 }),
		testModel("sealed", func(m *domain.Model) { m.Weights[domain.MetricPrivacy] = 3 }),
	}

	got, err := p.Classify(context.Background(), userMessages("x"), policy, models)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(got) != 1 || got[0].ModelID != "sealed" {
		t.Fatalf("privacy filter result = %+v, want just sealed", got)
	}
}

func TestPipeline_ContextFilter(t *testing.T) {
	trackers := newTestTrackers(t, "tiny", "roomy")
	cfg := Config{DisableSemanticFilter: true}
	p := New(trackers, tokens.NewRegistry(), nil, cfg, nil)

	models := []domain.Model{
		testModel("tiny", func(m *domain.Model) { m.ContextWindow = 1 }),
		testModel("roomy", func(m *domain.Model) { m.ContextWindow = 100000 }),
	}
	messages := userMessages("a prompt comfortably longer than one token")

	got, err := p.Classify(context.Background(), messages, domain.Policy{}, models)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(got) != 1 || got[0].ModelID != "roomy" {
		t.Fatalf("context filter result = %+v, want just roomy", got)
	}
}

func TestPipeline_ContextFilterKeepsUndeclaredWindow(t *testing.T) {
	trackers := newTestTrackers(t, "unsized")
	cfg := Config{DisableSemanticFilter: true}
	p := New(trackers, tokens.NewRegistry(), nil, cfg, nil)

	got, err := p.Classify(context.Background(), userMessages("anything"),
		domain.Policy{}, []domain.Model{testModel("unsized")})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("candidate count = %d, want 1", len(got))
	}
}

func TestPipeline_SemanticFilter(t *testing.T) {
	trackers := newTestTrackers(t, "coder", "blank", "mathy")
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"solve this equation": {1, 0},
		"expert math model":   {1, 0},
		"writes go programs":  {0, 1},
	}}
	cfg := Config{MinSimilarity: 0.5, DisableContextFilter: true}
	p := New(trackers, tokens.NewRegistry(), embedder, cfg, nil)

	ctx := context.Background()
	if err := p.RegisterDescription(ctx, "mathy", "expert math model"); err != nil {
		t.Fatalf("RegisterDescription() error = %v", err)
	}
	if err := p.RegisterDescription(ctx, "coder", "writes go programs"); err != nil {
		t.Fatalf("RegisterDescription() error = %v", err)
	}

	models := []domain.Model{testModel("mathy"), testModel("coder"), testModel("blank")}
	got, err := p.Classify(ctx, userMessages("solve this equation"), domain.Policy{}, models)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	ids := make(map[string]bool, len(got))
	for _, c := range got {
		ids[c.ModelID] = true
	}
	if ids["coder"] {
		t.Error("coder should have been dropped, its description is dissimilar")
	}
	if !ids["mathy"] {
		t.Error("mathy should have been kept, its description matches")
	}
	if !ids["blank"] {
		t.Error("blank has no registered description and should pass through")
	}
}

func TestPipeline_SemanticOutageSkipsStage(t *testing.T) {
	trackers := newTestTrackers(t, "a", "b")
	embedder := &fakeEmbedder{err: errors.New("embedding endpoint down")}
	cfg := Config{MinSimilarity: 0.9, DisableContextFilter: true}
	p := New(trackers, tokens.NewRegistry(), embedder, cfg, nil)

	models := []domain.Model{testModel("a"), testModel("b")}
	got, err := p.Classify(context.Background(), userMessages("x"), domain.Policy{}, models)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidate count = %d, want 2 (stage skipped on outage)", len(got))
	}
}

func TestPipeline_NoCandidatesError(t *testing.T) {
	trackers := newTestTrackers(t, "only")
	cfg := Config{DisableContextFilter: true, DisableSemanticFilter: true}
	p := New(trackers, tokens.NewRegistry(), nil, cfg, nil)

	policy := domain.Policy{
		Thresholds: map[domain.Metric]domain.Threshold{
			domain.MetricAccuracy: {Value: 1000},
		},
	}

	_, err := p.Classify(context.Background(), userMessages("x"),
		policy, []domain.Model{testModel("only")})
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Classify() error = %v, want *domain.APIError", err)
	}
	if apiErr.Code != domain.ErrorCodeNoCandidates {
		t.Errorf("error code = %s, want %s", apiErr.Code, domain.ErrorCodeNoCandidates)
	}
}

func TestPipeline_EmptyModelList(t *testing.T) {
	p := New(newTestTrackers(t), tokens.NewRegistry(), nil, Config{}, nil)
	_, err := p.Classify(context.Background(), userMessages("x"), domain.Policy{}, nil)
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Classify() error = %v, want *domain.APIError", err)
	}
	if apiErr.Type != domain.ErrorTypeNotFound {
		t.Errorf("error type = %s, want %s", apiErr.Type, domain.ErrorTypeNotFound)
	}
}
