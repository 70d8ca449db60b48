package domain

import "time"

// Metric identifies one quality dimension a model is ranked on.
type Metric string

const (
	MetricCost     Metric = "cost"
	MetricAccuracy Metric = "accuracy"
	MetricQuality  Metric = "quality"
	MetricLatency  Metric = "latency"

	// MetricPrivacy is a static per-model scalar, not tracked by feedback.
	MetricPrivacy Metric = "privacy"
)

// TrackedMetrics lists the metrics that get a feedback-adjustable tracker.
var TrackedMetrics = []Metric{MetricCost, MetricAccuracy, MetricQuality, MetricLatency}

// Sentinel selects a relative threshold instead of a concrete value.
type Sentinel string

const (
	SentinelNone  Sentinel = ""
	SentinelBest  Sentinel = "best"
	SentinelWorst Sentinel = "worst"
)

// Threshold is a policy bound for one metric: a concrete value, or a
// sentinel resolved against whatever the tenant may actually use.
type Threshold struct {
	Value    float64  `json:"value,omitempty"`
	Sentinel Sentinel `json:"sentinel,omitempty"`
}

// Policy narrows the candidate set during classification.
type Policy struct {
	ID         string               `json:"id"`
	Name       string               `json:"name,omitempty"`
	Thresholds map[Metric]Threshold `json:"thresholds,omitempty"`
	Priority   int                  `json:"priority"`
	Topic      string               `json:"topic,omitempty"`
}

// Tenant is an authenticated caller of the gateway.
type Tenant struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	KeyHash          string   `json:"-"`
	RPMLimit         int      `json:"rpm_limit,omitempty"`
	TPMLimit         int      `json:"tpm_limit,omitempty"`
	ProfileIDs       []string `json:"profile_ids"`
	DefaultProfileID string   `json:"default_profile_id,omitempty"`
}

// HasProfile reports whether the tenant may use the given profile.
func (t *Tenant) HasProfile(id string) bool {
	for _, p := range t.ProfileIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Profile is a named subset of models a tenant may address in resource mode.
// The routing policy applied to its models rides along with it.
type Profile struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	TenantID int64    `json:"tenant_id"`
	ModelIDs []string `json:"model_ids"`
	Policy   Policy   `json:"policy"`
}

// ProviderFamily selects the upstream wire shape.
type ProviderFamily string

const (
	// FamilyOpenAI covers OpenAI-compatible endpoints, including discovered
	// ad-hoc providers: bearer header, /chat/completions path.
	FamilyOpenAI ProviderFamily = "openai"

	// FamilyAzure covers deployments addressed by path-embedded deployment
	// name plus an api-version query parameter, authenticated with an
	// api-key header.
	FamilyAzure ProviderFamily = "azure"
)

// Endpoint describes how to reach a model's upstream.
type Endpoint struct {
	BaseURL       string         `json:"base_url"`
	Family        ProviderFamily `json:"family"`
	UpstreamModel string         `json:"upstream_model,omitempty"`
	Deployment    string         `json:"deployment,omitempty"`
	APIVersion    string         `json:"api_version,omitempty"`
}

// Model is a routable completion model.
type Model struct {
	ID            string             `json:"id"`
	DisplayName   string             `json:"display_name,omitempty"`
	Endpoint      Endpoint           `json:"endpoint"`
	Credential    string             `json:"-"`
	Weights       map[Metric]float64 `json:"weights,omitempty"`
	Description   string             `json:"description,omitempty"`
	ContextWindow int                `json:"context_window,omitempty"`
	MaxParallel   int                `json:"max_parallel,omitempty"`
	Created       int64              `json:"created,omitempty"`
}

// TempProvider is an ephemeral, self-registered upstream discovered at
// runtime. The access token is distinct from any upstream credential and is
// shown to the registering caller exactly once.
type TempProvider struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	BaseURL        string    `json:"base_url"`
	TenantID       int64     `json:"tenant_id"`
	AccessToken    string    `json:"access_token,omitempty"`
	UpstreamKey    string    `json:"-"`
	Models         []string  `json:"models"`
	Healthy        bool      `json:"healthy"`
	LastHealthy    time.Time `json:"last_healthy,omitempty"`
	UnhealthySince time.Time `json:"unhealthy_since,omitempty"`
	Registered     time.Time `json:"registered"`
}

// ServesModel reports whether the provider's discovered list contains id.
func (p *TempProvider) ServesModel(id string) bool {
	for _, m := range p.Models {
		if m == id {
			return true
		}
	}
	return false
}

// Mode distinguishes the two routing paths.
type Mode string

const (
	// ModeResource routes through classification with gateway-held credentials.
	ModeResource Mode = "resource"

	// ModeProxy forwards to a caller-named upstream with caller credentials.
	ModeProxy Mode = "proxy"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the gateway request surface: what a completion call carries
// after transport decoding and tenant authentication.
type ChatRequest struct {
	TenantKey     string    `json:"-"`
	Model         string    `json:"model,omitempty"`
	ProfileID     string    `json:"profile,omitempty"`
	Messages      []Message `json:"messages"`
	Stream        bool      `json:"stream,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	Temperature   float32   `json:"temperature,omitempty"`
	Passthrough   bool      `json:"passthrough,omitempty"`
	ProviderToken string    `json:"-"`
	UserAgent     string    `json:"-"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"-"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is a complete non-streamed completion.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// ChatEvent is one unit of a streamed completion.
type ChatEvent struct {
	Role         string // e.g., "assistant"
	ContentDelta string // the text fragment
	FinishReason string
	Usage        *Usage // final event often carries token counts
	Err          error  // in-stream errors, reported out of band
}

// ModelInfo is the tenant-visible model listing entry.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// ModelList is the model listing response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// RequestRecord is one audit row per forwarded request.
type RequestRecord struct {
	ID           string        `json:"id"`
	TenantID     int64         `json:"tenant_id"`
	Model        string        `json:"model"`
	Mode         Mode          `json:"mode"`
	Status       string        `json:"status"`
	Streamed     bool          `json:"streamed"`
	Latency      time.Duration `json:"latency"`
	FirstTokenAt time.Duration `json:"first_token_at,omitempty"`
	Created      time.Time     `json:"created"`
}

// UsageRecord is one audit row per completed request's token accounting.
type UsageRecord struct {
	RequestID string    `json:"request_id"`
	TenantID  int64     `json:"tenant_id"`
	Model     string    `json:"model"`
	Usage     Usage     `json:"usage"`
	Estimated bool      `json:"estimated"`
	Created   time.Time `json:"created"`
}
