// Package forward executes admitted requests against upstream providers
// using streaming-first semantics with a single non-streaming fallback.
package forward

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

// Target is one resolved upstream destination: where to send the completion
// and how to authenticate it.
type Target struct {
	BaseURL    string
	Family     domain.ProviderFamily
	Model      string
	Deployment string
	APIVersion string
	Credential string
}

// TargetForModel builds the destination for a configured model.
func TargetForModel(m domain.Model) Target {
	upstream := m.Endpoint.UpstreamModel
	if upstream == "" {
		upstream = m.ID
	}
	return Target{
		BaseURL:    m.Endpoint.BaseURL,
		Family:     m.Endpoint.Family,
		Model:      upstream,
		Deployment: m.Endpoint.Deployment,
		APIVersion: m.Endpoint.APIVersion,
		Credential: m.Credential,
	}
}

// TargetForProvider builds the destination for a discovered ad-hoc provider,
// which always speaks the OpenAI-compatible shape.
func TargetForProvider(p *domain.TempProvider, model string) Target {
	return Target{
		BaseURL:    p.BaseURL,
		Family:     domain.FamilyOpenAI,
		Model:      model,
		Credential: p.UpstreamKey,
	}
}

// completionURL assembles the chat completion endpoint for the target
// family. Azure-style deployments embed the deployment name in the path and
// carry the API version as a query parameter.
func (t Target) completionURL() string {
	base := strings.TrimRight(t.BaseURL, "/")

	if t.Family == domain.FamilyAzure {
		u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions",
			base, url.PathEscape(t.Deployment))
		if t.APIVersion != "" {
			u += "?api-version=" + url.QueryEscape(t.APIVersion)
		}
		return u
	}

	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// applyAuth sets the family-specific credential header.
func (t Target) applyAuth(req *http.Request) {
	if t.Credential == "" {
		return
	}
	if t.Family == domain.FamilyAzure {
		req.Header.Set("api-key", t.Credential)
		return
	}
	req.Header.Set("Authorization", "Bearer "+t.Credential)
}

// chatCompletionRequest is the upstream request payload.
type chatCompletionRequest struct {
	Model         string           `json:"model"`
	Messages      []domain.Message `json:"messages"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   float32          `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// chatCompletionChunk is one streamed upstream frame.
type chatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type upstreamErrorResponse struct {
	Error *upstreamError `json:"error"`
}

type upstreamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// upstreamFailure summarizes a non-200 upstream reply.
func upstreamFailure(status int, body []byte) error {
	var parsed upstreamErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		return fmt.Errorf("upstream status %d: %s", status, parsed.Error.Message)
	}
	return fmt.Errorf("upstream status %d: %s", status, strings.TrimSpace(string(body)))
}
