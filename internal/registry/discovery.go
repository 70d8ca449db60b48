package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Discoverer probes a provider base URL for the models it serves. It speaks
// the OpenAI model-list shape first and falls back to the Ollama tags shape,
// so both API servers and local runtimes can self-register.
type Discoverer struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDiscoverer creates a discoverer. httpClient may be nil for a default
// short-timeout client.
func NewDiscoverer(httpClient *http.Client, logger *slog.Logger) *Discoverer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{httpClient: httpClient, logger: logger}
}

type openAIModelList struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

type ollamaTagList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// DiscoverModels returns the model ids served at baseURL. The credential, if
// any, is sent as a bearer token on the first attempt only; the Ollama
// fallback runs unauthenticated. Both endpoints failing yields an empty
// list, never an error.
func (d *Discoverer) DiscoverModels(ctx context.Context, baseURL, credential string) []string {
	models, err := d.fetchOpenAIModels(ctx, baseURL, credential)
	if err == nil {
		return models
	}
	d.logger.Debug("openai model list failed, trying ollama tags",
		"base_url", baseURL, "error", err)

	models, err = d.fetchOllamaTags(ctx, baseURL)
	if err == nil {
		return models
	}
	d.logger.Debug("model discovery failed on both endpoints",
		"base_url", baseURL, "error", err)
	return nil
}

func (d *Discoverer) fetchOpenAIModels(ctx context.Context, baseURL, credential string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var list openAIModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	return models, nil
}

func (d *Discoverer) fetchOllamaTags(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var list ollamaTagList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode tag list: %w", err)
	}

	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if m.Name != "" {
			models = append(models, m.Name)
		}
	}
	return models, nil
}
