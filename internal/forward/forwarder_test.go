package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/tokens"
)

const (
	roleChunk   = `{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`
	helloChunk  = `{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}`
	worldChunk  = `{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`
	finishChunk = `{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
	usageChunk  = `{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`
)

func newTestForwarder() *Forwarder {
	return New(nil, tokens.NewRegistry(), nil)
}

func openaiTarget(baseURL string) Target {
	return Target{
		BaseURL:    baseURL,
		Family:     domain.FamilyOpenAI,
		Model:      "test-model",
		Credential: "upstream-secret",
	}
}

func testChatRequest() *domain.ChatRequest {
	return &domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "user", Content: "What is the capital of France?"},
		},
		Stream: true,
	}
}

func collectInto(events *[]domain.ChatEvent) EventSink {
	return func(ev domain.ChatEvent) {
		*events = append(*events, ev)
	}
}

func writeSSE(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestForwarder_StreamRelaysChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode upstream payload: %v", err)
			return
		}
		if !payload.Stream {
			t.Error("expected stream=true in upstream payload")
		}
		if payload.StreamOptions == nil || !payload.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage in upstream payload")
		}
		writeSSE(w, roleChunk, helloChunk, worldChunk, finishChunk, usageChunk, "[DONE]")
	}))
	defer srv.Close()

	f := newTestForwarder()
	var events []domain.ChatEvent
	res, err := f.Stream(context.Background(), openaiTarget(srv.URL), testChatRequest(), collectInto(&events))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if res.FellBack {
		t.Error("unexpected fallback on a healthy stream")
	}
	if res.FirstTokenAt <= 0 {
		t.Error("first token latency not recorded")
	}
	if res.Usage.TotalTokens != 11 || res.Usage.Estimated {
		t.Errorf("want provider-reported usage of 11 tokens, got %+v", res.Usage)
	}

	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	if events[0].Role != "assistant" {
		t.Errorf("first event role = %q, want assistant", events[0].Role)
	}
	var text strings.Builder
	for _, ev := range events {
		text.WriteString(ev.ContentDelta)
	}
	if text.String() != "Hello world" {
		t.Errorf("relayed text = %q, want %q", text.String(), "Hello world")
	}
	if events[3].FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", events[3].FinishReason)
	}
	if events[4].Usage == nil || events[4].Usage.TotalTokens != 11 {
		t.Errorf("final usage event = %+v, want total 11", events[4].Usage)
	}
}

func TestForwarder_FallsBackWhenStreamNeverStarts(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var payload chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode upstream payload: %v", err)
			return
		}
		if payload.Stream {
			http.Error(w, `{"error":{"message":"streaming disabled"}}`, http.StatusBadGateway)
			return
		}
		resp := domain.ChatResponse{
			ID:     "chatcmpl-2",
			Object: "chat.completion",
			Model:  "test-model",
			Choices: []domain.Choice{{
				Message:      domain.Message{Role: "assistant", Content: "Paris"},
				FinishReason: "stop",
			}},
			Usage: domain.Usage{PromptTokens: 9, CompletionTokens: 1, TotalTokens: 10},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	f := newTestForwarder()
	var events []domain.ChatEvent
	res, err := f.Stream(context.Background(), openaiTarget(srv.URL), testChatRequest(), collectInto(&events))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if !res.FellBack {
		t.Error("expected fallback after the stream attempt was refused")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
	if res.Usage.TotalTokens != 10 || res.Usage.Estimated {
		t.Errorf("want provider-reported usage of 10 tokens, got %+v", res.Usage)
	}

	if len(events) != 2 {
		t.Fatalf("got %d synthesized events, want 2", len(events))
	}
	if events[0].Role != "assistant" || events[0].ContentDelta != "Paris" {
		t.Errorf("content event = %+v", events[0])
	}
	if events[1].FinishReason != "stop" {
		t.Errorf("final event finish reason = %q, want stop", events[1].FinishReason)
	}
	if events[1].Usage == nil || events[1].Usage.TotalTokens != 10 {
		t.Errorf("final event usage = %+v, want total 10", events[1].Usage)
	}
}

func TestForwarder_UpstreamDownBothAttempts(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestForwarder()
	var events []domain.ChatEvent
	res, err := f.Stream(context.Background(), openaiTarget(srv.URL), testChatRequest(), collectInto(&events))
	if err == nil {
		t.Fatal("expected error when both attempts fail")
	}

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %T is not an APIError", err)
	}
	if apiErr.Type != domain.ErrorTypeUpstreamUnavailable {
		t.Errorf("error type = %q, want %q", apiErr.Type, domain.ErrorTypeUpstreamUnavailable)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (stream then fallback)", got)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want none", len(events))
	}
	if !res.FellBack {
		t.Error("expected FellBack set after the fallback attempt")
	}
}

func TestForwarder_MidStreamFailureDoesNotFallBack(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeSSE(w, helloChunk)
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	f := newTestForwarder()
	var events []domain.ChatEvent
	res, err := f.Stream(context.Background(), openaiTarget(srv.URL), testChatRequest(), collectInto(&events))
	if err == nil {
		t.Fatal("expected error after mid-stream truncation")
	}

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %T is not an APIError", err)
	}
	if apiErr.Type != domain.ErrorTypeUpstreamUnavailable {
		t.Errorf("error type = %q, want %q", apiErr.Type, domain.ErrorTypeUpstreamUnavailable)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1: partial output must not be retried", got)
	}
	if res.FellBack {
		t.Error("fallback must not run once data was relayed")
	}

	if len(events) < 2 {
		t.Fatalf("got %d events, want the content delta plus an error event", len(events))
	}
	if events[0].ContentDelta != "Hello" {
		t.Errorf("first event delta = %q, want Hello", events[0].ContentDelta)
	}
	if events[len(events)-1].Err == nil {
		t.Error("last event should carry the stream error")
	}
	if !res.Usage.Estimated || res.Usage.CompletionTokens == 0 {
		t.Errorf("partial usage should be estimated from the relayed text, got %+v", res.Usage)
	}
}

func TestForwarder_StreamEndWithoutSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, roleChunk, helloChunk, finishChunk)
	}))
	defer srv.Close()

	f := newTestForwarder()
	var events []domain.ChatEvent
	res, err := f.Stream(context.Background(), openaiTarget(srv.URL), testChatRequest(), collectInto(&events))
	if err != nil {
		t.Fatalf("a clean close without [DONE] should complete, got %v", err)
	}
	if res.FellBack {
		t.Error("unexpected fallback")
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if !res.Usage.Estimated || res.Usage.CompletionTokens == 0 {
		t.Errorf("usage should be estimated when the provider sent none, got %+v", res.Usage)
	}
}

func TestForwarder_CancelledContextDoesNotFallBack(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestForwarder()
	var events []domain.ChatEvent
	_, err := f.Stream(ctx, openaiTarget(srv.URL), testChatRequest(), collectInto(&events))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("upstream calls = %d, want 0", got)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want none", len(events))
	}
}

func TestForwarder_CallerHangupMidStream(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeSSE(w, helloChunk)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newTestForwarder()
	var events []domain.ChatEvent
	sink := func(ev domain.ChatEvent) {
		events = append(events, ev)
		cancel()
	}
	_, err := f.Stream(ctx, openaiTarget(srv.URL), testChatRequest(), sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	// no trailing error event for a caller that already went away
	if len(events) != 1 {
		t.Errorf("got %d events, want just the delivered delta", len(events))
	}
}

func TestForwarder_OpenAIWireFormat(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotAuth, gotUserAgent, gotModel string
	var gotStream bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode upstream payload: %v", err)
			return
		}
		mu.Lock()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotUserAgent = r.Header.Get("User-Agent")
		gotModel = payload.Model
		gotStream = payload.Stream
		mu.Unlock()
		if err := json.NewEncoder(w).Encode(domain.ChatResponse{
			Choices: []domain.Choice{{Message: domain.Message{Role: "assistant", Content: "ok"}, FinishReason: "stop"}},
			Usage:   domain.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	target := Target{
		BaseURL:    srv.URL,
		Family:     domain.FamilyOpenAI,
		Model:      "upstream-name",
		Credential: "upstream-secret",
	}
	req := testChatRequest()
	req.UserAgent = "integration-suite/2.1"

	f := newTestForwarder()
	if _, err := f.Complete(context.Background(), target, req); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q, want /v1/chat/completions", gotPath)
	}
	if gotAuth != "Bearer upstream-secret" {
		t.Errorf("authorization = %q, want bearer credential", gotAuth)
	}
	if gotUserAgent != "integration-suite/2.1" {
		t.Errorf("user agent = %q, want the caller's forwarded agent", gotUserAgent)
	}
	if gotModel != "upstream-name" {
		t.Errorf("model = %q, want the target's upstream name", gotModel)
	}
	if gotStream {
		t.Error("Complete must not request a streamed response")
	}
}

func TestForwarder_AzureWireFormat(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotVersion, gotAPIKey, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("api-version")
		gotAPIKey = r.Header.Get("api-key")
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		if err := json.NewEncoder(w).Encode(domain.ChatResponse{
			Choices: []domain.Choice{{Message: domain.Message{Role: "assistant", Content: "ok"}, FinishReason: "stop"}},
			Usage:   domain.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	target := Target{
		BaseURL:    srv.URL + "/",
		Family:     domain.FamilyAzure,
		Model:      "gpt-4o",
		Deployment: "prod-gpt4o",
		APIVersion: "2024-02-15-preview",
		Credential: "azure-secret",
	}

	f := newTestForwarder()
	if _, err := f.Complete(context.Background(), target, testChatRequest()); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/openai/deployments/prod-gpt4o/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotVersion != "2024-02-15-preview" {
		t.Errorf("api-version = %q", gotVersion)
	}
	if gotAPIKey != "azure-secret" {
		t.Errorf("api-key header = %q, want the deployment credential", gotAPIKey)
	}
	if gotAuth != "" {
		t.Errorf("authorization = %q, want empty for the azure family", gotAuth)
	}
}

func TestForwarder_CompleteEstimatesMissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewEncoder(w).Encode(domain.ChatResponse{
			Choices: []domain.Choice{{Message: domain.Message{Role: "assistant", Content: "Paris"}, FinishReason: "stop"}},
		}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	f := newTestForwarder()
	resp, err := f.Complete(context.Background(), openaiTarget(srv.URL), testChatRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !resp.Usage.Estimated {
		t.Error("usage should be flagged estimated when the provider omits it")
	}
	if resp.Usage.PromptTokens == 0 || resp.Usage.CompletionTokens == 0 {
		t.Errorf("estimated counts should be non-zero, got %+v", resp.Usage)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Errorf("total = %d, want prompt+completion", resp.Usage.TotalTokens)
	}
}

func TestForwarder_CompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model overloaded, slow down"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestForwarder()
	_, err := f.Complete(context.Background(), openaiTarget(srv.URL), testChatRequest())
	if err == nil {
		t.Fatal("expected error on upstream 429")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("error should carry the upstream status and message, got %v", err)
	}
}

func TestTarget_CompletionURL(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   string
	}{
		{
			name:   "openai bare base",
			target: Target{BaseURL: "https://api.example.com", Family: domain.FamilyOpenAI},
			want:   "https://api.example.com/v1/chat/completions",
		},
		{
			name:   "openai base already versioned",
			target: Target{BaseURL: "https://api.example.com/v1", Family: domain.FamilyOpenAI},
			want:   "https://api.example.com/v1/chat/completions",
		},
		{
			name:   "openai trailing slash",
			target: Target{BaseURL: "https://api.example.com/", Family: domain.FamilyOpenAI},
			want:   "https://api.example.com/v1/chat/completions",
		},
		{
			name: "azure with api version",
			target: Target{
				BaseURL:    "https://res.openai.azure.com",
				Family:     domain.FamilyAzure,
				Deployment: "gpt4o-prod",
				APIVersion: "2024-02-01",
			},
			want: "https://res.openai.azure.com/openai/deployments/gpt4o-prod/chat/completions?api-version=2024-02-01",
		},
		{
			name: "azure without api version",
			target: Target{
				BaseURL:    "https://res.openai.azure.com",
				Family:     domain.FamilyAzure,
				Deployment: "gpt4o-prod",
			},
			want: "https://res.openai.azure.com/openai/deployments/gpt4o-prod/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.completionURL(); got != tt.want {
				t.Errorf("completionURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTargetForModel_UpstreamNameFallback(t *testing.T) {
	m := domain.Model{
		ID: "fast-chat",
		Endpoint: domain.Endpoint{
			BaseURL: "https://api.example.com",
			Family:  domain.FamilyOpenAI,
		},
		Credential: "k",
	}
	if got := TargetForModel(m); got.Model != "fast-chat" {
		t.Errorf("target model = %q, want the gateway id when no upstream name is set", got.Model)
	}

	m.Endpoint.UpstreamModel = "vendor-model-v2"
	if got := TargetForModel(m); got.Model != "vendor-model-v2" {
		t.Errorf("target model = %q, want the upstream name", got.Model)
	}
}
