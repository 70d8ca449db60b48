package forward

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/tokens"
)

const defaultUserAgent = "logos-gateway/1.0"

// relayState is the streaming protocol state. A request starts streaming and
// either completes, falls back to exactly one standard call (only while
// nothing has been relayed), or fails.
type relayState int

const (
	stateStreaming relayState = iota
	stateFallback
	stateCompleted
	stateFailed
)

// EventSink receives relay events in order. Implementations must not block
// indefinitely; the relay goroutine is the request goroutine.
type EventSink func(domain.ChatEvent)

// Result summarizes one forwarded call for accounting.
type Result struct {
	Usage        domain.Usage
	FirstTokenAt time.Duration
	FellBack     bool
}

// Forwarder executes upstream calls. Safe for concurrent use.
type Forwarder struct {
	httpClient *http.Client
	tokens     *tokens.Registry
	logger     *slog.Logger
}

// New creates a forwarder. httpClient may be nil for http.DefaultClient;
// deadlines come from the request context so streams are not cut short by a
// fixed client timeout.
func New(httpClient *http.Client, tok *tokens.Registry, logger *slog.Logger) *Forwarder {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{httpClient: httpClient, tokens: tok, logger: logger}
}

// Complete performs one standard (non-streaming) call. When the upstream
// omits usage the token counts are estimated and marked as such.
func (f *Forwarder) Complete(ctx context.Context, target Target, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	payload := chatCompletionRequest{
		Model:       target.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	resp, err := f.post(ctx, target, payload, req.UserAgent)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamFailure(resp.StatusCode, body)
	}

	var out domain.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if out.Usage.TotalTokens == 0 {
		var text strings.Builder
		for _, c := range out.Choices {
			text.WriteString(c.Message.Content)
		}
		out.Usage = f.estimateUsage(target.Model, req.Messages, text.String())
	}
	return &out, nil
}

// Stream runs the streaming-first protocol, emitting relay events in order.
// A failure before anything was relayed triggers exactly one standard-call
// fallback whose response is emitted as synthesized events; a failure after
// data went out surfaces as a final error event, because partial data cannot
// be un-sent. The Result is valid for accounting even when an error is
// returned.
func (f *Forwarder) Stream(ctx context.Context, target Target, req *domain.ChatRequest, emit EventSink) (Result, error) {
	r := &relay{
		f:      f,
		target: target,
		req:    req,
		emit:   emit,
		start:  time.Now(),
	}
	return r.run(ctx)
}

// relay holds one streamed call's accumulating state.
type relay struct {
	f      *Forwarder
	target Target
	req    *domain.ChatRequest
	emit   EventSink
	start  time.Time

	relayed      int
	fullText     strings.Builder
	usage        *domain.Usage
	firstTokenAt time.Duration
	fellBack     bool
}

func (r *relay) run(ctx context.Context) (Result, error) {
	state := stateStreaming
	var failure error

	for {
		switch state {
		case stateStreaming:
			err := r.attemptStream(ctx)
			switch {
			case err == nil:
				state = stateCompleted
			case ctx.Err() != nil:
				failure = ctx.Err()
				state = stateFailed
			case r.relayed > 0:
				r.emitEvent(domain.ChatEvent{Err: err})
				failure = domain.ErrUpstreamUnavailable(
					fmt.Sprintf("stream truncated: %v", err))
				state = stateFailed
			default:
				r.f.logger.Debug("stream attempt failed before first byte, falling back",
					"model", r.target.Model, "error", err)
				state = stateFallback
			}

		case stateFallback:
			r.fellBack = true
			resp, err := r.f.Complete(ctx, r.target, r.req)
			if err != nil {
				failure = domain.ErrUpstreamUnavailable(fmt.Sprintf(
					"streaming and fallback attempts both failed: %v", err))
				state = stateFailed
				continue
			}
			r.synthesize(resp)
			state = stateCompleted

		case stateCompleted:
			return r.finalize(), nil

		case stateFailed:
			return r.finalize(), failure
		}
	}
}

// attemptStream performs the streaming upstream call and relays its chunks.
// It returns nil only when the stream ended cleanly.
func (r *relay) attemptStream(ctx context.Context) error {
	payload := chatCompletionRequest{
		Model:         r.target.Model,
		Messages:      r.req.Messages,
		MaxTokens:     r.req.MaxTokens,
		Temperature:   r.req.Temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	resp, err := r.f.post(ctx, r.target, payload, r.req.UserAgent)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return upstreamFailure(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Large chunks exceed the default scanner buffer
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("failed to unmarshal chunk: %w", err)
		}
		r.relayChunk(&chunk)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read error: %w", err)
	}
	// Upstream closed the body without a [DONE] sentinel; everything it sent
	// was relayed, so treat it as a clean end.
	return nil
}

// relayChunk converts one upstream chunk into relay events.
func (r *relay) relayChunk(chunk *chatCompletionChunk) {
	if chunk.Usage != nil {
		u := *chunk.Usage
		r.usage = &u
	}

	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			u := *chunk.Usage
			r.emitEvent(domain.ChatEvent{Usage: &u})
		}
		return
	}

	for i, choice := range chunk.Choices {
		ev := domain.ChatEvent{
			Role:         choice.Delta.Role,
			ContentDelta: choice.Delta.Content,
		}
		if choice.FinishReason != nil {
			ev.FinishReason = *choice.FinishReason
		}
		if chunk.Usage != nil && i == len(chunk.Choices)-1 {
			u := *chunk.Usage
			ev.Usage = &u
		}
		r.emitEvent(ev)
	}
}

// synthesize emits a completed response as if it had streamed, used after
// the fallback call succeeds.
func (r *relay) synthesize(resp *domain.ChatResponse) {
	if resp.Usage.TotalTokens > 0 || resp.Usage.Estimated {
		u := resp.Usage
		r.usage = &u
	}

	if len(resp.Choices) == 0 {
		if r.usage != nil {
			r.emitEvent(domain.ChatEvent{Usage: r.usage})
		}
		return
	}

	choice := resp.Choices[0]
	r.emitEvent(domain.ChatEvent{
		Role:         choice.Message.Role,
		ContentDelta: choice.Message.Content,
	})

	final := domain.ChatEvent{FinishReason: choice.FinishReason}
	if r.usage != nil {
		u := *r.usage
		final.Usage = &u
	}
	r.emitEvent(final)
}

func (r *relay) emitEvent(ev domain.ChatEvent) {
	if ev.ContentDelta != "" {
		if r.firstTokenAt == 0 {
			r.firstTokenAt = time.Since(r.start)
		}
		r.fullText.WriteString(ev.ContentDelta)
	}
	r.relayed++
	r.emit(ev)
}

func (r *relay) finalize() Result {
	res := Result{
		FirstTokenAt: r.firstTokenAt,
		FellBack:     r.fellBack,
	}
	if r.usage != nil {
		res.Usage = *r.usage
	} else {
		res.Usage = r.f.estimateUsage(r.target.Model, r.req.Messages, r.fullText.String())
	}
	return res
}

// estimateUsage derives best-effort token counts when the provider did not
// report them.
func (f *Forwarder) estimateUsage(model string, messages []domain.Message, completion string) domain.Usage {
	usage := domain.Usage{Estimated: true}

	if prompt, err := f.tokens.CountMessages(model, messages); err == nil {
		usage.PromptTokens = prompt.Tokens
	} else {
		f.logger.Warn("prompt token estimate failed", "model", model, "error", err)
	}
	if completion != "" {
		if c, err := f.tokens.CountText(model, completion); err == nil {
			usage.CompletionTokens = c.Tokens
		} else {
			f.logger.Warn("completion token estimate failed", "model", model, "error", err)
		}
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}

func (f *Forwarder) post(ctx context.Context, target Target, payload chatCompletionRequest, userAgent string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		target.completionURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	httpReq.Header.Set("User-Agent", userAgent)
	target.applyAuth(httpReq)

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}
