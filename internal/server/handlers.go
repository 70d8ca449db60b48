package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/gateway"
)

// streamChunk is the wire shape of one relayed SSE event.
type streamChunk struct {
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

// handleChatCompletion serves POST /v1/chat/completions, streamed or not.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		verr := domain.ErrValidation("malformed request body").WithParam("body")
		AddError(r.Context(), err)
		writeError(w, verr)
		return
	}
	req.TenantKey = tenantKeyFromContext(r.Context())
	req.ProviderToken = r.Header.Get("X-Provider-Token")
	req.UserAgent = r.Header.Get("User-Agent")

	rr, err := s.gw.Route(r.Context(), &req)
	if err != nil {
		AddError(r.Context(), err)
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	// Abandon is a no-op once the request is finished; this covers panics
	// and early returns so the admission slot cannot leak.
	defer rr.Abandon(r.Context())

	SetRateLimits(r.Context(), GetTenant(r.Context()), rr.Decision)
	AddLogField(r.Context(), "model", rr.ModelID)
	AddLogField(r.Context(), "mode", string(rr.Mode))

	if req.Stream {
		s.relayStream(w, r, rr)
		return
	}

	resp, err := rr.Complete(r.Context())
	if err != nil {
		AddError(r.Context(), err)
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}

	// Upstreams in proxy mode fill these themselves; resource-mode
	// responses get gateway identifiers.
	if resp.ID == "" {
		resp.ID = "chatcmpl-" + rr.ID
	}
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	if resp.Model == "" {
		resp.Model = rr.ModelID
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// relayStream forwards relay events to the caller as SSE chunks. Response
// headers are withheld until the first event so a relay that dies before
// producing anything can still return a proper JSON error.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, rr *gateway.RoutedRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, domain.ErrInternal("streaming not supported"))
		return
	}

	streamID := "chatcmpl-" + rr.ID
	created := time.Now().Unix()
	headersSent := false

	emit := func(payload any) {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("failed to encode stream chunk",
				"request_id", rr.ID, "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	err := rr.Stream(r.Context(), func(ev domain.ChatEvent) {
		if ev.Err != nil {
			// headers are already out by now, so the error goes in-band
			emit(errorResponse{Error: toAPIError(ev.Err)})
			return
		}

		chunk := streamChunk{
			ID:      streamID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   rr.ModelID,
			Choices: []chunkChoice{},
			Usage:   ev.Usage,
		}
		if ev.Role != "" || ev.ContentDelta != "" || ev.FinishReason != "" {
			choice := chunkChoice{Delta: chunkDelta{Role: ev.Role, Content: ev.ContentDelta}}
			if ev.FinishReason != "" {
				fr := ev.FinishReason
				choice.FinishReason = &fr
			}
			chunk.Choices = append(chunk.Choices, choice)
		}
		emit(chunk)
	})

	if err != nil {
		AddError(r.Context(), err)
		if !headersSent {
			if r.Context().Err() == nil {
				writeError(w, err)
			}
			return
		}
		// fall through: the caller saw the error event, close out the stream
	}

	if !headersSent {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleListModels serves GET /v1/models: the models of the tenant's active
// profile, or of the profile named by the query parameter.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.gw.VisibleModels(r.Context(), GetTenant(r.Context()), r.URL.Query().Get("profile"))
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

type registerProviderPayload struct {
	BaseURL     string   `json:"base_url"`
	Name        string   `json:"name"`
	Models      []string `json:"models,omitempty"`
	UpstreamKey string   `json:"upstream_key,omitempty"`
}

// handleRegisterProvider serves POST /v1/providers. The response is the only
// time the provider's access token is revealed.
func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var payload registerProviderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, domain.ErrValidation("malformed request body").WithParam("body"))
		return
	}

	prov, err := s.gw.RegisterProvider(r.Context(), payload.BaseURL, payload.Name,
		GetTenant(r.Context()), payload.Models, payload.UpstreamKey)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	AddLogField(r.Context(), "provider_id", prov.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(prov)
}

// handleUnregisterProvider serves DELETE /v1/providers/{id}.
func (s *Server) handleUnregisterProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.UnregisterProvider(chi.URLParam(r, "id"), GetTenant(r.Context())); err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type feedbackPayload struct {
	Model  string  `json:"model"`
	Metric string  `json:"metric"`
	Delta  float64 `json:"delta"`
}

// handleFeedback serves POST /v1/feedback, adjusting one model's tracked
// metric for future routing decisions.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var payload feedbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, domain.ErrValidation("malformed request body").WithParam("body"))
		return
	}
	if payload.Model == "" {
		writeError(w, domain.ErrValidation("model is required").WithParam("model"))
		return
	}

	if err := s.gw.Feedback(domain.Metric(payload.Metric), payload.Model, payload.Delta); err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.Ready(r.Context()); err != nil {
		AddError(r.Context(), err)
		writeError(w, domain.ErrInternal("gateway not ready").
			WithStatusCode(http.StatusServiceUnavailable))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}
