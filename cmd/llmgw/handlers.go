package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	llmgateway "github.com/ferro-labs/llm-gateway"
	"github.com/ferro-labs/llm-gateway/internal/logging"
	"github.com/ferro-labs/llm-gateway/models"
	"github.com/ferro-labs/llm-gateway/providers"
)

// providerHeader pins a request to one provider when the body does not.
const providerHeader = "X-Provider"

type chatCompletionRequest struct {
	providers.Request
	Provider string `json:"provider,omitempty"`
}

type embeddingRequest struct {
	providers.EmbeddingRequest
	Provider string `json:"provider,omitempty"`
}

// modelObject is the OpenAI-style entry of GET /v1/models.
type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	models.Model
}

func pinnedProvider(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get(providerHeader)
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": len(s.gw.GetActiveProviders()),
	})
}

func (s *server) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	params := llmgateway.ChatCompletionParams{
		Provider: pinnedProvider(r, req.Provider),
		Model:    req.Model,
		Messages: req.Messages,
		Options:  req.Options,
		Stream:   req.Stream,
	}

	if !req.Stream {
		resp, err := s.gw.CreateChatCompletion(r.Context(), params)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("X-Gateway-Provider", resp.Provider)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sse := newSSEWriter(w)
	params.OnChunk = sse.send
	_, err := s.gw.CreateChatCompletion(r.Context(), params)
	switch {
	case err != nil && !sse.started:
		s.writeError(w, r, err)
	case err == nil:
		sse.done()
	}
}

func (s *server) embeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
		return
	}
	resp, err := s.gw.CreateEmbedding(r.Context(), llmgateway.EmbeddingParams{
		Provider: pinnedProvider(r, req.Provider),
		Model:    req.Model,
		Input:    req.Input,
		User:     req.User,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Gateway-Provider", resp.Provider)
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) listModels(w http.ResponseWriter, r *http.Request) {
	list := s.gw.GetActiveModels(r.URL.Query().Get("provider"))
	data := make([]modelObject, 0, len(list))
	for _, m := range list {
		data = append(data, modelObject{ID: m.ModelID, Object: "model", OwnedBy: m.ProviderID, Model: m})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *server) listProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": s.gw.GetActiveProviders()})
}

func (s *server) providerHealth(w http.ResponseWriter, r *http.Request) {
	results := s.gw.TestAllConnections(r.Context())
	status := http.StatusOK
	for _, ok := range results {
		if !ok {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, map[string]any{"data": results})
}

func (s *server) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := s.gw.GetRateLimitStatus(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":  name,
		"limit":     st.Limit,
		"remaining": st.Remaining,
		"reset_at":  st.ResetAt,
	})
}

func (s *server) syncModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	list, err := s.gw.SyncProviderModels(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": name, "object": "list", "data": list})
}

// writeError maps a gateway error onto an OpenAI-compatible error response.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := llmgateway.StatusCode(err)
	errType := "server_error"
	switch {
	case status == http.StatusBadRequest:
		errType = "invalid_request_error"
	case status == http.StatusTooManyRequests:
		errType = "rate_limit_error"
		var rle *llmgateway.RateLimitError
		if errors.As(err, &rle) {
			secs := int(rle.RetryAfter(time.Now()) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	case status == llmgateway.StatusClientClosedRequest:
		return
	case status >= 500:
		logging.With(r.Context(), s.log).Debug("request error", "status", status, "error", err.Error())
	}
	writeOpenAIError(w, status, err.Error(), errType)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOpenAIError writes an OpenAI-compatible JSON error response.
func writeOpenAIError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

// sseWriter forwards stream chunks as server-sent events. Headers are only
// written with the first chunk, so a failure before any output can still be
// reported as a normal JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	created int64
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f, created: time.Now().Unix()}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) event(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) send(chunk providers.StreamChunk) error {
	s.start()
	if chunk.Error != nil {
		data, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"message": chunk.Error.Error(),
				"type":    "stream_error",
				"code":    llmgateway.StatusCode(chunk.Error),
			},
		})
		return s.event(data)
	}
	if chunk.Object == "" {
		chunk.Object = "chat.completion.chunk"
	}
	if chunk.Created == 0 {
		chunk.Created = s.created
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.event(data)
}

func (s *sseWriter) done() {
	s.start()
	_ = s.event([]byte(providers.SSEDone))
}
