package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voolyvex/Local-LLM/internal/httpx"
	"github.com/voolyvex/Local-LLM/internal/ollama"
	"github.com/voolyvex/Local-LLM/internal/store"
)

var errStreaming = errors.New("streaming not supported")

// reply is a finished response and the number of chunks it took.
type reply struct {
	text   string
	tokens int64
}

// sampling holds the request-supplied generation parameters. Zero values are
// treated as unset.
type sampling struct {
	Temperature *float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

// resolveModel picks the request model or falls back to the default.
func (s *Server) resolveModel(model string) string {
	if model == "" {
		return s.cfg.DefaultModel
	}
	return model
}

// buildOptions merges request parameters with the model's profile. Request
// values win; the profile fills temperature and max_tokens when missing and
// always sets the context window. A model without a profile gets the request
// values only.
func (s *Server) buildOptions(model string, p sampling) *ollama.Options {
	opts := &ollama.Options{
		Temperature: p.Temperature,
		TopP:        p.TopP,
		TopK:        p.TopK,
		NumPredict:  p.MaxTokens,
	}
	if prof, ok := s.cfg.Profile(model); ok {
		if opts.Temperature == nil {
			t := prof.Temp
			opts.Temperature = &t
		}
		if opts.NumPredict <= 0 {
			opts.NumPredict = prof.MaxTokens
		}
		opts.NumCtx = prof.ContextWindow
	}
	return opts
}

// openAIMessage accepts string content or the array-of-parts form.
type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m openAIMessage) text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// openAIChatRequest is the OpenAI /v1/chat/completions request body.
type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature"`
	TopP        float64         `json:"top_p"`
	TopK        int             `json:"top_k"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	var req openAIChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "bad request: messages is empty", http.StatusBadRequest)
		return
	}

	model := s.resolveModel(req.Model)
	msgs := make([]ollama.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.text()})
	}

	ollamaReq := ollama.ChatRequest{
		Model:    model,
		Messages: msgs,
		Options: s.buildOptions(model, sampling{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			TopK:        req.TopK,
			MaxTokens:   req.MaxTokens,
		}),
	}

	done := s.metrics.RequestStart()
	var res reply
	var err error
	start := time.Now()
	if req.Stream {
		res, err = s.streamChat(w, r, ollamaReq)
	} else {
		res, err = s.collectChat(w, r, ollamaReq)
	}
	done(err != nil)
	if err == nil {
		s.record(r.Context(), "chat", model, lastUserMessage(msgs), res, start)
	}
}

func lastUserMessage(msgs []ollama.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// streamChat forwards a streaming chat request to Ollama and re-emits it as
// OpenAI SSE chunks.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req ollama.ChatRequest) (reply, error) {
	sse, ok := httpx.NewSSE(w)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return reply{}, errStreaming
	}

	id := "chatcmpl-" + uuid.NewString()
	tr := s.metrics.Track(req.Model)
	ch, errCh := s.ollama.ChatStream(r.Context(), req)

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Message.Content != "" {
			tr.Token()
		}
		sb.WriteString(chunk.Message.Content)

		var finishReason interface{}
		if chunk.Done {
			finishReason = "stop"
		}
		sse.Send(map[string]interface{}{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"delta":         map[string]string{"role": "assistant", "content": chunk.Message.Content},
					"finish_reason": finishReason,
				},
			},
		})
	}

	err := <-errCh
	if err != nil && r.Context().Err() == nil {
		s.log.Warn("chat stream failed", "model", req.Model, "err", err)
		sse.Error(err)
	}
	sse.Done()
	if err == nil {
		err = r.Context().Err()
	}
	return reply{text: sb.String(), tokens: tr.Count()}, err
}

// collectChat waits for the full response then writes a single JSON object.
func (s *Server) collectChat(w http.ResponseWriter, r *http.Request, req ollama.ChatRequest) (reply, error) {
	tr := s.metrics.Track(req.Model)
	ch, errCh := s.ollama.ChatStream(r.Context(), req)

	var sb strings.Builder
	var promptTokens, completionTokens int
	for chunk := range ch {
		if chunk.Message.Content != "" {
			tr.Token()
		}
		sb.WriteString(chunk.Message.Content)
		if chunk.Done {
			promptTokens, completionTokens = chunk.PromptEvalCount, chunk.EvalCount
		}
	}
	if err := <-errCh; err != nil {
		s.log.Warn("chat failed", "model", req.Model, "err", err)
		http.Error(w, "ollama error: "+err.Error(), http.StatusBadGateway)
		return reply{}, err
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": sb.String()}, "finish_reason": "stop"},
		},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
	return reply{text: sb.String(), tokens: tr.Count()}, nil
}

// openAICompletionRequest is the OpenAI /v1/completions request body.
type openAICompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	TopP        float64  `json:"top_p"`
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	var req openAICompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	model := s.resolveModel(req.Model)
	ollamaReq := ollama.GenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Options: s.buildOptions(model, sampling{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		}),
	}

	done := s.metrics.RequestStart()
	var res reply
	var err error
	start := time.Now()
	if req.Stream {
		res, err = s.streamGenerate(w, r, ollamaReq)
	} else {
		res, err = s.collectGenerate(w, r, ollamaReq)
	}
	done(err != nil)
	if err == nil {
		s.record(r.Context(), "completion", model, req.Prompt, res, start)
	}
}

func (s *Server) streamGenerate(w http.ResponseWriter, r *http.Request, req ollama.GenerateRequest) (reply, error) {
	sse, ok := httpx.NewSSE(w)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return reply{}, errStreaming
	}

	id := "cmpl-" + uuid.NewString()
	tr := s.metrics.Track(req.Model)
	ch, errCh := s.ollama.GenerateStream(r.Context(), req)

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Response != "" {
			tr.Token()
		}
		sb.WriteString(chunk.Response)

		var finishReason interface{}
		if chunk.Done {
			finishReason = "stop"
		}
		sse.Send(map[string]interface{}{
			"id":      id,
			"object":  "text_completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]interface{}{
				{"text": chunk.Response, "index": 0, "finish_reason": finishReason},
			},
		})
	}

	err := <-errCh
	if err != nil && r.Context().Err() == nil {
		s.log.Warn("completion stream failed", "model", req.Model, "err", err)
		sse.Error(err)
	}
	sse.Done()
	if err == nil {
		err = r.Context().Err()
	}
	return reply{text: sb.String(), tokens: tr.Count()}, err
}

func (s *Server) collectGenerate(w http.ResponseWriter, r *http.Request, req ollama.GenerateRequest) (reply, error) {
	tr := s.metrics.Track(req.Model)
	ch, errCh := s.ollama.GenerateStream(r.Context(), req)

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Response != "" {
			tr.Token()
		}
		sb.WriteString(chunk.Response)
	}
	if err := <-errCh; err != nil {
		s.log.Warn("completion failed", "model", req.Model, "err", err)
		http.Error(w, "ollama error: "+err.Error(), http.StatusBadGateway)
		return reply{}, err
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":      "cmpl-" + uuid.NewString(),
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]interface{}{
			{"text": sb.String(), "index": 0, "finish_reason": "stop"},
		},
	})
	return reply{text: sb.String(), tokens: tr.Count()}, nil
}

// record appends a finished exchange to the history store. Failures are
// logged only; the client already has its answer.
func (s *Server) record(ctx context.Context, kind, model, prompt string, res reply, start time.Time) {
	if s.history == nil {
		return
	}
	// The request context may already be done once the stream closed.
	ctx = context.WithoutCancel(ctx)
	_, err := s.history.Append(ctx, store.Exchange{
		Kind:       kind,
		Model:      model,
		Prompt:     prompt,
		Response:   res.text,
		Tokens:     res.tokens,
		DurationMs: time.Since(start).Milliseconds(),
	})
	if err != nil {
		s.log.Error("record exchange", "kind", kind, "model", model, "err", err)
	}
}
