package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/metrics"
	"github.com/voolyvex/Local-LLM/internal/ollama"
	"github.com/voolyvex/Local-LLM/internal/ollama/ollamatest"
	"github.com/voolyvex/Local-LLM/internal/store"
)

type fixture struct {
	fake    *ollamatest.Fake
	srv     *httptest.Server
	metrics *metrics.Collector
	history *store.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := ollamatest.New("mistral:latest", "llama3.2:latest")
	t.Cleanup(fake.Close)

	hist, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	cfg := config.Default()
	cfg.Models["llama3.2"] = config.ModelProfile{Temp: 0.3, MaxTokens: 512, ContextWindow: 4096}

	mc := metrics.NewCollector(metrics.NewProm())
	s := NewServer(Options{
		Config:  cfg,
		Ollama:  ollama.NewClient(fake.URL),
		Metrics: mc,
		History: hist,
		Version: "test",
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{fake: fake, srv: srv, metrics: mc, history: hist}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var h HealthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &h))
	assert.Equal(t, HealthResponse{Status: "ok", OllamaOK: true, OllamaVersion: "0.5.7"}, h)
}

func TestHealthOllamaDown(t *testing.T) {
	f := newFixture(t)
	f.fake.Close()
	resp, body := f.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","ollama_ok":false}`, body)
}

func TestConfigEndpoint(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, "GET", "/api/config", "")
	var c ConfigResponse
	require.NoError(t, json.Unmarshal([]byte(body), &c))
	assert.Equal(t, "mistral", c.DefaultModel)
	assert.Equal(t, config.LevelInfo, c.LogLevel)
	assert.Equal(t, config.ModelProfile{Temp: 0.7, MaxTokens: 2048, ContextWindow: 8192}, c.Models["mistral"])
	assert.Equal(t, "http://localhost:8501", c.Endpoints[config.ServiceUI])
	assert.Equal(t, "http://localhost:11434", c.Endpoints[config.ServiceOllama])
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, "GET", "/api/info", "")
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, "test", info["version"])
	assert.Equal(t, "0.5.7", info["ollama_version"])
	assert.ElementsMatch(t, []any{"mistral:latest", "llama3.2:latest"}, info["models"])
	assert.Equal(t, true, info["history_enabled"])
	assert.Contains(t, info, "system")
}

func TestChatAppliesDefaultProfile(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "POST", "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage map[string]int `json:"usage"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "mistral", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "Hello there friend", out.Choices[0].Message.Content)
	assert.Equal(t, 3, out.Usage["completion_tokens"])

	chats := f.fake.Chats()
	require.Len(t, chats, 1)
	opts := chats[0].Options
	require.NotNil(t, opts)
	require.NotNil(t, opts.Temperature)
	assert.Equal(t, 0.7, *opts.Temperature)
	assert.Equal(t, 2048, opts.NumPredict)
	assert.Equal(t, 8192, opts.NumCtx)
}

func TestChatRequestValuesWin(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "POST", "/v1/chat/completions",
		`{"model":"llama3.2:latest","temperature":0,"max_tokens":5,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	opts := f.fake.Chats()[0].Options
	require.NotNil(t, opts.Temperature)
	assert.Equal(t, 0.0, *opts.Temperature)
	assert.Equal(t, 5, opts.NumPredict)
	assert.Equal(t, 4096, opts.NumCtx)
}

func TestChatUnknownModelHasNoProfile(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "POST", "/v1/chat/completions",
		`{"model":"phi3","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	opts := f.fake.Chats()[0].Options
	assert.Nil(t, opts.Temperature)
	assert.Zero(t, opts.NumPredict)
	assert.Zero(t, opts.NumCtx)
}

func TestChatContentParts(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "POST", "/v1/chat/completions",
		`{"messages":[{"role":"user","content":[{"type":"text","text":"one "},{"type":"image_url"},{"type":"text","text":"two"}]}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "one two", f.fake.Chats()[0].Messages[0].Content)
}

func TestChatStreamRecordsHistory(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "POST", "/v1/chat/completions",
		`{"stream":true,"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"say hello"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, `"object":"chat.completion.chunk"`)
	assert.Contains(t, body, `"content":"Hello "`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	items, err := f.history.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "chat", items[0].Kind)
	assert.Equal(t, "mistral", items[0].Model)
	assert.Equal(t, "say hello", items[0].Prompt)
	assert.Equal(t, "Hello there friend", items[0].Response)
	assert.Equal(t, int64(3), items[0].Tokens)

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(3), snap.TokensByModel["mistral"])
}

func TestChatValidation(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "POST", "/v1/chat/completions", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, "POST", "/v1/chat/completions", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, "GET", "/v1/chat/completions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestChatOllamaFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.FailInference(http.StatusInternalServerError)
	resp, _ := f.do(t, "POST", "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	assert.Equal(t, int64(1), f.metrics.Snapshot().FailedRequests)
	items, err := f.history.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCompletion(t *testing.T) {
	f := newFixture(t)
	f.fake.SetReply("forty two")
	resp, body := f.do(t, "POST", "/v1/completions", `{"model":"llama3.2","prompt":"meaning of life"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, `"text":"forty two"`)
	assert.Contains(t, body, `"object":"text_completion"`)

	gens := f.fake.Generates()
	require.Len(t, gens, 1)
	assert.Equal(t, "meaning of life", gens[0].Prompt)
	require.NotNil(t, gens[0].Options.Temperature)
	assert.Equal(t, 0.3, *gens[0].Options.Temperature)
	assert.Equal(t, 512, gens[0].Options.NumPredict)

	_, body = f.do(t, "GET", "/api/history?limit=5", "")
	var items []store.Exchange
	require.NoError(t, json.Unmarshal([]byte(body), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "completion", items[0].Kind)
	assert.Equal(t, "forty two", items[0].Response)
}

func TestCompletionStream(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "POST", "/v1/completions", `{"prompt":"hi","stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"text":"Hello "`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.Contains(t, body, "data: [DONE]")
}

func TestHistoryBadLimit(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "GET", "/api/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryDisabled(t *testing.T) {
	fake := ollamatest.New()
	defer fake.Close()
	s := NewServer(Options{Config: config.Default(), Ollama: ollama.NewClient(fake.URL)})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/history", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	// No Prometheus registry: /metrics is not routed.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModels(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, "GET", "/api/models", "")
	var models []ollama.Model
	require.NoError(t, json.Unmarshal([]byte(body), &models))
	assert.Len(t, models, 2)

	_, body = f.do(t, "GET", "/v1/models", "")
	assert.Contains(t, body, `"object":"list"`)
	assert.Contains(t, body, `"id":"mistral:latest"`)
	assert.Contains(t, body, `"owned_by":"ollama"`)
}

func TestPull(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "POST", "/api/pull", `{"name":"phi3"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"pulling manifest"`)
	assert.Contains(t, body, `"status":"success"`)
	assert.Equal(t, []string{"phi3"}, f.fake.Pulls())
}

func TestPullValidation(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "POST", "/api/pull", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, "POST", "/api/pull", `{"name":"bad name!"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteModel(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "DELETE", "/api/models/llama3.2:latest", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"llama3.2:latest"}, f.fake.Deleted())

	resp, _ = f.do(t, "DELETE", "/api/models/llama3.2:latest", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, "DELETE", "/api/models/bad%20name", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)

	_, body := f.do(t, "GET", "/api/metrics", "")
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(3), snap.TokensGenerated)

	_, body = f.do(t, "GET", "/metrics", "")
	assert.Contains(t, body, `locallm_http_requests_total{code="200",method="POST",route="POST /v1/chat/completions",server="api"} 1`)
	assert.Contains(t, body, `locallm_tokens_generated_total{model="mistral"} 3`)
}

func TestMetricsStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", f.srv.URL+"/api/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	buf := make([]byte, 6)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "data: ", string(buf))
}
