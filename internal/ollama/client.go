// Package ollama is a typed client for the subset of the Ollama HTTP API
// locallm drives: health, model listing/pulling/removal, chat and generate.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is where a stock `ollama serve` listens.
const DefaultBaseURL = "http://localhost:11434"

// ErrModelNotFound is returned when Ollama answers 404 for a model.
var ErrModelNotFound = errors.New("model not found")

// Client wraps the Ollama HTTP API.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL (e.g. "http://localhost:11434").
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // streaming responses can be long
		},
	}
}

// Model is a single entry from GET /api/tags.
type Model struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	Details    struct {
		Format            string `json:"format"`
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are sampling parameters forwarded to Ollama.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

// ChatRequest maps to POST /api/chat.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	Options   *Options  `json:"options,omitempty"`
	KeepAlive string    `json:"keep_alive,omitempty"`
}

// GenerateRequest maps to POST /api/generate.
type GenerateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Stream    bool     `json:"stream"`
	Options   *Options `json:"options,omitempty"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

// ChatChunk is one NDJSON line of a streaming /api/chat response.
type ChatChunk struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`
	// Set on the final chunk only.
	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// GenerateChunk is one NDJSON line of a streaming /api/generate response.
type GenerateChunk struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

// PullStatus is one progress event from POST /api/pull.
type PullStatus struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type deleteRequest struct {
	Name string `json:"name"`
}

// Version fetches the server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/api/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// Health returns nil when the server answers /api/version.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// ListModels returns all locally available models.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var resp struct {
		Models []Model `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// HasModel reports whether name is installed. A name without a tag matches
// the ":latest" tag.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := NormalizeName(name)
	for _, m := range models {
		if NormalizeName(m.Name) == want {
			return true, nil
		}
	}
	return false, nil
}

// NormalizeName appends ":latest" to untagged model names.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

// ChatStream streams a chat completion. The chunk channel is closed when the
// stream ends or ctx is cancelled; the error channel yields at most one value.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (<-chan ChatChunk, <-chan error) {
	req.Stream = true
	return stream(ctx, c, "/api/chat", req, true, func(ch ChatChunk) bool { return ch.Done })
}

// GenerateStream streams a raw completion.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan GenerateChunk, <-chan error) {
	req.Stream = true
	return stream(ctx, c, "/api/generate", req, true, func(ch GenerateChunk) bool { return ch.Done })
}

// Generate runs a completion to the end and returns the concatenated text.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	ch, errCh := c.GenerateStream(ctx, req)
	var sb strings.Builder
	for chunk := range ch {
		sb.WriteString(chunk.Response)
	}
	if err := <-errCh; err != nil {
		return "", err
	}
	return sb.String(), nil
}

// PullStream pulls a model and streams progress events. Malformed progress
// lines are skipped.
func (c *Client) PullStream(ctx context.Context, name string) (<-chan PullStatus, <-chan error) {
	return stream(ctx, c, "/api/pull", pullRequest{Name: name, Stream: true}, false, func(PullStatus) bool { return false })
}

// EnsureModel pulls name unless it is already installed. progress, when
// non-nil, receives every pull event.
func (c *Client) EnsureModel(ctx context.Context, name string, progress func(PullStatus)) error {
	ok, err := c.HasModel(ctx, name)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if ok {
		return nil
	}
	ch, errCh := c.PullStream(ctx, name)
	var pullErr error
	for st := range ch {
		if st.Error != "" && pullErr == nil {
			pullErr = fmt.Errorf("pull %s: %s", name, st.Error)
		}
		if progress != nil {
			progress(st)
		}
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("pull %s: %w", name, err)
	}
	return pullErr
}

// DeleteModel removes a model from Ollama.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	body, _ := json.Marshal(deleteRequest{Name: name})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("ollama %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	if resp.StatusCode == http.StatusNotFound {
		return errors.Join(ErrModelNotFound, err)
	}
	return err
}

// stream POSTs body to path and decodes the NDJSON response line by line.
// When strict is false undecodable lines are skipped instead of failing.
func stream[T any](ctx context.Context, c *Client, path string, body any, strict bool, last func(T) bool) (<-chan T, <-chan error) {
	ch := make(chan T)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(errCh)

		b, err := json.Marshal(body)
		if err != nil {
			errCh <- fmt.Errorf("marshal: %w", err)
			return
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
		if err != nil {
			errCh <- fmt.Errorf("request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errCh <- fmt.Errorf("do: %w", err)
			return
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			errCh <- err
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var v T
			if err := json.Unmarshal(line, &v); err != nil {
				if !strict {
					continue
				}
				errCh <- fmt.Errorf("decode chunk: %w", err)
				return
			}
			select {
			case ch <- v:
			case <-ctx.Done():
				return
			}
			if last(v) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("scan: %w", err)
		}
	}()

	return ch, errCh
}
