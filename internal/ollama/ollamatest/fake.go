// Package ollamatest provides an in-process fake of the Ollama HTTP API for
// tests.
package ollamatest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/voolyvex/Local-LLM/internal/ollama"
)

// Fake is an httptest server speaking enough of the Ollama API for locallm.
type Fake struct {
	*httptest.Server

	mu        sync.Mutex
	models    []string
	reply     string
	fail      int
	pulls     []string
	chats     []ollama.ChatRequest
	generates []ollama.GenerateRequest
	deleted   []string
}

// New starts a fake with the given models installed. Replies default to
// "Hello there friend".
func New(models ...string) *Fake {
	f := &Fake{models: models, reply: "Hello there friend"}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", f.handleVersion)
	mux.HandleFunc("/api/tags", f.handleTags)
	mux.HandleFunc("/api/pull", f.handlePull)
	mux.HandleFunc("/api/chat", f.handleChat)
	mux.HandleFunc("/api/generate", f.handleGenerate)
	mux.HandleFunc("/api/delete", f.handleDelete)
	f.Server = httptest.NewServer(mux)
	return f
}

// FailInference makes chat and generate answer with status code. Zero
// restores normal replies.
func (f *Fake) FailInference(code int) {
	f.mu.Lock()
	f.fail = code
	f.mu.Unlock()
}

func (f *Fake) failing(w http.ResponseWriter) bool {
	f.mu.Lock()
	code := f.fail
	f.mu.Unlock()
	if code == 0 {
		return false
	}
	http.Error(w, `{"error":"inference failed"}`, code)
	return true
}

// SetReply changes the text streamed back by chat and generate.
func (f *Fake) SetReply(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = s
}

// Pulls returns the model names pulled so far.
func (f *Fake) Pulls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulls...)
}

// Chats returns every chat request received.
func (f *Fake) Chats() []ollama.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ollama.ChatRequest(nil), f.chats...)
}

// Generates returns every generate request received.
func (f *Fake) Generates() []ollama.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ollama.GenerateRequest(nil), f.generates...)
}

// Deleted returns the names of removed models.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *Fake) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": "0.5.7"})
}

func (f *Fake) handleTags(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	models := make([]map[string]any, 0, len(f.models))
	for _, m := range f.models {
		models = append(models, map[string]any{"name": m, "size": 4_000_000_000})
	}
	writeJSON(w, map[string]any{"models": models})
}

func (f *Fake) handlePull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.pulls = append(f.pulls, req.Name)
	f.models = append(f.models, ollama.NormalizeName(req.Name))
	f.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.Encode(ollama.PullStatus{Status: "pulling manifest"})
	enc.Encode(ollama.PullStatus{Status: "downloading", Total: 100, Completed: 50})
	enc.Encode(ollama.PullStatus{Status: "downloading", Total: 100, Completed: 100})
	enc.Encode(ollama.PullStatus{Status: "success"})
}

func (f *Fake) words() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.SplitAfter(f.reply, " ")
}

func (f *Fake) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ollama.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.chats = append(f.chats, req)
	f.mu.Unlock()
	if f.failing(w) {
		return
	}

	enc := json.NewEncoder(w)
	for _, word := range f.words() {
		enc.Encode(ollama.ChatChunk{Model: req.Model, Message: ollama.Message{Role: "assistant", Content: word}})
	}
	enc.Encode(ollama.ChatChunk{Model: req.Model, Done: true, EvalCount: len(f.words())})
}

func (f *Fake) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req ollama.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.generates = append(f.generates, req)
	f.mu.Unlock()
	if f.failing(w) {
		return
	}

	enc := json.NewEncoder(w)
	for _, word := range f.words() {
		enc.Encode(ollama.GenerateChunk{Model: req.Model, Response: word})
	}
	enc.Encode(ollama.GenerateChunk{Model: req.Model, Done: true})
}

func (f *Fake) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.models {
		if ollama.NormalizeName(m) == ollama.NormalizeName(req.Name) {
			f.models = append(f.models[:i], f.models[i+1:]...)
			f.deleted = append(f.deleted, req.Name)
			return
		}
	}
	http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
