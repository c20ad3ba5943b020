package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voolyvex/Local-LLM/internal/httpx"
	"github.com/voolyvex/Local-LLM/internal/ollama"
)

// handleAPIModels returns the locally installed Ollama models.
func (s *Server) handleAPIModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.ollama.ListModels(r.Context())
	if err != nil {
		http.Error(w, "ollama error: "+err.Error(), http.StatusBadGateway)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, models)
}

// handlePull pulls a model through Ollama and streams progress as SSE.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "missing model name", http.StatusBadRequest)
		return
	}
	if !validModelName.MatchString(req.Name) {
		http.Error(w, "invalid model name", http.StatusBadRequest)
		return
	}

	sse, ok := httpx.NewSSE(w)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	s.log.Info("pulling model", "model", req.Name)

	ch, errCh := s.ollama.PullStream(r.Context(), req.Name)
	for status := range ch {
		sse.Send(status)
	}
	if err := <-errCh; err != nil {
		s.log.Warn("pull failed", "model", req.Name, "err", err)
		sse.Error(err)
	}
}

// handleDeleteModel handles DELETE /api/models/{name}.
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "missing model name", http.StatusBadRequest)
		return
	}
	if !validModelName.MatchString(name) {
		http.Error(w, "invalid model name", http.StatusBadRequest)
		return
	}
	if err := s.ollama.DeleteModel(r.Context(), name); err != nil {
		if errors.Is(err, ollama.ErrModelNotFound) {
			http.Error(w, "model not found: "+name, http.StatusNotFound)
			return
		}
		http.Error(w, "ollama error: "+err.Error(), http.StatusBadGateway)
		return
	}
	s.log.Info("deleted model", "model", name)
	w.WriteHeader(http.StatusNoContent)
}

// handleV1Models returns the model list in OpenAI format.
func (s *Server) handleV1Models(w http.ResponseWriter, r *http.Request) {
	models, err := s.ollama.ListModels(r.Context())
	if err != nil {
		http.Error(w, "ollama error: "+err.Error(), http.StatusBadGateway)
		return
	}
	items := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		items = append(items, map[string]interface{}{
			"id":       m.Name,
			"object":   "model",
			"created":  m.ModifiedAt.Unix(),
			"owned_by": "ollama",
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": items})
}
