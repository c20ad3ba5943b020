package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/httpx"
	"github.com/voolyvex/Local-LLM/internal/store"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	OllamaOK      bool   `json:"ollama_ok"`
	OllamaVersion string `json:"ollama_version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if v, err := s.ollama.Version(r.Context()); err == nil {
		resp.OllamaOK = true
		resp.OllamaVersion = v
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	ollamaVersion := ""
	if v, err := s.ollama.Version(r.Context()); err == nil {
		ollamaVersion = v
	}

	models, _ := s.ollama.ListModels(r.Context())
	modelNames := make([]string, 0, len(models))
	for _, m := range models {
		modelNames = append(modelNames, m.Name)
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":         s.version,
		"ollama_url":      s.ollama.BaseURL,
		"ollama_version":  ollamaVersion,
		"default_model":   s.cfg.DefaultModel,
		"models":          modelNames,
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"history_enabled": s.history != nil,
		"system":          s.host,
	})
}

// ConfigResponse is the body of GET /api/config.
type ConfigResponse struct {
	DefaultModel    string                         `json:"default_model"`
	LogLevel        config.LogLevel                `json:"log_level"`
	AutoOpenBrowser bool                           `json:"auto_open_browser"`
	Models          map[string]config.ModelProfile `json:"models"`
	Endpoints       map[string]string              `json:"endpoints"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	resp := ConfigResponse{
		DefaultModel:    s.cfg.DefaultModel,
		LogLevel:        s.cfg.LogLevel,
		AutoOpenBrowser: s.cfg.AutoOpenBrowser,
		Models:          s.cfg.Models,
		Endpoints:       make(map[string]string, len(config.Services)),
	}
	for _, svc := range config.Services {
		if ep, err := s.cfg.Endpoint(svc); err == nil {
			resp.Endpoints[svc] = ep.URL()
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "text/event-stream" {
		s.streamMetrics(w, r)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) streamMetrics(w http.ResponseWriter, r *http.Request) {
	sse, ok := httpx.NewSSE(w)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if err := sse.Send(s.metrics.Snapshot()); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httpx.WriteJSON(w, http.StatusOK, []store.Exchange{})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("read history", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, items)
}
