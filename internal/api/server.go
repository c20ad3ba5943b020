// Package api provides the locallm backend HTTP server in front of Ollama.
//
// Routes:
//
//	GET    /health                → Health check (also pings Ollama)
//	GET    /api/info              → Server info (host, Ollama version, models)
//	GET    /api/config            → Default model, model profiles, endpoints
//	GET    /api/metrics           → JSON metrics snapshot (or SSE stream)
//	GET    /metrics               → Prometheus exposition
//	GET    /api/models            → Installed Ollama models
//	POST   /api/pull              → Pull a model, progress as SSE
//	DELETE /api/models/{name}     → Delete a model
//	GET    /api/history           → Recent exchanges
//	GET    /v1/models             → OpenAI-compatible model list
//	POST   /v1/chat/completions   → OpenAI-compatible chat (streaming + non-streaming)
//	POST   /v1/completions        → OpenAI-compatible text completion
package api

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/httpx"
	"github.com/voolyvex/Local-LLM/internal/logger"
	"github.com/voolyvex/Local-LLM/internal/metrics"
	"github.com/voolyvex/Local-LLM/internal/ollama"
	"github.com/voolyvex/Local-LLM/internal/store"
	"github.com/voolyvex/Local-LLM/internal/sysinfo"
)

// maxRequestBodyBytes caps incoming JSON request bodies at 10 MB.
const maxRequestBodyBytes = 10 * 1024 * 1024

// validModelName matches Ollama model identifiers: name or name:tag.
// Examples: "mistral", "llama3.2:latest", "qwen2.5-coder:7b-instruct-q4_K_M"
var validModelName = regexp.MustCompile(`^[a-zA-Z0-9._/-]+(:[a-zA-Z0-9._-]+)?$`)

// History records exchanges. *store.SQLiteStore satisfies it.
type History interface {
	Append(ctx context.Context, ex store.Exchange) (store.Exchange, error)
	Recent(ctx context.Context, limit int) ([]store.Exchange, error)
}

// Options configure a Server. Config and Ollama are required.
type Options struct {
	Config  *config.Config
	Ollama  *ollama.Client
	Metrics *metrics.Collector
	History History // nil disables history
	Log     *logger.Logger
	Version string
}

// Server is the locallm API server.
type Server struct {
	cfg     *config.Config
	ollama  *ollama.Client
	metrics *metrics.Collector
	history History
	log     *logger.Logger
	version string
	host    sysinfo.Info
	mux     *http.ServeMux
	started time.Time
}

// NewServer creates a Server with all routes registered. The config is
// copied; later changes to the caller's value are not seen.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config.Clone(),
		ollama:  opts.Ollama,
		metrics: opts.Metrics,
		history: opts.History,
		log:     opts.Log,
		version: opts.Version,
		host:    sysinfo.Detect(),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector(nil)
	}
	if s.log == nil {
		s.log = logger.Log.With("api")
	}
	if s.version == "" {
		s.version = "dev"
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/info", s.handleInfo)
	s.mux.HandleFunc("GET /api/config", s.handleConfig)
	s.mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	if p := s.metrics.Prom(); p != nil {
		s.mux.Handle("GET /metrics", p.Handler())
	}

	// Model management
	s.mux.HandleFunc("GET /api/models", s.handleAPIModels)
	s.mux.HandleFunc("POST /api/pull", s.handlePull)
	s.mux.HandleFunc("DELETE /api/models/{name...}", s.handleDeleteModel)

	s.mux.HandleFunc("GET /api/history", s.handleHistory)

	// OpenAI-compatible endpoints
	s.mux.HandleFunc("GET /v1/models", s.handleV1Models)
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChat)
	s.mux.HandleFunc("POST /v1/completions", s.handleCompletion)
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return httpx.Middleware("api", s.log, s.metrics.Prom(), s.mux)
}

// Serve answers on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("api server listening", "addr", ln.Addr().String())
	return httpx.Serve(ctx, ln, s.Handler())
}
