// Package ui serves the locallm dashboard and proxies its API calls to the
// backend server.
//
// Routes:
//
//	GET  /          → Dashboard (embedded web/static)
//	ANY  /api/*     → Backend API
//	ANY  /v1/*      → Backend OpenAI-compatible API
//	GET  /health    → Backend health
//	GET  /healthz   → Liveness of the dashboard server itself
//	GET  /readyz    → 200 when the backend answers /health, 503 otherwise
package ui

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/voolyvex/Local-LLM/internal/httpx"
	"github.com/voolyvex/Local-LLM/internal/logger"
	"github.com/voolyvex/Local-LLM/internal/metrics"
	"github.com/voolyvex/Local-LLM/web"
)

const readyTimeout = 2 * time.Second

// Options configure a Server. Backend is required.
type Options struct {
	Backend string // e.g. "http://localhost:8000"
	Assets  fs.FS  // defaults to the embedded dashboard
	Prom    *metrics.Prom
	Log     *logger.Logger
}

// Server is the dashboard server.
type Server struct {
	backend *url.URL
	assets  fs.FS
	prom    *metrics.Prom
	log     *logger.Logger
	client  *http.Client
	mux     *http.ServeMux
}

// NewServer validates the backend URL and registers the routes.
func NewServer(opts Options) (*Server, error) {
	u, err := url.Parse(opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q needs scheme and host", opts.Backend)
	}

	s := &Server{
		backend: u,
		assets:  opts.Assets,
		prom:    opts.Prom,
		log:     opts.Log,
		client:  &http.Client{Timeout: readyTimeout},
		mux:     http.NewServeMux(),
	}
	if s.assets == nil {
		s.assets = web.StaticFiles
	}
	if s.log == nil {
		s.log = logger.Log.With("ui")
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	proxy := s.newProxy()
	s.mux.Handle("/api/", proxy)
	s.mux.Handle("/v1/", proxy)
	s.mux.Handle("GET /health", proxy)

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)

	s.mux.Handle("/", http.FileServer(http.FS(s.assets)))
}

// newProxy forwards to the backend. FlushInterval -1 flushes after every
// write so SSE reaches the browser as it is produced.
func (s *Server) newProxy() http.Handler {
	p := httputil.NewSingleHostReverseProxy(s.backend)
	p.FlushInterval = -1
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Warn("backend unreachable", "path", r.URL.Path, "err", err)
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}
	return p
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.backend.JoinPath("/health").String(), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		http.Error(w, "backend not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		http.Error(w, fmt.Sprintf("backend not ready: status %d", resp.StatusCode), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready\n"))
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return httpx.Middleware("ui", s.log, s.prom, s.mux)
}

// Serve answers on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("dashboard listening", "addr", ln.Addr().String(), "backend", s.backend.String())
	return httpx.Serve(ctx, ln, s.Handler())
}
