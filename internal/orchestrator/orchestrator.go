// Package orchestrator brings up the local LLM stack in order: dependencies,
// Ollama, the API server and the dashboard. Any failing step tears down what
// was already started.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voolyvex/Local-LLM/internal/api"
	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/logger"
	"github.com/voolyvex/Local-LLM/internal/metrics"
	"github.com/voolyvex/Local-LLM/internal/ollama"
	"github.com/voolyvex/Local-LLM/internal/ollamaenv"
	"github.com/voolyvex/Local-LLM/internal/ports"
	"github.com/voolyvex/Local-LLM/internal/proc"
	"github.com/voolyvex/Local-LLM/internal/ui"
)

var (
	// ErrStepFailed wraps the error of the step that aborted Initialize.
	ErrStepFailed = errors.New("initialization step failed")
	// ErrOllamaMissing means no Ollama server answers and no binary was found.
	ErrOllamaMissing = errors.New("ollama is not installed")
	// ErrUnhealthy means a component never passed its health check.
	ErrUnhealthy = errors.New("component did not become healthy")
	// ErrEmptyResponse means the model smoke test produced no text.
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// Orchestrator owns the lifecycle of every locallm component.
type Orchestrator struct {
	opts    Options
	log     *logger.Logger
	ollama  *ollama.Client
	metrics *metrics.Collector
	health  *http.Client

	mu         sync.Mutex
	cfg        *config.Config
	ollamaPath string
	ollamaProc *proc.Process // nil unless locallm started Ollama
	api        *service
	ui         *service
}

// New prepares an orchestrator for cfg. Nothing starts until Initialize.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	opts = opts.withDefaults()
	cfg = cfg.Clone()
	ep, err := cfg.Endpoint(config.ServiceOllama)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		opts:    opts,
		log:     opts.Log,
		ollama:  ollama.NewClient(ep.URL()),
		metrics: metrics.NewCollector(opts.Prom),
		health:  &http.Client{Timeout: 2 * time.Second},
		cfg:     cfg,
	}, nil
}

// Config returns a copy of the effective config, including any fallback
// ports chosen during startup.
func (o *Orchestrator) Config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Clone()
}

type step struct {
	name  string
	title string
	run   func(ctx context.Context, progress func(string)) error
}

// Initialize runs every step in order. On failure it cleans up and returns an
// error wrapping ErrStepFailed.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	steps := []step{
		{"Dependencies", "Checking dependencies", o.ensureDependencies},
		{"Ollama", "Checking Ollama", o.ensureOllama},
		{"API Server", "Starting API server", o.ensureAPIServer},
		{"UI Server", "Starting dashboard", o.ensureUIServer},
	}
	for _, st := range steps {
		err := o.opts.Reporter.Run(st.title, func(progress func(string)) error {
			return st.run(ctx, progress)
		})
		if err != nil {
			o.log.Error(st.name+" initialization failed", "err", err)
			stepErr := fmt.Errorf("%w: %s: %w", ErrStepFailed, st.name, err)
			return errors.Join(stepErr, o.Cleanup(context.Background()))
		}
	}
	o.log.Info("system is ready", "dashboard", o.dashboardURL())
	return nil
}

// EnsureDependencies checks that Ollama can be run.
func (o *Orchestrator) EnsureDependencies(ctx context.Context) error {
	return o.ensureDependencies(ctx, func(string) {})
}

// EnsureOllama makes sure an Ollama server answers and can generate with the
// default model.
func (o *Orchestrator) EnsureOllama(ctx context.Context) error {
	return o.ensureOllama(ctx, func(string) {})
}

// EnsureAPIServer starts the API server on its configured or a fallback port.
func (o *Orchestrator) EnsureAPIServer(ctx context.Context) error {
	return o.ensureAPIServer(ctx, func(string) {})
}

// EnsureUIServer starts the dashboard and opens it when configured to.
func (o *Orchestrator) EnsureUIServer(ctx context.Context) error {
	return o.ensureUIServer(ctx, func(string) {})
}

func (o *Orchestrator) ensureDependencies(ctx context.Context, progress func(string)) error {
	if v, err := o.ollama.Version(ctx); err == nil {
		o.log.Info("ollama server already running; binary check skipped", "version", v)
		return nil
	}
	progress("looking for " + o.opts.OllamaBinary)
	path, err := o.opts.LookPath(o.opts.OllamaBinary)
	if err != nil {
		return fmt.Errorf("%w: %s not found on PATH: %w", ErrOllamaMissing, o.opts.OllamaBinary, err)
	}
	o.mu.Lock()
	o.ollamaPath = path
	o.mu.Unlock()
	versionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if v, err := proc.Output(versionCtx, path, "--version"); err == nil {
		o.log.Info("dependencies verified", "ollama", path, "version", v)
	} else {
		o.log.Warn("ollama version unknown", "ollama", path, "err", err)
	}
	return nil
}

func (o *Orchestrator) ensureOllama(ctx context.Context, progress func(string)) error {
	if err := o.ollama.Health(ctx); err == nil {
		o.log.Info("using existing ollama server", "url", o.ollama.BaseURL)
	} else if err := o.startOllama(ctx, progress); err != nil {
		return err
	}
	o.setUp(config.ServiceOllama, true)

	cfg := o.Config()
	model := cfg.DefaultModel
	has, err := o.ollama.HasModel(ctx, model)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if !has {
		o.log.Info("pulling default model", "model", model)
		err := o.ollama.EnsureModel(ctx, model, func(st ollama.PullStatus) {
			if st.Total > 0 {
				progress(fmt.Sprintf("pulling %s: %d/%d MB", model, st.Completed/1e6, st.Total/1e6))
			} else {
				progress(st.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pull %s: %w", model, err)
		}
	}

	progress("testing " + model)
	out, err := o.ollama.Generate(ctx, ollama.GenerateRequest{
		Model:   model,
		Prompt:  o.opts.SmokePrompt,
		Options: &ollama.Options{NumPredict: o.opts.SmokeMaxTokens},
	})
	if err != nil {
		return fmt.Errorf("model test: %w", err)
	}
	if out == "" {
		return fmt.Errorf("model test: %w", ErrEmptyResponse)
	}
	o.log.Info("ollama verified", "model", model)
	return nil
}

func (o *Orchestrator) startOllama(ctx context.Context, progress func(string)) error {
	o.mu.Lock()
	path := o.ollamaPath
	cfg := o.cfg
	o.mu.Unlock()
	if path == "" {
		var err error
		if path, err = o.opts.LookPath(o.opts.OllamaBinary); err != nil {
			return fmt.Errorf("%w: %w", ErrOllamaMissing, err)
		}
	}

	env, err := ollamaenv.FromConfig(cfg)
	if err != nil {
		return err
	}
	env.FlashAttention = o.opts.OllamaFlashAttention
	env.NumParallel = o.opts.OllamaNumParallel
	if err := ollamaenv.Write(o.opts.OllamaEnvDir, env); err != nil {
		o.log.Warn("write ollama env file", "dir", o.opts.OllamaEnvDir, "err", err)
	}

	p := proc.New("ollama", path, "serve")
	p.Env = env.Merge(os.Environ())
	p.Log = o.log
	progress("starting ollama serve")
	if err := p.Start(); err != nil {
		return err
	}
	o.mu.Lock()
	o.ollamaProc = p
	o.mu.Unlock()

	ok := o.poll(ctx, o.opts.OllamaPoll, p.Running, func(ctx context.Context) bool {
		return o.ollama.Health(ctx) == nil
	}, progress)
	if !ok {
		return fmt.Errorf("ollama serve: %w", ErrUnhealthy)
	}
	o.log.Info("ollama server started", "pid", p.Pid())
	return nil
}

func (o *Orchestrator) ensureAPIServer(ctx context.Context, progress func(string)) error {
	port, err := o.choosePort(ctx, config.ServiceAPI, o.opts.APIFallbacks)
	if err != nil {
		return err
	}
	cfg := o.Config()
	ep, _ := cfg.Endpoint(config.ServiceAPI)

	srv := api.NewServer(api.Options{
		Config:  cfg,
		Ollama:  o.ollama,
		Metrics: o.metrics,
		History: o.opts.History,
		Log:     o.log.With("api"),
		Version: o.opts.Version,
	})
	svc, err := o.startWithRetry(ctx, config.ServiceAPI, ep.Host, port, srv.Serve,
		ep.URL()+"/health", o.opts.APIPoll, progress)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.api = svc
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) ensureUIServer(ctx context.Context, progress func(string)) error {
	port, err := o.choosePort(ctx, config.ServiceUI, o.opts.UIFallbacks)
	if err != nil {
		return err
	}
	cfg := o.Config()
	ep, _ := cfg.Endpoint(config.ServiceUI)
	backend, err := cfg.Endpoint(config.ServiceAPI)
	if err != nil {
		return err
	}

	srv, err := ui.NewServer(ui.Options{
		Backend: backend.URL(),
		Prom:    o.opts.Prom,
		Log:     o.log.With("ui"),
	})
	if err != nil {
		return err
	}
	svc, err := o.startWithRetry(ctx, config.ServiceUI, ep.Host, port, srv.Serve,
		ep.URL()+"/healthz", o.opts.UIPoll, progress)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.ui = svc
	o.mu.Unlock()

	if cfg.AutoOpenBrowser {
		url := "http://localhost:" + strconv.Itoa(port)
		if err := o.opts.OpenBrowser(url); err != nil {
			o.log.Warn("could not open browser", "url", url, "err", err)
		}
	}
	return nil
}

// choosePort finds a free port for service and persists it when it differs
// from the configured one.
func (o *Orchestrator) choosePort(ctx context.Context, service string, fallbacks []int) (int, error) {
	cfg := o.Config()
	ep, err := cfg.Endpoint(service)
	if err != nil {
		return 0, err
	}
	port, err := ports.Pick(ctx, ep.Host, ep.Port, fallbacks, o.opts.PortProbe)
	if err != nil {
		return 0, fmt.Errorf("%s port %d: %w", service, ep.Port, err)
	}
	if port == ep.Port {
		return port, nil
	}

	o.log.Warn("configured port unavailable, using fallback", "service", service, "configured", ep.Port, "port", port)
	o.mu.Lock()
	o.cfg.SetPort(service, port)
	o.mu.Unlock()
	o.savePort(service, port)
	return port, nil
}

// savePort writes the fallback port into the settings file on disk. Only the
// port changes: environment and flag overrides in the effective config stay
// out of the file.
func (o *Orchestrator) savePort(service string, port int) {
	path := o.opts.ConfigPath
	if path == "" {
		return
	}
	onDisk, err := config.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		onDisk, err = config.Default(), nil
	}
	if err != nil {
		o.log.Error("failed to read configuration, fallback port not saved", "path", path, "err", err)
		return
	}
	onDisk.SetPort(service, port)
	if err := config.Save(path, onDisk); err != nil {
		o.log.Error("failed to save configuration", "path", path, "err", err)
		return
	}
	o.log.Info("configuration updated and saved", "path", path, "service", service, "port", port)
}

// startWithRetry binds host:port, serves and waits for healthURL. A server
// that never turns healthy is stopped and restarted up to StartAttempts times.
func (o *Orchestrator) startWithRetry(ctx context.Context, name, host string, port int,
	serve func(context.Context, net.Listener) error, healthURL string, poll Poll, progress func(string)) (*service, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lastErr error
	for attempt := 1; attempt <= o.opts.StartAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, o.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
		progress(fmt.Sprintf("attempt %d/%d on %s", attempt, o.opts.StartAttempts, addr))

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = fmt.Errorf("listen %s: %w", addr, err)
			o.log.Warn("listen failed", "service", name, "addr", addr, "attempt", attempt, "err", err)
			continue
		}
		svc := startService(name, ln, serve)
		healthy := o.poll(ctx, poll, svc.running, func(ctx context.Context) bool {
			return o.probe(ctx, healthURL)
		}, func(string) {})
		if healthy {
			o.setUp(name, true)
			o.log.Info("server healthy", "service", name, "addr", addr)
			return svc, nil
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout)
		err = svc.stop(stopCtx)
		cancel()
		lastErr = fmt.Errorf("%s on %s: %w", name, addr, ErrUnhealthy)
		if err != nil {
			lastErr = errors.Join(lastErr, err)
		}
		o.log.Warn("server not healthy, retrying", "service", name, "attempt", attempt)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// poll runs check up to p.Attempts times, p.Delay apart. It stops early when
// alive reports the component died.
func (o *Orchestrator) poll(ctx context.Context, p Poll, alive func() bool, check func(context.Context) bool, progress func(string)) bool {
	for i := 1; i <= p.Attempts; i++ {
		if check(ctx) {
			return true
		}
		if !alive() {
			return false
		}
		progress(fmt.Sprintf("waiting for health %d/%d", i, p.Attempts))
		if i < p.Attempts {
			if err := sleep(ctx, p.Delay); err != nil {
				return false
			}
		}
	}
	return false
}

func (o *Orchestrator) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := o.health.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (o *Orchestrator) setUp(component string, up bool) {
	if o.opts.Prom != nil {
		o.opts.Prom.SetUp(component, up)
	}
}

func (o *Orchestrator) dashboardURL() string {
	ep, err := o.Config().Endpoint(config.ServiceUI)
	if err != nil {
		return ""
	}
	return "http://localhost:" + strconv.Itoa(ep.Port)
}

// Cleanup stops components in reverse start order: dashboard, API, then
// Ollama when locallm started it. Every component is attempted; errors are
// joined.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	o.mu.Lock()
	uiSvc, apiSvc, ollamaProc := o.ui, o.api, o.ollamaProc
	o.ui, o.api, o.ollamaProc = nil, nil, nil
	o.mu.Unlock()

	var errs []error
	stop := func(name string, fn func(context.Context) error) {
		stopCtx, cancel := context.WithTimeout(ctx, o.opts.StopTimeout)
		defer cancel()
		if err := fn(stopCtx); err != nil {
			o.log.Error("failed to stop "+name, "err", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		} else {
			o.log.Info("stopped " + name)
		}
		o.setUp(name, false)
	}

	if uiSvc != nil {
		stop(config.ServiceUI, uiSvc.stop)
	}
	if apiSvc != nil {
		stop(config.ServiceAPI, apiSvc.stop)
	}
	if ollamaProc != nil {
		stop(config.ServiceOllama, ollamaProc.Stop)
	}
	return errors.Join(errs...)
}

// Run initializes the stack, supervises it until ctx is cancelled or a
// component dies, then cleans up.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Initialize(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	apiSvc, uiSvc, ollamaProc := o.api, o.ui, o.ollamaProc
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range []*service{apiSvc, uiSvc} {
		g.Go(func() error { return svc.watch(gctx) })
	}
	if ollamaProc != nil {
		g.Go(func() error {
			select {
			case <-ollamaProc.Exited():
				return fmt.Errorf("ollama exited: %v", ollamaProc.Err())
			case <-gctx.Done():
				return nil
			}
		})
	}
	runErr := g.Wait()
	if runErr != nil {
		o.log.Critical("component failed, shutting down", "err", runErr)
	} else {
		o.log.Info("shutting down")
	}
	return errors.Join(runErr, o.Cleanup(context.Background()))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
