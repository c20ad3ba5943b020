package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/httpx"
	"github.com/voolyvex/Local-LLM/internal/logger"
	"github.com/voolyvex/Local-LLM/internal/metrics"
	"github.com/voolyvex/Local-LLM/internal/ollama/ollamatest"
	"github.com/voolyvex/Local-LLM/internal/ports"
	"github.com/voolyvex/Local-LLM/internal/proc"
)

const host = "127.0.0.1"

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, ollamaURL string) *config.Config {
	t.Helper()
	u, err := url.Parse(ollamaURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Hosts[config.ServiceOllama] = u.Hostname()
	cfg.Hosts[config.ServiceAPI] = host
	cfg.Hosts[config.ServiceUI] = host
	cfg.Ports[config.ServiceOllama] = port
	cfg.Ports[config.ServiceAPI] = freePort(t)
	cfg.Ports[config.ServiceUI] = freePort(t)
	return cfg
}

type browserStub struct {
	mu   sync.Mutex
	urls []string
}

func (b *browserStub) open(u string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, u)
	return nil
}

func (b *browserStub) opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

func fastOptions(b *browserStub) Options {
	return Options{
		LookPath:     func(string) (string, error) { return "", errors.New("not installed") },
		OpenBrowser:  b.open,
		Prom:         metrics.NewProm(),
		OllamaPoll:   Poll{Attempts: 3, Delay: 10 * time.Millisecond},
		APIPoll:      Poll{Attempts: 20, Delay: 10 * time.Millisecond},
		UIPoll:       Poll{Attempts: 20, Delay: 10 * time.Millisecond},
		PortProbe:    ports.ProbeSettings{Retries: 1, Delay: time.Millisecond},
		StopTimeout:  2 * time.Second,
		APIFallbacks: []int{},
		UIFallbacks:  []int{},
	}
}

func TestInitializeAndCleanup(t *testing.T) {
	fake := ollamatest.New("mistral:latest")
	defer fake.Close()
	cfg := testConfig(t, fake.URL)
	b := &browserStub{}
	opts := fastOptions(b)

	o, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, o.Initialize(context.Background()))

	apiPort := cfg.Ports[config.ServiceAPI]
	uiPort := cfg.Ports[config.ServiceUI]

	resp, err := http.Get("http://" + net.JoinHostPort(host, strconv.Itoa(uiPort)) + "/api/config")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"http://localhost:" + strconv.Itoa(uiPort)}, b.opened())
	assert.Len(t, fake.Generates(), 1)
	assert.Equal(t, "Hello", fake.Generates()[0].Prompt)
	assert.Equal(t, 10, fake.Generates()[0].Options.NumPredict)
	assert.Empty(t, fake.Pulls())
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Prom.ComponentUp.WithLabelValues(config.ServiceAPI)))

	require.NoError(t, o.Cleanup(context.Background()))
	assert.True(t, ports.Available(host, apiPort))
	assert.True(t, ports.Available(host, uiPort))
	assert.Equal(t, 0.0, testutil.ToFloat64(opts.Prom.ComponentUp.WithLabelValues(config.ServiceUI)))
	assert.NoError(t, o.Cleanup(context.Background()), "second cleanup is a no-op")
}

func TestFallbackPortIsSaved(t *testing.T) {
	fake := ollamatest.New("mistral:latest")
	defer fake.Close()
	cfg := testConfig(t, fake.URL)
	cfg.AutoOpenBrowser = false

	busy, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(cfg.Ports[config.ServiceAPI])))
	require.NoError(t, err)
	defer busy.Close()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, config.Save(path, cfg))

	fallback := freePort(t)
	b := &browserStub{}
	opts := fastOptions(b)
	opts.ConfigPath = path
	opts.APIFallbacks = []int{fallback}

	o, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, o.Initialize(context.Background()))
	defer o.Cleanup(context.Background())

	assert.Equal(t, fallback, o.Config().Ports[config.ServiceAPI])
	saved, err := config.Read(path)
	require.NoError(t, err)
	assert.Equal(t, fallback, saved.Ports[config.ServiceAPI])
	assert.Empty(t, b.opened())

	// The dashboard proxies to the fallback port.
	uiURL := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Ports[config.ServiceUI]))
	resp, err := http.Get(uiURL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNoFreePort(t *testing.T) {
	fake := ollamatest.New("mistral:latest")
	defer fake.Close()
	cfg := testConfig(t, fake.URL)

	busy, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(cfg.Ports[config.ServiceAPI])))
	require.NoError(t, err)
	defer busy.Close()

	o, err := New(cfg, fastOptions(&browserStub{}))
	require.NoError(t, err)
	err = o.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorIs(t, err, ports.ErrNoFreePort)
	assert.ErrorContains(t, err, "API Server")
}

func TestMissingModelIsPulled(t *testing.T) {
	fake := ollamatest.New()
	defer fake.Close()
	cfg := testConfig(t, fake.URL)
	cfg.AutoOpenBrowser = false

	o, err := New(cfg, fastOptions(&browserStub{}))
	require.NoError(t, err)
	require.NoError(t, o.EnsureOllama(context.Background()))
	assert.Equal(t, []string{"mistral"}, fake.Pulls())
	assert.Len(t, fake.Generates(), 1)
}

func TestEmptySmokeReplyFails(t *testing.T) {
	fake := ollamatest.New("mistral:latest")
	defer fake.Close()
	fake.SetReply("")
	cfg := testConfig(t, fake.URL)

	o, err := New(cfg, fastOptions(&browserStub{}))
	require.NoError(t, err)
	err = o.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.True(t, ports.Available(host, cfg.Ports[config.ServiceAPI]), "API never started")
}

func TestOllamaMissing(t *testing.T) {
	cfg := testConfig(t, "http://"+net.JoinHostPort(host, strconv.Itoa(freePort(t))))

	o, err := New(cfg, fastOptions(&browserStub{}))
	require.NoError(t, err)
	err = o.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorIs(t, err, ErrOllamaMissing)
	assert.ErrorContains(t, err, "Dependencies")
}

func TestOllamaThatNeverComesUp(t *testing.T) {
	cfg := testConfig(t, "http://"+net.JoinHostPort(host, strconv.Itoa(freePort(t))))
	opts := fastOptions(&browserStub{})
	// "sh serve" exits immediately because there is no script named serve.
	opts.LookPath = func(string) (string, error) { return "/bin/sh", nil }

	o, err := New(cfg, opts)
	require.NoError(t, err)
	err = o.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.ErrorContains(t, err, "Ollama")
}

func TestRunUntilCancelled(t *testing.T) {
	fake := ollamatest.New("mistral:latest")
	defer fake.Close()
	cfg := testConfig(t, fake.URL)
	cfg.AutoOpenBrowser = false
	uiURL := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Ports[config.ServiceUI])) + "/healthz"

	o, err := New(cfg, fastOptions(&browserStub{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(uiURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, ports.Available(host, cfg.Ports[config.ServiceAPI]))
	assert.True(t, ports.Available(host, cfg.Ports[config.ServiceUI]))
}

func TestNewRejectsMissingOllamaEndpoint(t *testing.T) {
	cfg := config.Default()
	delete(cfg.Ports, config.ServiceOllama)
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, config.ErrUnknownService)
}

func TestFallbackPortKeepsFileSettings(t *testing.T) {
	fake := ollamatest.New("mistral:latest")
	defer fake.Close()
	onDisk := testConfig(t, fake.URL)
	onDisk.AutoOpenBrowser = true
	onDisk.LogLevel = config.LevelInfo
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, config.Save(path, onDisk))

	t.Setenv("LOCALLM_LOG_LEVEL", "DEBUG")
	t.Setenv("LOCALLM_AUTO_OPEN_BROWSER", "false")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.LevelDebug, cfg.LogLevel)

	busy, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(cfg.Ports[config.ServiceAPI])))
	require.NoError(t, err)
	defer busy.Close()

	fallback := freePort(t)
	b := &browserStub{}
	opts := fastOptions(b)
	opts.ConfigPath = path
	opts.APIFallbacks = []int{fallback}

	o, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, o.Initialize(context.Background()))
	defer o.Cleanup(context.Background())
	assert.Empty(t, b.opened())

	saved, err := config.Read(path)
	require.NoError(t, err)
	assert.Equal(t, fallback, saved.Ports[config.ServiceAPI])
	assert.Equal(t, onDisk.Ports[config.ServiceUI], saved.Ports[config.ServiceUI])
	assert.Equal(t, config.LevelInfo, saved.LogLevel, "env override leaked into the file")
	assert.True(t, saved.AutoOpenBrowser, "env override leaked into the file")
}

func TestSavePort(t *testing.T) {
	o, err := New(config.Default(), fastOptions(&browserStub{}))
	require.NoError(t, err)

	t.Run("missing file starts from defaults", func(t *testing.T) {
		o.opts.ConfigPath = filepath.Join(t.TempDir(), "config.json")
		o.savePort(config.ServiceUI, 8599)

		saved, err := config.Read(o.opts.ConfigPath)
		require.NoError(t, err)
		want := config.Default()
		want.SetPort(config.ServiceUI, 8599)
		assert.Equal(t, want, saved)
	})

	t.Run("unreadable file is left alone", func(t *testing.T) {
		o.opts.ConfigPath = filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(o.opts.ConfigPath, []byte("{broken"), 0o644))
		o.savePort(config.ServiceUI, 8599)

		data, err := os.ReadFile(o.opts.ConfigPath)
		require.NoError(t, err)
		assert.Equal(t, "{broken", string(data))
	})
}

func TestStartedOllamaGetsServerEnv(t *testing.T) {
	cfg := testConfig(t, "http://"+net.JoinHostPort(host, strconv.Itoa(freePort(t))))
	opts := fastOptions(&browserStub{})
	opts.LookPath = func(string) (string, error) { return "/bin/sh", nil }
	opts.OllamaEnvDir = t.TempDir()
	opts.OllamaFlashAttention = true
	opts.OllamaNumParallel = 4

	o, err := New(cfg, opts)
	require.NoError(t, err)
	require.ErrorIs(t, o.EnsureOllama(context.Background()), ErrUnhealthy)
	defer o.Cleanup(context.Background())

	data, err := os.ReadFile(filepath.Join(opts.OllamaEnvDir, "ollama.env"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "OLLAMA_FLASH_ATTENTION=1\n")
	assert.Contains(t, string(data), "OLLAMA_NUM_PARALLEL=4\n")
	assert.Contains(t, string(data), "OLLAMA_CONTEXT_LENGTH=8192\n")
}

func TestUnhealthyServerIsRestarted(t *testing.T) {
	o, err := New(config.Default(), fastOptions(&browserStub{}))
	require.NoError(t, err)
	port := freePort(t)
	healthURL := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/health"
	poll := Poll{Attempts: 5, Delay: 10 * time.Millisecond}

	var calls atomic.Int32
	serve := func(ctx context.Context, ln net.Listener) error {
		n := calls.Add(1)
		return httpx.Serve(ctx, ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
	}

	svc, err := o.startWithRetry(context.Background(), config.ServiceAPI, host, port, serve, healthURL, poll, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, svc.running())
	require.NoError(t, svc.stop(context.Background()))
	assert.True(t, ports.Available(host, port))
}

func TestServerThatStaysUnhealthyFails(t *testing.T) {
	o, err := New(config.Default(), fastOptions(&browserStub{}))
	require.NoError(t, err)
	port := freePort(t)
	healthURL := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/health"

	var calls atomic.Int32
	serve := func(ctx context.Context, ln net.Listener) error {
		calls.Add(1)
		return httpx.Serve(ctx, ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
	}

	_, err = o.startWithRetry(context.Background(), config.ServiceAPI, host, port, serve, healthURL,
		Poll{Attempts: 2, Delay: 5 * time.Millisecond}, func(string) {})
	require.ErrorIs(t, err, ErrUnhealthy)
	assert.Equal(t, int32(DefaultOptions().StartAttempts), calls.Load())
	assert.True(t, ports.Available(host, port))
}

func TestRunStopsWhenServerExits(t *testing.T) {
	fake := ollamatest.New("mistral:latest")
	defer fake.Close()
	cfg := testConfig(t, fake.URL)
	cfg.AutoOpenBrowser = false
	uiURL := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Ports[config.ServiceUI])) + "/healthz"

	o, err := New(cfg, fastOptions(&browserStub{}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(uiURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	o.mu.Lock()
	apiSvc := o.api
	o.mu.Unlock()
	apiSvc.cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorContains(t, err, "api on")
		assert.ErrorContains(t, err, "exited")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the API server exited")
	}
	assert.True(t, ports.Available(host, cfg.Ports[config.ServiceUI]), "dashboard stopped too")
}

func TestCleanupOrder(t *testing.T) {
	var buf bytes.Buffer
	level := zerolog.GlobalLevel()
	logger.SetupWriter("INFO", "json", &buf)
	t.Cleanup(func() {
		logger.Setup("INFO", "console")
		zerolog.SetGlobalLevel(level)
	})

	opts := fastOptions(&browserStub{})
	opts.Log = logger.Log.With("orchestrator")
	o, err := New(config.Default(), opts)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		stopped []string
	)
	serveUntilDone := func(name string, exitErr error) func(context.Context, net.Listener) error {
		return func(ctx context.Context, ln net.Listener) error {
			<-ctx.Done()
			mu.Lock()
			stopped = append(stopped, name)
			mu.Unlock()
			return exitErr
		}
	}
	listen := func() net.Listener {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		require.NoError(t, err)
		return ln
	}

	apiErr := errors.New("api refused to stop")
	o.api = startService(config.ServiceAPI, listen(), serveUntilDone(config.ServiceAPI, apiErr))
	o.ui = startService(config.ServiceUI, listen(), serveUntilDone(config.ServiceUI, nil))
	ollamaProc := proc.New("ollama", "/bin/sh", "-c", "sleep 30")
	ollamaProc.Log = opts.Log
	require.NoError(t, ollamaProc.Start())
	o.ollamaProc = ollamaProc

	err = o.Cleanup(context.Background())
	require.ErrorIs(t, err, apiErr)
	assert.ErrorContains(t, err, "stop api")

	mu.Lock()
	assert.Equal(t, []string{config.ServiceUI, config.ServiceAPI}, stopped)
	mu.Unlock()
	assert.False(t, ollamaProc.Running())

	logs := buf.String()
	ui := strings.Index(logs, "stopped streamlit")
	api := strings.Index(logs, "failed to stop api")
	ollama := strings.Index(logs, "stopped ollama")
	require.NotEqual(t, -1, ui)
	require.NotEqual(t, -1, api)
	require.NotEqual(t, -1, ollama)
	assert.Less(t, ui, api)
	assert.Less(t, api, ollama)
}
