package orchestrator

import (
	"time"

	"github.com/voolyvex/Local-LLM/internal/api"
	"github.com/voolyvex/Local-LLM/internal/browser"
	"github.com/voolyvex/Local-LLM/internal/cli"
	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/logger"
	"github.com/voolyvex/Local-LLM/internal/metrics"
	"github.com/voolyvex/Local-LLM/internal/ports"
	"github.com/voolyvex/Local-LLM/internal/proc"
)

// Poll is a bounded health wait: Attempts checks, Delay apart.
type Poll struct {
	Attempts int
	Delay    time.Duration
}

// Options tune the orchestrator. DefaultOptions carries the production
// timings; tests shrink them.
type Options struct {
	// ConfigPath receives the config when a fallback port is chosen. Empty
	// disables saving.
	ConfigPath string
	Version    string

	OllamaBinary string
	OllamaEnvDir string
	// OllamaFlashAttention and OllamaNumParallel are passed to an Ollama
	// server locallm starts itself. Zero leaves Ollama's own default.
	OllamaFlashAttention bool
	OllamaNumParallel    int

	LookPath     func(bin string) (string, error)
	OpenBrowser  func(url string) error
	Reporter     cli.Reporter
	History      api.History
	Prom         *metrics.Prom
	Log          *logger.Logger

	OllamaPoll Poll
	APIPoll    Poll
	UIPoll     Poll
	PortProbe  ports.ProbeSettings

	// StartAttempts is how often a server is (re)started before its step
	// fails, RetryDelay the pause between attempts.
	StartAttempts int
	RetryDelay    time.Duration
	StopTimeout   time.Duration

	APIFallbacks []int
	UIFallbacks  []int

	SmokePrompt    string
	SmokeMaxTokens int
}

// DefaultOptions returns the startup timings locallm ships with.
func DefaultOptions() Options {
	return Options{
		OllamaBinary:   "ollama",
		LookPath:       proc.LookPath,
		OpenBrowser:    browser.Open,
		OllamaPoll:     Poll{Attempts: 5, Delay: 2 * time.Second},
		APIPoll:        Poll{Attempts: 10, Delay: time.Second},
		UIPoll:         Poll{Attempts: 30, Delay: 2 * time.Second},
		PortProbe:      ports.DefaultProbe,
		StartAttempts:  3,
		RetryDelay:     2 * time.Second,
		StopTimeout:    5 * time.Second,
		APIFallbacks:   config.APIFallbackPorts,
		UIFallbacks:    config.UIFallbackPorts,
		SmokePrompt:    "Hello",
		SmokeMaxTokens: 10,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OllamaBinary == "" {
		o.OllamaBinary = d.OllamaBinary
	}
	if o.LookPath == nil {
		o.LookPath = d.LookPath
	}
	if o.OpenBrowser == nil {
		o.OpenBrowser = d.OpenBrowser
	}
	if o.Log == nil {
		o.Log = logger.Log.With("orchestrator")
	}
	if o.Reporter == nil {
		o.Reporter = &cli.LogReporter{Log: o.Log}
	}
	if o.OllamaPoll.Attempts <= 0 {
		o.OllamaPoll = d.OllamaPoll
	}
	if o.APIPoll.Attempts <= 0 {
		o.APIPoll = d.APIPoll
	}
	if o.UIPoll.Attempts <= 0 {
		o.UIPoll = d.UIPoll
	}
	if o.PortProbe.Retries <= 0 {
		o.PortProbe = d.PortProbe
	}
	if o.StartAttempts <= 0 {
		o.StartAttempts = d.StartAttempts
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.APIFallbacks == nil {
		o.APIFallbacks = d.APIFallbacks
	}
	if o.UIFallbacks == nil {
		o.UIFallbacks = d.UIFallbacks
	}
	if o.SmokePrompt == "" {
		o.SmokePrompt = d.SmokePrompt
	}
	if o.SmokeMaxTokens <= 0 {
		o.SmokeMaxTokens = d.SmokeMaxTokens
	}
	return o
}
