package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/voolyvex/Local-LLM/internal/api"
	"github.com/voolyvex/Local-LLM/internal/cli"
	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/logger"
	"github.com/voolyvex/Local-LLM/internal/metrics"
	"github.com/voolyvex/Local-LLM/internal/ollama"
	"github.com/voolyvex/Local-LLM/internal/orchestrator"
	"github.com/voolyvex/Local-LLM/internal/store"
	"github.com/voolyvex/Local-LLM/internal/ui"
)

func newUpCmd(g *globals) *cobra.Command {
	var (
		noBrowser bool
		noHistory bool
		envDir    string
		flashAttn bool
		parallel  int
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start Ollama, the API server and the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := g.load()
			if err != nil {
				return err
			}
			if noBrowser {
				cfg.AutoOpenBrowser = false
			}
			fmt.Fprint(cmd.ErrOrStderr(), banner)
			logger.Log.Info("configuration loaded", "path", path, "default_model", cfg.DefaultModel)

			opts := orchestrator.DefaultOptions()
			opts.ConfigPath = path
			opts.Version = version
			opts.OllamaEnvDir = envDir
			opts.OllamaFlashAttention = flashAttn
			opts.OllamaNumParallel = parallel
			opts.Prom = metrics.NewProm()
			opts.Reporter = cli.NewReporter(os.Stderr)
			opts.Log = logger.Log.With("orchestrator")
			if !noHistory {
				hist, err := store.Open(historyPath())
				if err != nil {
					return err
				}
				defer hist.Close()
				opts.History = hist
			}

			o, err := orchestrator.New(cfg, opts)
			if err != nil {
				return err
			}
			return o.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Do not open the dashboard in a browser")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not record chat history")
	cmd.Flags().StringVar(&envDir, "ollama-env-dir", envOrDefault("OLLAMA_ENV_DIR", ""),
		"Directory for the Ollama env file and restart sentinel (empty = disabled)")
	cmd.Flags().BoolVar(&flashAttn, "flash-attention", envBool("OLLAMA_FLASH_ATTENTION"),
		"Enable flash attention in an Ollama server started by locallm")
	cmd.Flags().IntVar(&parallel, "num-parallel", envInt("OLLAMA_NUM_PARALLEL"),
		"Parallel requests per model for an Ollama server started by locallm (0 = Ollama default)")
	return cmd
}

// newAPICmd runs only the API server against an Ollama that is already up.
func newAPICmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run only the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			ollamaEP, err := cfg.Endpoint(config.ServiceOllama)
			if err != nil {
				return err
			}
			ep, err := cfg.Endpoint(config.ServiceAPI)
			if err != nil {
				return err
			}

			hist, err := store.Open(historyPath())
			if err != nil {
				return err
			}
			defer hist.Close()

			oc := ollama.NewClient(ollamaEP.URL())
			if v, err := oc.Version(cmd.Context()); err == nil {
				logger.Log.Info("ollama reachable", "url", oc.BaseURL, "version", v)
			} else {
				logger.Log.Warn("cannot reach ollama, requests will fail until it is up", "url", oc.BaseURL, "err", err)
			}

			srv := api.NewServer(api.Options{
				Config:  cfg,
				Ollama:  oc,
				Metrics: metrics.NewCollector(metrics.NewProm()),
				History: hist,
				Log:     logger.Log.With("api"),
				Version: version,
			})
			ln, err := net.Listen("tcp", ep.Addr())
			if err != nil {
				return err
			}
			logger.Log.Info("api server listening", "addr", ln.Addr().String())
			return srv.Serve(cmd.Context(), ln)
		},
	}
}

// newUICmd runs only the dashboard, proxying to a separately started API.
func newUICmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Run only the dashboard server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			backend, err := cfg.Endpoint(config.ServiceAPI)
			if err != nil {
				return err
			}
			ep, err := cfg.Endpoint(config.ServiceUI)
			if err != nil {
				return err
			}

			srv, err := ui.NewServer(ui.Options{
				Backend: backend.URL(),
				Prom:    metrics.NewProm(),
				Log:     logger.Log.With("ui"),
			})
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", ep.Addr())
			if err != nil {
				return err
			}
			logger.Log.Info("dashboard listening", "addr", ln.Addr().String(), "backend", backend.URL())
			return srv.Serve(cmd.Context(), ln)
		},
	}
}
