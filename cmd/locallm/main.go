// locallm runs a local LLM chat stack on top of Ollama.
//
// Usage:
//
//	locallm up
//	locallm up --config ./config.json --log-format json
//	locallm models pull llama3.2
//	locallm doctor
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
  _                 _ _ _
 | |   ___  __ __ _| | | |_ __
 | |__/ _ \/ _/ _' | | | '  \
 |____\___/\__\__,_|_|_|_|_|_|

  Local LLM chat stack  ·  powered by Ollama
`

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	logFormat  string
	logLevel   string
}

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "locallm",
		Short:         "locallm: Ollama, an OpenAI-compatible API and a chat dashboard",
		Long:          banner,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "Settings file (default: $LOCALLM_CONFIG, ./config.json, then the user config dir)")
	f.StringVar(&g.logFormat, "log-format", envOrDefault("LOCALLM_LOG_FORMAT", "console"), "Log format: console or json")
	f.StringVar(&g.logLevel, "log-level", "", "Log level, overrides the settings file (DEBUG, INFO, WARNING, ERROR, CRITICAL)")

	root.AddCommand(
		newUpCmd(g),
		newAPICmd(g),
		newUICmd(g),
		newModelsCmd(g),
		newConfigCmd(g),
		newDoctorCmd(g),
		newVersionCmd(),
	)
	return root
}

// load resolves and reads the settings file, then configures logging from
// it. A missing file yields the defaults with environment overrides applied.
func (g *globals) load() (*config.Config, string, error) {
	path := config.ResolvePath(g.configPath)
	if err := g.checkFlags(); err != nil {
		return nil, path, err
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		if err = config.ApplyEnv(cfg, os.LookupEnv); err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		return nil, path, err
	}

	level := string(cfg.LogLevel)
	if g.logLevel != "" {
		lvl, _ := config.ParseLogLevel(g.logLevel)
		level = string(lvl)
	}
	logger.Setup(level, g.logFormat)
	return cfg, path, nil
}

// checkFlags rejects logging flags that would otherwise fall back silently.
func (g *globals) checkFlags() error {
	if g.logLevel != "" {
		if _, err := config.ParseLogLevel(g.logLevel); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
	}
	switch strings.ToLower(g.logFormat) {
	case "console", "json":
		return nil
	}
	return fmt.Errorf("--log-format: %q is not console or json", g.logFormat)
}

// historyPath is the SQLite file holding chat history.
func historyPath() string {
	if p := os.Getenv("LOCALLM_HISTORY_DB"); p != "" {
		return p
	}
	return filepath.Join(config.Dir(), "history.db")
}

// envOrDefault returns the value of an env var, or fallback if unset.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envBool reads a boolean env var; unset or unparsable means false.
func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

// envInt reads a non-negative integer env var; unset or unparsable means 0.
func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the locallm version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "locallm", version)
		},
	}
}
