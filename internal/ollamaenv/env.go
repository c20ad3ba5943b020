// Package ollamaenv builds the environment for an `ollama serve` process that
// locallm supervises, and can also write it to a shared env file for setups
// where Ollama runs as a separate container.
//
// Env file layout (when a directory is configured):
//
//	<dir>/ollama.env   KEY=VALUE pairs sourced by the Ollama wrapper
//	<dir>/restart      sentinel, recreated each time a restart is requested
package ollamaenv

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/voolyvex/Local-LLM/internal/config"
)

const (
	envFile      = "ollama.env"
	sentinelFile = "restart"
)

// Env holds the Ollama variables locallm manages.
type Env struct {
	Host           string // OLLAMA_HOST, host:port to bind
	ContextLength  int    // OLLAMA_CONTEXT_LENGTH, 0 leaves Ollama's default
	KeepAlive      string // OLLAMA_KEEP_ALIVE
	FlashAttention bool   // OLLAMA_FLASH_ATTENTION
	NumParallel    int    // OLLAMA_NUM_PARALLEL, 0 leaves Ollama's default
}

// FromConfig derives the server environment from the settings file: the bind
// address of the ollama endpoint and the default model's context window.
func FromConfig(cfg *config.Config) (Env, error) {
	ep, err := cfg.Endpoint(config.ServiceOllama)
	if err != nil {
		return Env{}, err
	}
	e := Env{Host: ep.Addr(), KeepAlive: "5m"}
	if p, ok := cfg.DefaultProfile(); ok {
		e.ContextLength = p.ContextWindow
	}
	return e, nil
}

// Vars returns the variables as sorted KEY=VALUE pairs.
func (e Env) Vars() []string {
	m := e.values()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func (e Env) values() map[string]string {
	m := map[string]string{}
	if e.Host != "" {
		m["OLLAMA_HOST"] = e.Host
	}
	if e.ContextLength > 0 {
		m["OLLAMA_CONTEXT_LENGTH"] = strconv.Itoa(e.ContextLength)
	}
	if e.KeepAlive != "" {
		m["OLLAMA_KEEP_ALIVE"] = e.KeepAlive
	}
	if e.FlashAttention {
		m["OLLAMA_FLASH_ATTENTION"] = "1"
	}
	if e.NumParallel > 0 {
		m["OLLAMA_NUM_PARALLEL"] = strconv.Itoa(e.NumParallel)
	}
	return m
}

// Merge overlays e onto base (typically os.Environ()). Managed keys replace
// existing entries; everything else is kept in order.
func (e Env) Merge(base []string) []string {
	managed := e.values()
	out := make([]string, 0, len(base)+len(managed))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := managed[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	return append(out, e.Vars()...)
}

// Write serialises e to <dir>/ollama.env and touches <dir>/restart so an
// external wrapper re-execs Ollama. An empty dir disables the file.
func Write(dir string, e Env) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	content := "# Managed by locallm, do not edit by hand\n" + strings.Join(e.Vars(), "\n") + "\n"
	envPath := filepath.Join(dir, envFile)
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}

	sentinelPath := filepath.Join(dir, sentinelFile)
	f, err := os.Create(sentinelPath)
	if err != nil {
		return fmt.Errorf("touch %s: %w", sentinelPath, err)
	}
	return f.Close()
}
