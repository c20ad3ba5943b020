package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/ollama"
	"github.com/voolyvex/Local-LLM/internal/ports"
	"github.com/voolyvex/Local-LLM/internal/proc"
	"github.com/voolyvex/Local-LLM/internal/sysinfo"
)

func newDoctorCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the host, Ollama and the configured ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if problems := doctor(ctx, cmd.OutOrStdout(), cfg, path); problems > 0 {
				return fmt.Errorf("%d problem(s) found", problems)
			}
			return nil
		},
	}
}

// doctor prints one line per check and returns how many failed.
func doctor(ctx context.Context, w io.Writer, cfg *config.Config, path string) int {
	problems := 0
	check := func(ok bool, format string, a ...any) {
		mark := "ok  "
		if !ok {
			mark = "FAIL"
			problems++
		}
		fmt.Fprintf(w, "[%s] %s\n", mark, fmt.Sprintf(format, a...))
	}

	info := sysinfo.Detect()
	fmt.Fprintf(w, "host:   %s/%s, %d CPUs (%d usable), %.1f GB RAM (%s)\n",
		info.OS, info.Arch, info.LogicalCPUs, info.EffectiveCPUs, info.RAMGB, info.RAMSource)
	if info.CPUModel != "" {
		fmt.Fprintf(w, "cpu:    %s [%s]\n", info.CPUModel, strings.Join(info.SIMD, " "))
	}
	base, _, _ := strings.Cut(cfg.DefaultModel, ":")
	fmt.Fprintf(w, "quant:  %s fits this machine (e.g. locallm models pull %s)\n",
		info.Quant.Label, sysinfo.SuggestPullName(base, info.RAMGB))
	fmt.Fprintf(w, "config: %s\n", path)

	bin, err := proc.LookPath("ollama")
	check(err == nil, "ollama binary: %s", orError(bin, err))

	ep, _ := cfg.Endpoint(config.ServiceOllama)
	oc := ollama.NewClient(ep.URL())
	v, err := oc.Version(ctx)
	check(err == nil, "ollama server at %s: %s", ep.URL(), orError(v, err))
	if err == nil {
		has, err := oc.HasModel(ctx, cfg.DefaultModel)
		switch {
		case err != nil:
			check(false, "default model %s: %v", cfg.DefaultModel, err)
		case !has:
			check(false, "default model %s: not installed (locallm models pull)", cfg.DefaultModel)
		default:
			check(true, "default model %s: installed", cfg.DefaultModel)
		}
	}

	for _, svc := range []string{config.ServiceAPI, config.ServiceUI} {
		ep, err := cfg.Endpoint(svc)
		if err != nil {
			check(false, "%s endpoint: %v", svc, err)
			continue
		}
		// A busy port is only a warning: up falls back to another one.
		if ports.Available(ep.Host, ep.Port) {
			fmt.Fprintf(w, "[ok  ] %s port %s: free\n", svc, ep.Addr())
		} else {
			fmt.Fprintf(w, "[warn] %s port %s: in use, a fallback port will be used\n", svc, ep.Addr())
		}
	}
	return problems
}

func orError(v string, err error) string {
	if err != nil {
		return err.Error()
	}
	return v
}
