package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/voolyvex/Local-LLM/internal/cli"
	"github.com/voolyvex/Local-LLM/internal/config"
	"github.com/voolyvex/Local-LLM/internal/ollama"
)

func newModelsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List, pull and remove Ollama models",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List installed models and their locallm profile",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, oc, err := g.ollamaClient()
				if err != nil {
					return err
				}
				models, err := oc.ListModels(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSIZE\tTEMP\tMAX TOKENS\tCONTEXT")
				for _, m := range models {
					name := m.Name
					if ollama.NormalizeName(name) == ollama.NormalizeName(cfg.DefaultModel) {
						name += " *"
					}
					size := fmt.Sprintf("%.1f GB", float64(m.Size)/1e9)
					if p, ok := cfg.Profile(m.Name); ok {
						fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%d\n", name, size, p.Temp, p.MaxTokens, p.ContextWindow)
					} else {
						fmt.Fprintf(w, "%s\t%s\t-\t-\t-\n", name, size)
					}
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "pull [model]",
			Short: "Pull a model (default: the configured default model)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, oc, err := g.ollamaClient()
				if err != nil {
					return err
				}
				name := cfg.DefaultModel
				if len(args) == 1 {
					name = args[0]
				}
				return cli.NewReporter(os.Stderr).Run("Pulling "+name, func(progress func(string)) error {
					return oc.EnsureModel(cmd.Context(), name, func(st ollama.PullStatus) {
						if st.Total > 0 {
							progress(fmt.Sprintf("%s %d%%", st.Status, st.Completed*100/st.Total))
						} else {
							progress(st.Status)
						}
					})
				})
			},
		},
		&cobra.Command{
			Use:     "rm <model>",
			Aliases: []string{"remove", "delete"},
			Short:   "Remove an installed model",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, oc, err := g.ollamaClient()
				if err != nil {
					return err
				}
				if err := oc.DeleteModel(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "removed", args[0])
				return nil
			},
		},
	)
	return cmd
}

func (g *globals) ollamaClient() (*config.Config, *ollama.Client, error) {
	cfg, _, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	ep, err := cfg.Endpoint(config.ServiceOllama)
	if err != nil {
		return nil, nil, err
	}
	return cfg, ollama.NewClient(ep.URL()), nil
}
