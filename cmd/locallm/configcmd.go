package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voolyvex/Local-LLM/internal/config"
)

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the settings file",
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			f := config.FormatJSON
			if format == "yaml" {
				f = config.FormatYAML
			}
			b, err := config.Marshal(cfg, f)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	show.Flags().StringVarP(&format, "output", "o", "json", "Output format: json or yaml")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the settings file and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Unlike the other commands a missing file is an error here.
			path := config.ResolvePath(g.configPath)
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print which settings file would be used",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.ResolvePath(g.configPath))
		},
	}

	cmd.AddCommand(show, validate, path)
	return cmd
}
