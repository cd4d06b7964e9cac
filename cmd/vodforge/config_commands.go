package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"vodforge/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigValidateCommand(ctx))
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				target = config.DefaultFileName
			}
			abs, err := filepath.Abs(target)
			if err != nil {
				return fmt.Errorf("resolve config path: %w", err)
			}
			if _, err := os.Stat(abs); err == nil {
				return fmt.Errorf("config file already exists at %s", abs)
			}
			if err := config.WriteSample(abs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", abs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	return cmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			source := cfg.Source
			if source == "" {
				source = "defaults and environment"
			}
			ladder := cfg.QualityLadder()
			ladderDesc := "default"
			if len(ladder) > 0 {
				labels := make([]string, 0, len(ladder))
				for _, v := range ladder {
					labels = append(labels, v.Label)
				}
				ladderDesc = strings.Join(labels, ", ")
			}
			fmt.Fprintf(out, "Configuration valid (%s)\n", source)
			fmt.Fprintf(out, "  registry: %s\n", cfg.Registry.Backend)
			fmt.Fprintf(out, "  queue:    %s\n", cfg.Queue.Backend)
			fmt.Fprintf(out, "  storage:  %s\n", cfg.Storage.Backend)
			fmt.Fprintf(out, "  order:    %s\n", cfg.HLS.ManifestOrder)
			fmt.Fprintf(out, "  ladder:   %s\n", ladderDesc)
			return nil
		},
	}
}
