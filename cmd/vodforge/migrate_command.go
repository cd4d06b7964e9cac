package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vodforge/internal/config"
	"vodforge/internal/registry"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply registry and queue schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.log()
			out := cmd.OutOrStdout()

			if cfg.Registry.Backend == config.BackendPostgres {
				b, err := openBackends(cmd.Context(), cfg, logger, needRegistry)
				if err != nil {
					return err
				}
				applied, err := registry.Migrate(cmd.Context(), b.postgres.Pool())
				b.close(context.Background(), logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Registry: applied %d migration(s)\n", applied)
			} else {
				fmt.Fprintf(out, "Registry: %s backend has no schema\n", cfg.Registry.Backend)
			}

			// The sqlite queue migrates itself when opened.
			if cfg.Queue.Backend == config.BackendSQLite {
				b, err := openBackends(cmd.Context(), cfg, logger, needBroker)
				if err != nil {
					return err
				}
				b.close(context.Background(), logger)
				fmt.Fprintf(out, "Queue: %s is up to date\n", cfg.Queue.SQLite.Path)
			}
			return nil
		},
	}
}
