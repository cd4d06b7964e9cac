package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/sweep"
	"vodforge/internal/workspace"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var skipWorkspaces bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-enqueue forgotten assets and remove leaked workspaces once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.log()
			b, err := openBackends(cmd.Context(), cfg, logger, needRegistry|needBroker)
			if err != nil {
				return err
			}
			defer b.close(context.Background(), logger)

			recorder := metrics.Default()
			dispatcher, err := newDispatcher(cfg, b, nil, logger, recorder)
			if err != nil {
				return err
			}

			var janitor sweep.Janitor
			if !skipWorkspaces {
				manager, err := workspace.NewManager(workspace.Config{
					Root:    cfg.Workspace.Root,
					Logger:  logging.WithComponent(logger, "workspace"),
					Metrics: recorder,
				})
				if err != nil {
					return err
				}
				janitor = manager
			}

			sweeper, err := newSweeper(cfg, b, dispatcher, janitor, logger, recorder)
			if err != nil {
				return err
			}
			report, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pending assets enqueued:    %d\n", report.PendingEnqueued)
			fmt.Fprintf(out, "Stale assets enqueued:      %d\n", report.StaleEnqueued)
			fmt.Fprintf(out, "Workspaces removed:         %d\n", report.WorkspacesRemoved)
			fmt.Fprintf(out, "Skipped:                    %d\n", report.Skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipWorkspaces, "skip-workspaces", false, "Do not remove leaked workspaces")
	return cmd
}
