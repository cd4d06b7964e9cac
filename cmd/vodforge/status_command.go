package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"vodforge/internal/models"
	"vodforge/internal/queue"
	"vodforge/internal/registry"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var deadLimit int

	cmd := &cobra.Command{
		Use:   "status [asset-id...]",
		Short: "Show asset state, queue depth, and dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.log()
			needs := needBroker
			if len(args) > 0 {
				needs |= needRegistry
			}
			b, err := openBackends(cmd.Context(), cfg, logger, needs)
			if err != nil {
				return err
			}
			defer b.close(context.Background(), logger)

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				rows, err := assetRows(cmd.Context(), b.registry, args)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderTable("Assets",
					[]string{"Asset", "Type", "Status", "Updated", "Manifest"},
					rows, nil))
			}

			stats, err := b.broker.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}
			fmt.Fprintln(out, renderTable("Queue ("+cfg.Queue.Backend+")",
				[]string{"Ready", "Delayed", "In flight", "Dead"},
				[][]string{statsRow(stats)},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight}))

			if deadLimit > 0 && stats.Dead > 0 {
				dead, err := b.broker.DeadJobs(cmd.Context(), deadLimit)
				if err != nil {
					return fmt.Errorf("list dead jobs: %w", err)
				}
				fmt.Fprintln(out, renderTable("Dead jobs",
					[]string{"Job", "Asset", "Attempt", "Failed", "Reason"},
					deadRows(dead),
					[]columnAlignment{alignLeft, alignLeft, alignRight}))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&deadLimit, "dead", 10, "Number of dead jobs to list (0 to hide)")
	return cmd
}

func assetRows(ctx context.Context, reg registry.Registry, ids []string) ([][]string, error) {
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		asset, err := reg.GetAsset(ctx, id)
		if errors.Is(err, registry.ErrAssetNotFound) {
			rows = append(rows, []string{id, "", "not found", "", ""})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get asset %s: %w", id, err)
		}
		rows = append(rows, assetRow(asset))
	}
	return rows, nil
}

func assetRow(asset models.Asset) []string {
	manifest := "-"
	if asset.ManifestURL != nil {
		manifest = *asset.ManifestURL
	}
	return []string{
		asset.ID,
		string(asset.Type),
		string(asset.Status),
		formatTime(asset.UpdatedAt),
		manifest,
	}
}

func statsRow(stats queue.Stats) []string {
	return []string{
		strconv.FormatInt(stats.Ready, 10),
		strconv.FormatInt(stats.Delayed, 10),
		strconv.FormatInt(stats.InFlight, 10),
		strconv.FormatInt(stats.Dead, 10),
	}
}

func deadRows(dead []queue.DeadJob) [][]string {
	rows := make([][]string, 0, len(dead))
	for _, d := range dead {
		rows = append(rows, []string{
			d.Job.ID,
			d.Job.AssetID,
			fmt.Sprintf("%d/%d", d.Job.Attempt, d.Job.MaxAttempts),
			formatTime(d.FailedAt),
			d.Reason,
		})
	}
	return rows
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
