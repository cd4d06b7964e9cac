package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/registry"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var reprocess bool

	cmd := &cobra.Command{
		Use:   "enqueue <asset-id> <source-key>",
		Short: "Queue a transcode job for an existing asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.log()
			b, err := openBackends(cmd.Context(), cfg, logger, needBroker)
			if err != nil {
				return err
			}
			defer b.close(context.Background(), logger)

			dispatcher, err := newDispatcher(cfg, b, nil, logger, metrics.Default())
			if err != nil {
				return err
			}
			enqueue := dispatcher.Enqueue
			if reprocess {
				enqueue = dispatcher.Reprocess
			}
			job, err := enqueue(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reprocess, "reprocess", false, "Transcode again even if the asset is already completed or failed")
	return cmd
}

func newRegisterCommand(ctx *commandContext) *cobra.Command {
	var ownerID string
	var contentType string
	var skipEnqueue bool

	cmd := &cobra.Command{
		Use:   "register <asset-id> <source-key>",
		Short: "Record an uploaded video as a pending asset and queue it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.log()
			needs := needRegistry
			if !skipEnqueue {
				needs |= needBroker
			}
			b, err := openBackends(cmd.Context(), cfg, logger, needs)
			if err != nil {
				return err
			}
			defer b.close(context.Background(), logger)

			assetID := strings.TrimSpace(args[0])
			sourceKey := strings.TrimSpace(args[1])
			asset, err := b.registry.CreateAsset(cmd.Context(), models.Asset{
				ID:          assetID,
				OwnerID:     strings.TrimSpace(ownerID),
				Type:        models.AssetTypeVideo,
				SourceURL:   sourceKey,
				ContentType: strings.TrimSpace(contentType),
			})
			if errors.Is(err, registry.ErrAssetExists) {
				return fmt.Errorf("asset %s is already registered; use `vodforge enqueue --reprocess` to transcode it again", assetID)
			}
			if err != nil {
				return fmt.Errorf("register asset: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered asset %s (%s)\n", asset.ID, asset.Status)
			if skipEnqueue {
				return nil
			}

			dispatcher, err := newDispatcher(cfg, b, nil, logger, metrics.Default())
			if err != nil {
				return err
			}
			job, err := dispatcher.Enqueue(cmd.Context(), asset.ID, sourceKey)
			if err != nil {
				return fmt.Errorf("asset registered but not queued (the sweep will pick it up): %w", err)
			}
			printJob(cmd, job)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owning user id")
	cmd.Flags().StringVar(&contentType, "content-type", "", "Source content type, for example video/mp4")
	cmd.Flags().BoolVar(&skipEnqueue, "no-enqueue", false, "Only record the asset; the sweep enqueues it later")
	return cmd
}

func printJob(cmd *cobra.Command, job models.TranscodeJob) {
	labels := make([]string, 0, len(job.Ladder))
	for _, v := range job.Ladder {
		labels = append(labels, v.Label)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queued job %s for asset %s\n", job.ID, job.AssetID)
	fmt.Fprintf(out, "  source:   %s\n", job.SourceKey)
	fmt.Fprintf(out, "  ladder:   %s\n", strings.Join(labels, ", "))
	fmt.Fprintf(out, "  attempts: %d\n", job.MaxAttempts)
	if job.Reprocess {
		fmt.Fprintln(out, "  reprocess: yes")
	}
}
