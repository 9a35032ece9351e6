package main

import (
	"context"

	"github.com/spf13/cobra"
)

type ingestFeedOptions struct {
	*rootOptions
	Since string
	Days  float64
	DID   string
}

func newIngestFeedCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &ingestFeedOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest-feed",
		Short: "Ingest feed-serving snapshots from the ranking service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngestFeed(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "feed window start (timestamp or days ago)")
	cmd.Flags().Float64Var(&opts.Days, "days", 0, "feed window in days")
	cmd.Flags().StringVar(&opts.DID, "did", "", "ingest only this requester DID")

	return cmd
}

func runIngestFeed(ctx context.Context, opts *ingestFeedOptions) error {
	logger, err := opts.newLogger()
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	st, err := opts.openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	feedClient, err := opts.feedgenClient(cfg, logger)
	if err != nil {
		return err
	}

	since, err := resolveWindow(ctx, st, "feed_requests", opts.Since, opts.Days, logger)
	if err != nil {
		return err
	}

	dids := []string{opts.DID}
	if opts.DID == "" {
		subscribers, err := feedClient.FetchSubscribers(ctx)
		if err != nil {
			return err
		}
		dids = sortedKeys(subscribers)
	}

	return ingestFeedForSubscribers(ctx, st, feedClient, dids, since, logger)
}
