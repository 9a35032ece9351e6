package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newsflows/bluesky-compliance/internal/hydration"
)

type hydrateOptions struct {
	*rootOptions
	Limit int
	Seed  bool
}

func newHydrateCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &hydrateOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Fill in author metadata for posts seen in feed snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHydrate(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum posts to hydrate (0 = all pending)")
	cmd.Flags().BoolVar(&opts.Seed, "seed", false, "first seed pending posts from stored feed snapshots")

	return cmd
}

func runHydrate(ctx context.Context, opts *hydrateOptions) error {
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

	if opts.Seed {
		seeded, err := st.SeedPostsFromFeed(ctx)
		if err != nil {
			return fmt.Errorf("seed posts from feed: %w", err)
		}
		logger.Info("seeded posts from feed snapshots", "seeded", seeded)
	}

	client := opts.blueskyClient(cfg, logger)
	hydrator := hydration.New(client, st, logger)

	if _, err := hydrator.Run(ctx, opts.Limit); err != nil {
		return fmt.Errorf("hydrate posts: %w", err)
	}
	return nil
}
