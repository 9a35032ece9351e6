package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type followersOptions struct {
	*rootOptions
	Update bool
	DID    string
	Limit  int
}

func newFollowersCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &followersOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "followers",
		Short: "Track subscriber following counts",
		Long: `Without flags, prints the latest stored following count per subscriber.
With --update, fetches current counts from the AppView first; only changed
counts create new history rows.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollowers(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "fetch current counts before printing")
	cmd.Flags().StringVar(&opts.DID, "did", "", "print history for one subscriber")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum rows to print")

	return cmd
}

func runFollowers(ctx context.Context, opts *followersOptions) error {
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

	if opts.Update {
		feedClient, err := opts.feedgenClient(cfg, logger)
		if err != nil {
			return err
		}
		subscribers, err := feedClient.FetchSubscribers(ctx)
		if err != nil {
			return err
		}

		client := opts.blueskyClient(cfg, logger)
		counts := make(map[string]int64, len(subscribers))
		failed := 0
		for _, did := range sortedKeys(subscribers) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			profile, err := client.GetProfile(ctx, did)
			if err != nil {
				failed++
				logger.Warn("profile fetch failed", "did", did, "error", err)
				continue
			}
			if profile.FollowsCount == nil {
				continue
			}
			counts[did] = *profile.FollowsCount
		}

		inserted, refreshed, err := st.StoreFollowCounts(ctx, counts, time.Now())
		if err != nil {
			return fmt.Errorf("store follow counts: %w", err)
		}
		logger.Info("follow counts updated",
			"fetched", len(counts),
			"inserted", inserted,
			"refreshed", refreshed,
			"failed", failed,
		)
	}

	history, err := st.FollowCountHistory(ctx, opts.DID, opts.Limit)
	if err != nil {
		return err
	}
	for _, row := range history {
		fmt.Printf("%s\t%d\t%s\n", row.DID, row.FollowingCount, row.SnapshotTS)
	}
	return nil
}
