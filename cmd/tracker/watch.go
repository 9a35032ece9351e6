package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/newsflows/bluesky-compliance/internal/engagement"
	"github.com/newsflows/bluesky-compliance/internal/firehose"
)

type watchOptions struct {
	*rootOptions
	Since string
	Days  float64
}

func newWatchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &watchOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live engagements from the Jetstream firehose",
		Long: `Subscribes to the Jetstream firehose for the current subscribers'
like, repost, and post commits, classifies them against the tracked bot
accounts, and stores matches as they happen. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "drop engagements created before this point (timestamp or days ago)")
	cmd.Flags().Float64Var(&opts.Days, "days", 0, "drop engagements older than N days")

	return cmd
}

func runWatch(ctx context.Context, opts *watchOptions) error {
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
	client := opts.blueskyClient(cfg, logger)
	resolver := opts.resolver(client, logger)

	subscribers, err := feedClient.FetchSubscribers(ctx)
	if err != nil {
		return err
	}
	if _, _, err := st.StoreSubscriberSnapshot(ctx, subscribers, time.Now()); err != nil {
		return err
	}

	targets, err := resolveTargets(ctx, resolver, cfg.BotHandles)
	if err != nil {
		return err
	}

	// The stream carries live commits; the window only guards against
	// replayed history when resuming from an old cursor.
	since := time.Unix(0, 0)
	if windowStart, err := optionalWindow(opts.Since, opts.Days); err != nil {
		return err
	} else if windowStart != nil {
		since = *windowStart
	}

	subscriberSet := make(map[string]struct{}, len(subscribers))
	for did := range subscribers {
		subscriberSet[did] = struct{}{}
	}
	classifier := engagement.NewClassifier(since, targets, subscriberSet, engagement.AllOptions())

	subscriber := firehose.NewSubscriber(cfg.FirehoseURL, classifier, sortedKeys(subscribers), st, logger)
	logger.Info("watching firehose", "subscribers", len(subscribers), "tracked_accounts", len(targets))

	if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("watch stopped")
	return nil
}
