package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type matchOptions struct {
	*rootOptions
	Since string
	Days  float64
}

func newMatchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &matchOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match engagement positions against stored feed snapshots",
		Long: `Correlates unmatched subscriber engagements with the nearest prior feed
snapshot served to the same account and records the engaged post's feed
position. Already-matched rows are left untouched, so re-runs are cheap.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "only match engagements at or after this point (timestamp or days ago)")
	cmd.Flags().Float64Var(&opts.Days, "days", 0, "only match engagements from the last N days")

	return cmd
}

func runMatch(ctx context.Context, opts *matchOptions) error {
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

	since, err := optionalWindow(opts.Since, opts.Days)
	if err != nil {
		return err
	}

	stats, err := st.MatchPositions(ctx, since)
	if err != nil {
		return fmt.Errorf("match positions: %w", err)
	}
	logMatchStats(logger, stats)
	return nil
}
