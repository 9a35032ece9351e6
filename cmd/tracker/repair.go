package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type repairOptions struct {
	*rootOptions
	Since string
	Days  float64
}

func newRepairCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &repairOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Re-fetch feed requests stored without post rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "only repair requests at or after this point (timestamp or days ago)")
	cmd.Flags().Float64Var(&opts.Days, "days", 0, "only repair requests from the last N days")

	return cmd
}

func runRepair(ctx context.Context, opts *repairOptions) error {
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

	since, err := optionalWindow(opts.Since, opts.Days)
	if err != nil {
		return err
	}

	stats, err := st.RepairEmptyFeedRequests(ctx, feedClient, since)
	if err != nil {
		return fmt.Errorf("repair empty feed requests: %w", err)
	}
	logger.Info("empty feed requests repaired",
		"empty", stats.EmptyRequests,
		"did_attempts", stats.DIDAttempts,
		"repaired", stats.Repaired,
		"still_empty", stats.StillEmpty,
		"errors", stats.Errors,
	)
	return nil
}
