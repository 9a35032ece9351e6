package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRebuildIndexCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild-index",
		Short: "Re-derive feed post positions from stored snapshot payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuildIndex(cmd.Context(), rootOpts)
		},
	}
	return cmd
}

func runRebuildIndex(ctx context.Context, opts *rootOptions) error {
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

	stats, err := st.RebuildPostIndices(ctx)
	if err != nil {
		return fmt.Errorf("rebuild post indices: %w", err)
	}
	logger.Info("post indices rebuilt",
		"scanned", stats.Scanned,
		"updated", stats.Updated,
		"missing_position", stats.MissingPosition,
		"invalid_position", stats.InvalidPosition,
		"parse_errors", stats.ParseErrors,
	)
	return nil
}
