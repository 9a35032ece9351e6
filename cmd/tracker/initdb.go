package main

import (
	"github.com/spf13/cobra"
)

func newInitDBCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-db",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := rootOpts.newLogger()
			if err != nil {
				return err
			}
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			st, err := rootOpts.openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			logger.Info("database ready", "path", cfg.DatabasePath)
			return nil
		},
	}
	return cmd
}
