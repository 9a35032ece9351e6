package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/newsflows/bluesky-compliance/internal/bluesky"
	"github.com/newsflows/bluesky-compliance/internal/config"
	"github.com/newsflows/bluesky-compliance/internal/feedgen"
	"github.com/newsflows/bluesky-compliance/internal/identity"
	"github.com/newsflows/bluesky-compliance/internal/store"
)

// rootOptions holds global flags shared by every subcommand.
type rootOptions struct {
	EnvFile    string
	BotsFile   string
	Database   string
	AuditLog   string
	LogLevel   string
	Timeout    time.Duration
	MaxRetries int
	Backoff    float64
	Pace       time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Bluesky engagement compliance tracker",
		Long: `Collects public engagement actions by subscriber accounts against the
tracked bot accounts, ingests feed-serving snapshots from the ranking
service, and correlates the two into per-engagement feed positions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env", "", "path to .env file (default ./.env if present)")
	cmd.PersistentFlags().StringVar(&opts.BotsFile, "bots", "", "YAML file listing tracked bot handles")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides COMPLIANCE_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.AuditLog, "audit-log", "", "path to JSONL audit log (overrides COMPLIANCE_AUDIT_LOG)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 0, "per-request HTTP timeout (overrides config)")
	cmd.PersistentFlags().IntVar(&opts.MaxRetries, "max-retries", 0, "HTTP retry attempts (default 5)")
	cmd.PersistentFlags().Float64Var(&opts.Backoff, "backoff", 0, "retry backoff factor (default 1.6)")
	cmd.PersistentFlags().DurationVar(&opts.Pace, "pace", 0, "minimum delay between paced requests")

	cmd.AddCommand(newCollectCommand(opts))
	cmd.AddCommand(newIngestFeedCommand(opts))
	cmd.AddCommand(newMatchCommand(opts))
	cmd.AddCommand(newHydrateCommand(opts))
	cmd.AddCommand(newRepairCommand(opts))
	cmd.AddCommand(newFollowersCommand(opts))
	cmd.AddCommand(newRebuildIndexCommand(opts))
	cmd.AddCommand(newInitDBCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))

	return cmd
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func (o *rootOptions) newLogger() (*slog.Logger, error) {
	level, ok := logLevels[o.LogLevel]
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", o.LogLevel)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}

// loadConfig loads configuration and applies flag overrides; flags win over
// environment values.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.EnvFile, o.BotsFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.Database != "" {
		cfg.DatabasePath = o.Database
	}
	if o.AuditLog != "" {
		cfg.AuditLogPath = o.AuditLog
	}
	if o.Timeout > 0 {
		cfg.HTTPTimeout = o.Timeout
	}
	return cfg, nil
}

func (o *rootOptions) openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.AuditLogPath != "" {
		st.SetAuditLog(store.NewAuditLog(cfg.AuditLogPath))
	}
	return st, nil
}

func (o *rootOptions) blueskyClient(cfg *config.Config, logger *slog.Logger) *bluesky.Client {
	return bluesky.NewClient(logger, bluesky.Options{
		AppViewBase: cfg.AppViewBase,
		Timeout:     cfg.HTTPTimeout,
		MaxRetries:  o.MaxRetries,
		Backoff:     o.Backoff,
		Pace:        o.Pace,
	})
}

func (o *rootOptions) feedgenClient(cfg *config.Config, logger *slog.Logger) (*feedgen.Client, error) {
	return feedgen.NewClient(cfg.FeedgenHost, cfg.FeedgenAPIKey, logger, feedgen.Options{
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: o.MaxRetries,
		Backoff:    o.Backoff,
	})
}

func (o *rootOptions) resolver(client *bluesky.Client, logger *slog.Logger) *identity.Resolver {
	return identity.NewResolver(client, logger)
}
