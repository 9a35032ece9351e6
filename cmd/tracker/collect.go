package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/newsflows/bluesky-compliance/internal/bluesky"
	"github.com/newsflows/bluesky-compliance/internal/collector"
	"github.com/newsflows/bluesky-compliance/internal/engagement"
	"github.com/newsflows/bluesky-compliance/internal/store"
	"github.com/newsflows/bluesky-compliance/internal/window"
)

// collectOptions holds flags for the collect command.
type collectOptions struct {
	*rootOptions
	Since        string
	Days         float64
	FeedSince    string
	FeedDays     float64
	SkipLikes    bool
	SkipReposts  bool
	SkipComments bool
	SkipQuotes   bool
	SkipFeed     bool
	SkipMatch    bool
	Repair       bool
	Concurrency  int
}

func newCollectCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &collectOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the full collection pipeline",
		Long: `Fetches the subscriber roster, walks each subscriber's repository for
engagements with the tracked bot accounts, ingests feed-serving snapshots,
and matches engagement positions against them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "engagement window start (timestamp or days ago)")
	cmd.Flags().Float64Var(&opts.Days, "days", 0, "engagement window in days")
	cmd.Flags().StringVar(&opts.FeedSince, "feed-since", "", "feed window start (timestamp or days ago)")
	cmd.Flags().Float64Var(&opts.FeedDays, "feed-days", 0, "feed window in days")
	cmd.Flags().BoolVar(&opts.SkipLikes, "skip-likes", false, "do not collect likes")
	cmd.Flags().BoolVar(&opts.SkipReposts, "skip-reposts", false, "do not collect reposts")
	cmd.Flags().BoolVar(&opts.SkipComments, "skip-comments", false, "do not collect comments")
	cmd.Flags().BoolVar(&opts.SkipQuotes, "skip-quotes", false, "do not collect quotes")
	cmd.Flags().BoolVar(&opts.SkipFeed, "skip-feed", false, "do not ingest feed snapshots")
	cmd.Flags().BoolVar(&opts.SkipMatch, "skip-match", false, "do not run position matching")
	cmd.Flags().BoolVar(&opts.Repair, "repair", false, "re-fetch feed requests stored without posts")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 4, "concurrent subscriber repository walks")

	return cmd
}

func (o *collectOptions) engagementOptions() engagement.Options {
	return engagement.Options{
		Likes:    !o.SkipLikes,
		Reposts:  !o.SkipReposts,
		Comments: !o.SkipComments,
		Quotes:   !o.SkipQuotes,
	}
}

func runCollect(ctx context.Context, opts *collectOptions) error {
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
	logger.Info("fetched subscriber roster", "subscribers", len(subscribers))

	inserted, refreshed, err := st.StoreSubscriberSnapshot(ctx, subscribers, time.Now())
	if err != nil {
		return fmt.Errorf("store subscriber snapshot: %w", err)
	}
	logger.Info("subscriber snapshot stored", "inserted", inserted, "refreshed", refreshed)

	targets, err := resolveTargets(ctx, resolver, cfg.BotHandles)
	if err != nil {
		return err
	}
	logger.Info("resolved tracked accounts", "accounts", len(targets))

	since, err := resolveWindow(ctx, st, "engagements", opts.Since, opts.Days, logger)
	if err != nil {
		return err
	}

	engagementOpts := opts.engagementOptions()
	subscriberSet := make(map[string]struct{}, len(subscribers))
	for did := range subscribers {
		subscriberSet[did] = struct{}{}
	}
	classifier := engagement.NewClassifier(since, targets, subscriberSet, engagementOpts)

	rows, failedActors := collectEngagements(ctx, collector.NewCollector(client, resolver, logger), client, classifier, sortedKeys(subscribers), engagementOpts.Collections(), opts.Concurrency, logger)

	stored, err := st.InsertEngagements(ctx, rows)
	if err != nil {
		return fmt.Errorf("store engagements: %w", err)
	}
	missingText, err := st.CountEngagementsMissingText(ctx)
	if err != nil {
		return fmt.Errorf("count engagements missing text: %w", err)
	}
	logger.Info("engagements stored",
		"since", since,
		"classified", len(rows),
		"inserted", stored,
		"failed_actors", failedActors,
		"missing_text", missingText,
	)

	if !opts.SkipFeed {
		feedSince, err := resolveWindow(ctx, st, "feed_requests", opts.FeedSince, opts.FeedDays, logger)
		if err != nil {
			return err
		}
		if err := ingestFeedForSubscribers(ctx, st, feedClient, sortedKeys(subscribers), feedSince, logger); err != nil {
			return err
		}
		if opts.Repair {
			stats, err := st.RepairEmptyFeedRequests(ctx, feedClient, &feedSince)
			if err != nil {
				return fmt.Errorf("repair empty feed requests: %w", err)
			}
			logger.Info("empty feed requests repaired",
				"empty", stats.EmptyRequests,
				"repaired", stats.Repaired,
				"still_empty", stats.StillEmpty,
				"errors", stats.Errors,
			)
		}
	}

	if !opts.SkipMatch {
		stats, err := st.MatchPositions(ctx, &since)
		if err != nil {
			return fmt.Errorf("match positions: %w", err)
		}
		logMatchStats(logger, stats)
	}

	return nil
}

// resolveTargets maps tracked bot handles to DIDs. Any unresolvable handle is
// fatal: collecting against a partial target set would silently drop
// engagements.
func resolveTargets(ctx context.Context, resolver handleResolver, handles []string) (map[string]string, error) {
	targets := make(map[string]string, len(handles))
	for _, handle := range handles {
		did, err := resolver.ResolveHandle(ctx, handle)
		if err != nil {
			return nil, fmt.Errorf("resolve tracked account %s: %w", handle, err)
		}
		targets[did] = handle
	}
	return targets, nil
}

type handleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

type actorWalker interface {
	Collect(ctx context.Context, did, collection string) ([]bluesky.RawRecord, error)
}

type profileChecker interface {
	ProfileExists(ctx context.Context, actor string) (bool, error)
}

// collectEngagements walks each actor's repository collections with bounded
// concurrency, after a liveness check on the actor's profile. Per-actor
// failures are isolated: they are logged and counted, never abort the run.
func collectEngagements(
	ctx context.Context,
	walker actorWalker,
	checker profileChecker,
	classifier *engagement.Classifier,
	actors []string,
	collections []string,
	concurrency int,
	logger *slog.Logger,
) ([]engagement.Engagement, int) {
	var (
		mu           sync.Mutex
		rows         []engagement.Engagement
		failedActors int
	)

	group, gctx := errgroup.WithContext(ctx)
	if concurrency < 1 {
		concurrency = 1
	}
	group.SetLimit(concurrency)

	for _, did := range actors {
		did := did
		group.Go(func() error {
			exists, err := checker.ProfileExists(gctx, did)
			if err != nil {
				mu.Lock()
				failedActors++
				mu.Unlock()
				logger.Warn("actor profile check failed", "did", did, "error", err)
				return nil
			}
			if !exists {
				logger.Warn("skipping actor without active profile", "did", did)
				return nil
			}

			actorRows, err := collectActor(gctx, walker, classifier, did, collections)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failedActors++
				if errors.Is(err, collector.ErrEndpointUnresolved) {
					logger.Warn("skipping actor without resolvable endpoint", "did", did)
				} else {
					logger.Warn("actor collection failed", "did", did, "error", err)
				}
				return nil
			}
			rows = append(rows, actorRows...)
			return nil
		})
	}
	group.Wait()

	return rows, failedActors
}

func collectActor(
	ctx context.Context,
	walker actorWalker,
	classifier *engagement.Classifier,
	did string,
	collections []string,
) ([]engagement.Engagement, error) {
	var rows []engagement.Engagement
	for _, collection := range collections {
		records, err := walker.Collect(ctx, did, collection)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if row, ok := classifier.Classify(did, collection, record); ok {
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// ingestFeedForSubscribers pulls feed-serving events per subscriber and
// stores them. Fetch failures for one subscriber do not stop the others.
func ingestFeedForSubscribers(
	ctx context.Context,
	st *store.Store,
	fetcher store.RetrievalFetcher,
	dids []string,
	since time.Time,
	logger *slog.Logger,
) error {
	minDate := window.FormatMinDate(since)
	totalStored, failed := 0, 0
	for _, did := range dids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retrievals, err := fetcher.FetchRetrievals(ctx, did, minDate)
		if err != nil {
			failed++
			logger.Warn("feed retrieval fetch failed", "did", did, "error", err)
			continue
		}
		stored, err := st.StoreFeedRetrievals(ctx, retrievals)
		if err != nil {
			return fmt.Errorf("store feed retrievals for %s: %w", did, err)
		}
		totalStored += stored
	}
	logger.Info("feed snapshots ingested",
		"since", since,
		"subscribers", len(dids),
		"stored", totalStored,
		"failed_fetches", failed,
	)
	return nil
}

func logMatchStats(logger *slog.Logger, stats store.MatchStats) {
	logger.Info("positions matched",
		"processed", stats.Processed,
		"matched", stats.Matched,
		"mean_age_seconds", stats.MeanAgeSeconds(),
		"status_counts", stats.StatusCounts,
	)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
