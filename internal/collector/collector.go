// Package collector walks cursor-paginated repository collections on an
// actor's own PDS to exhaustion.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/newsflows/bluesky-compliance/internal/bluesky"
	"github.com/newsflows/bluesky-compliance/internal/identity"
)

// ErrEndpointUnresolved is returned when an actor's hosting endpoint cannot be
// determined; callers skip the actor rather than abort the run.
var ErrEndpointUnresolved = errors.New("pds endpoint unresolved")

// pageLimit is the records-per-page requested from listRecords.
const pageLimit = 100

// Collector reads repository collections via a resolved PDS endpoint.
type Collector struct {
	client   *bluesky.Client
	resolver *identity.Resolver
	logger   *slog.Logger
}

// NewCollector creates a collector using the given client and resolver.
func NewCollector(client *bluesky.Client, resolver *identity.Resolver, logger *slog.Logger) *Collector {
	return &Collector{
		client:   client,
		resolver: resolver,
		logger:   logger,
	}
}

// Pager is a lazy sequence of collection pages. The consumer decides how much
// to pull; Collect drains it.
type Pager struct {
	client     *bluesky.Client
	pds        string
	repo       string
	collection string
	cursor     string
	done       bool
}

// Pager resolves the actor's hosting endpoint and returns a pager over the
// named collection. An unresolved endpoint yields ErrEndpointUnresolved.
func (c *Collector) Pager(ctx context.Context, did, collection string) (*Pager, error) {
	pds, ok := c.resolver.ResolvePDS(ctx, did)
	if !ok {
		return nil, fmt.Errorf("actor %s: %w", did, ErrEndpointUnresolved)
	}
	return &Pager{
		client:     c.client,
		pds:        pds,
		repo:       did,
		collection: collection,
	}, nil
}

// Next fetches the next page of records. It returns nil records once the
// collection is exhausted: a page with zero records or without a continuation
// cursor ends the walk. Ordering is whatever the source returns.
func (p *Pager) Next(ctx context.Context) ([]bluesky.RawRecord, error) {
	if p.done {
		return nil, nil
	}
	page, err := p.client.ListRecords(ctx, p.pds, p.repo, p.collection, pageLimit, p.cursor)
	if err != nil {
		return nil, err
	}
	if len(page.Records) == 0 {
		p.done = true
		return nil, nil
	}
	if page.Cursor == "" {
		p.done = true
	}
	p.cursor = page.Cursor
	return page.Records, nil
}

// Collect walks the named collection of the actor's repository to exhaustion
// and returns all records in source order.
func (c *Collector) Collect(ctx context.Context, did, collection string) ([]bluesky.RawRecord, error) {
	pager, err := c.Pager(ctx, did, collection)
	if err != nil {
		return nil, err
	}
	var records []bluesky.RawRecord
	for {
		page, err := pager.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect %s from %s: %w", collection, did, err)
		}
		if page == nil {
			break
		}
		records = append(records, page...)
	}
	c.logger.Debug("collection walked", "did", did, "collection", collection, "records", len(records))
	return records, nil
}
