// Package identity resolves handles to DIDs and DIDs to their hosting
// endpoints, with layered fallback across the directory service and the PLC
// registry. Results are cached for the process lifetime.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/newsflows/bluesky-compliance/internal/bluesky"
)

// Resolver memoizes handle and endpoint resolution. Caches have no eviction;
// a new process starts cold.
type Resolver struct {
	client *bluesky.Client
	logger *slog.Logger

	flight singleflight.Group

	mu        sync.RWMutex
	handles   map[string]string
	endpoints map[string]string // DID -> endpoint URL, "" means unresolved
}

// NewResolver creates a resolver backed by the given client.
func NewResolver(client *bluesky.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		client:    client,
		logger:    logger,
		handles:   make(map[string]string),
		endpoints: make(map[string]string),
	}
}

// ResolveHandle resolves a handle to its DID. A handle that cannot be resolved
// returns an error; successful resolutions are cached.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	r.mu.RLock()
	did, ok := r.handles[handle]
	r.mu.RUnlock()
	if ok {
		return did, nil
	}

	v, err, _ := r.flight.Do("handle:"+handle, func() (any, error) {
		did, err := r.client.ResolveHandle(ctx, handle)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.handles[handle] = did
		r.mu.Unlock()
		return did, nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve handle %s: %w", handle, err)
	}
	return v.(string), nil
}

// ResolvePDS resolves a DID to its hosting endpoint. The boolean reports
// whether an endpoint was found; exhausting every strategy is not an error,
// and the negative result is cached like any other.
func (r *Resolver) ResolvePDS(ctx context.Context, did string) (string, bool) {
	r.mu.RLock()
	endpoint, ok := r.endpoints[did]
	r.mu.RUnlock()
	if ok {
		return endpoint, endpoint != ""
	}

	v, _, _ := r.flight.Do("pds:"+did, func() (any, error) {
		endpoint := r.lookupEndpoint(ctx, did)
		r.mu.Lock()
		r.endpoints[did] = endpoint
		r.mu.Unlock()
		return endpoint, nil
	})
	endpoint = v.(string)
	return endpoint, endpoint != ""
}

// strategy is one way of turning a DID into an optional endpoint. Strategies
// are tried in order; the first non-empty result wins.
type strategy struct {
	name    string
	resolve func(ctx context.Context, did string) (string, error)
}

func (r *Resolver) lookupEndpoint(ctx context.Context, did string) string {
	strategies := []strategy{
		{"directory resolveDid", r.fromDirectory},
		{"plc document", r.fromPLC},
		{"directory resolveIdentity", r.fromIdentity},
	}
	for _, s := range strategies {
		endpoint, err := s.resolve(ctx, did)
		if err != nil {
			r.logger.Debug("pds lookup step failed", "did", did, "step", s.name, "error", err)
			continue
		}
		if endpoint != "" {
			return endpoint
		}
	}
	return ""
}

func (r *Resolver) fromDirectory(ctx context.Context, did string) (string, error) {
	doc, err := r.client.ResolveDIDDirectory(ctx, did)
	if err != nil {
		return "", err
	}
	return extractPDSEndpoint(doc), nil
}

func (r *Resolver) fromPLC(ctx context.Context, did string) (string, error) {
	doc, err := r.client.FetchDIDDocument(ctx, did)
	if err != nil {
		return "", err
	}
	return extractPDSEndpoint(doc), nil
}

func (r *Resolver) fromIdentity(ctx context.Context, did string) (string, error) {
	doc, err := r.client.ResolveIdentity(ctx, did)
	if err != nil {
		return "", err
	}
	return extractPDSEndpoint(doc), nil
}

// extractPDSEndpoint finds the personal data server entry in a DID document's
// service list. Entries match on type or on an id ending in #atproto_pds;
// serviceEndpoint wins over the legacy endpoint field.
func extractPDSEndpoint(doc *bluesky.DIDDocument) string {
	if doc == nil {
		return ""
	}
	for _, svc := range doc.Service {
		isPDS := svc.Type == "#atproto_pds" ||
			svc.Type == "AtprotoPersonalDataServer" ||
			strings.HasSuffix(strings.ToLower(svc.ID), "#atproto_pds")
		if !isPDS {
			continue
		}
		endpoint := svc.ServiceEndpoint
		if endpoint == "" {
			endpoint = svc.Endpoint
		}
		if endpoint != "" {
			return strings.TrimRight(endpoint, "/")
		}
	}
	return ""
}
