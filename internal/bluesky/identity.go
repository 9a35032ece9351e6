package bluesky

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// DIDDocument is the subset of a DID document needed for PDS discovery.
type DIDDocument struct {
	ID      string         `json:"id"`
	Service []ServiceEntry `json:"service"`
}

// ServiceEntry is one service advertised by a DID document. Older documents
// use "endpoint" instead of "serviceEndpoint".
type ServiceEntry struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
	Endpoint        string `json:"endpoint"`
}

// didResponse wraps the two envelope shapes the directory endpoints return.
type didResponse struct {
	DIDDocument *DIDDocument `json:"didDocument"`
	DIDDoc      *DIDDocument `json:"didDoc"`
}

func (r *didResponse) document() *DIDDocument {
	if r.DIDDocument != nil {
		return r.DIDDocument
	}
	return r.DIDDoc
}

// ResolveHandle resolves a handle to its DID via the AppView.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var payload struct {
		DID string `json:"did"`
	}
	params := url.Values{"handle": {handle}}
	if err := c.getXRPC(ctx, "com.atproto.identity.resolveHandle", params, &payload); err != nil {
		return "", fmt.Errorf("resolve handle %s: %w", handle, err)
	}
	if payload.DID == "" {
		return "", fmt.Errorf("no DID for handle %s", handle)
	}
	return payload.DID, nil
}

// ResolveDIDDirectory fetches a DID document via the AppView's resolveDid
// endpoint.
func (c *Client) ResolveDIDDirectory(ctx context.Context, did string) (*DIDDocument, error) {
	var payload didResponse
	params := url.Values{"did": {did}}
	if err := c.getXRPC(ctx, "com.atproto.identity.resolveDid", params, &payload); err != nil {
		return nil, fmt.Errorf("resolve did %s: %w", did, err)
	}
	return payload.document(), nil
}

// FetchDIDDocument fetches a DID document straight from the PLC directory.
func (c *Client) FetchDIDDocument(ctx context.Context, did string) (*DIDDocument, error) {
	var doc DIDDocument
	if err := c.GetJSON(ctx, c.plcBase+"/"+did, nil, &doc); err != nil {
		return nil, fmt.Errorf("fetch did document %s: %w", did, err)
	}
	return &doc, nil
}

// ResolveIdentity fetches a DID document via the AppView's generic
// resolveIdentity endpoint.
func (c *Client) ResolveIdentity(ctx context.Context, did string) (*DIDDocument, error) {
	var payload didResponse
	params := url.Values{"identity": {did}}
	if err := c.getXRPC(ctx, "com.atproto.identity.resolveIdentity", params, &payload); err != nil {
		return nil, fmt.Errorf("resolve identity %s: %w", did, err)
	}
	return payload.document(), nil
}

// Profile is the subset of an actor profile the tracker reads.
type Profile struct {
	DID          string `json:"did"`
	Handle       string `json:"handle"`
	FollowsCount *int64 `json:"followsCount"`
}

// GetProfile fetches an actor's public profile from the AppView.
func (c *Client) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	var profile Profile
	params := url.Values{"actor": {actor}}
	if err := c.getXRPC(ctx, "app.bsky.actor.getProfile", params, &profile); err != nil {
		return nil, fmt.Errorf("get profile %s: %w", actor, err)
	}
	return &profile, nil
}

// ProfileExists reports whether an actor's profile is still served, used as a
// liveness check before walking the actor's repository. Transport failures are
// returned so callers can distinguish "gone" from "unreachable".
func (c *Client) ProfileExists(ctx context.Context, actor string) (bool, error) {
	_, err := c.GetProfile(ctx, actor)
	if err == nil {
		return true, nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status >= 400 && statusErr.Status < 500 {
		return false, nil
	}
	return false, err
}
