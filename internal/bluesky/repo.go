package bluesky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// RawRecord is one record from a repository collection. Value is left opaque;
// classification happens downstream.
type RawRecord struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// RecordsPage is one page of a paginated collection read.
type RecordsPage struct {
	Records []RawRecord `json:"records"`
	Cursor  string      `json:"cursor"`
}

// ListRecords reads one page of a repository collection from the actor's own
// PDS. The shared AppView does not serve this endpoint for arbitrary repos, so
// pdsBase must be the actor's resolved hosting endpoint.
func (c *Client) ListRecords(ctx context.Context, pdsBase, repo, collection string, limit int, cursor string) (*RecordsPage, error) {
	params := url.Values{
		"repo":       {repo},
		"collection": {collection},
		"limit":      {strconv.Itoa(limit)},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var page RecordsPage
	if err := c.GetJSON(ctx, pdsBase+"/xrpc/com.atproto.repo.listRecords", params, &page); err != nil {
		return nil, fmt.Errorf("list records %s/%s: %w", repo, collection, err)
	}
	return &page, nil
}

// PostView is the hydrated view of a post returned by app.bsky.feed.getPosts.
type PostView struct {
	URI    string `json:"uri"`
	CID    string `json:"cid"`
	Author struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"author"`
	IndexedAt string          `json:"indexedAt"`
	Record    json.RawMessage `json:"record"`
}

// CreatedAt extracts the record's createdAt field, empty if absent.
func (p *PostView) CreatedAt() string {
	var record struct {
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(p.Record, &record); err != nil {
		return ""
	}
	return record.CreatedAt
}

// GetPostsBatchLimit is the AppView's cap on URIs per getPosts request.
const GetPostsBatchLimit = 25

// GetPosts hydrates up to GetPostsBatchLimit post URIs in one request. URIs
// the AppView no longer serves are simply absent from the result.
func (c *Client) GetPosts(ctx context.Context, uris []string) ([]PostView, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	if len(uris) > GetPostsBatchLimit {
		return nil, fmt.Errorf("get posts: batch of %d exceeds limit %d", len(uris), GetPostsBatchLimit)
	}
	params := url.Values{"uris": uris}
	var payload struct {
		Posts []PostView `json:"posts"`
	}
	if err := c.getXRPC(ctx, "app.bsky.feed.getPosts", params, &payload); err != nil {
		return nil, fmt.Errorf("get posts: %w", err)
	}
	return payload.Posts, nil
}
