package engagement

import "encoding/json"

// Collection NSIDs whose records yield engagements.
const (
	CollectionLike   = "app.bsky.feed.like"
	CollectionRepost = "app.bsky.feed.repost"
	CollectionPost   = "app.bsky.feed.post"
)

// strongRef is a reference to a specific version of a record. Older record
// shapes carry only a $link identifier.
type strongRef struct {
	URI  string `json:"uri"`
	Link string `json:"$link"`
	CID  string `json:"cid"`
}

func (r strongRef) uri() string {
	if r.URI != "" {
		return r.URI
	}
	return r.Link
}

// likeRecord is the body of an app.bsky.feed.like or app.bsky.feed.repost
// record; both carry a subject reference and a creation timestamp.
type likeRecord struct {
	Type      string    `json:"$type"`
	Subject   strongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// replyRef references the parent and root of a reply chain.
type replyRef struct {
	Root   strongRef `json:"root"`
	Parent strongRef `json:"parent"`
}

// postRecord is the body of an app.bsky.feed.post record.
type postRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Reply     *replyRef `json:"reply"`
	Embed     *Embed    `json:"embed"`
}

// Embed discriminators that carry a quoted-post reference. Any other tag means
// "not a quote".
const (
	embedTypeRecord          = "app.bsky.embed.record"
	embedTypeRecordWithMedia = "app.bsky.embed.recordWithMedia"
)

// Embed is the open union attached to a post. Only the type tag and the
// record branch are decoded; unrecognized tags resolve to no quote so that
// schema evolution never becomes a hard failure.
type Embed struct {
	Type   string          `json:"$type"`
	Record json.RawMessage `json:"record"`
}

// QuotedURI extracts the quoted post's URI from the embed, handling the direct
// record reference and the recordWithMedia wrapper that nests the reference one
// level deeper. It returns "" for any other or malformed shape.
func (e *Embed) QuotedURI() string {
	if e == nil || len(e.Record) == 0 {
		return ""
	}
	switch e.Type {
	case embedTypeRecord:
		var ref strongRef
		if err := json.Unmarshal(e.Record, &ref); err != nil {
			return ""
		}
		return ref.uri()
	case embedTypeRecordWithMedia:
		var wrapper struct {
			Record strongRef `json:"record"`
		}
		if err := json.Unmarshal(e.Record, &wrapper); err != nil {
			return ""
		}
		return wrapper.Record.uri()
	default:
		return ""
	}
}
