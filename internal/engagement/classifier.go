// Package engagement converts raw repository records into typed engagement
// events against a configured set of target authors.
package engagement

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/newsflows/bluesky-compliance/internal/bluesky"
	"github.com/newsflows/bluesky-compliance/internal/window"
)

// Type is the kind of engagement observed.
type Type string

const (
	TypeLike    Type = "like"
	TypeRepost  Type = "repost"
	TypeQuote   Type = "quote"
	TypeComment Type = "comment"
)

// Engagement is one observed action by an engaging identity against a
// target-authored post.
type Engagement struct {
	Timestamp        time.Time
	EngagerDID       string
	PostURI          string
	PostAuthorHandle string
	Type             Type
	Text             string
	IsSubscriber     bool
}

// didFromURIPattern extracts the authority DID from an AT-URI. The scheme is
// relaxed over the method namespace so did:plc, did:web, and future methods
// all match.
var didFromURIPattern = regexp.MustCompile(`^at://(did:[a-z0-9]+:[^/]+)/`)

// DIDFromURI returns the author DID embedded in a post URI, or "" if the URI
// does not carry one.
func DIDFromURI(uri string) string {
	m := didFromURIPattern.FindStringSubmatch(uri)
	if m == nil {
		return ""
	}
	return m[1]
}

// Options selects which engagement types a run collects.
type Options struct {
	Likes    bool
	Reposts  bool
	Comments bool
	Quotes   bool
}

// AllOptions collects every engagement type.
func AllOptions() Options {
	return Options{Likes: true, Reposts: true, Comments: true, Quotes: true}
}

// Collections returns the repository collections a run with these options
// needs to walk. Quotes and comments both come from post records.
func (o Options) Collections() []string {
	var cols []string
	if o.Likes {
		cols = append(cols, CollectionLike)
	}
	if o.Reposts {
		cols = append(cols, CollectionRepost)
	}
	if o.Comments || o.Quotes {
		cols = append(cols, CollectionPost)
	}
	return cols
}

func (o Options) wants(t Type) bool {
	switch t {
	case TypeLike:
		return o.Likes
	case TypeRepost:
		return o.Reposts
	case TypeQuote:
		return o.Quotes
	case TypeComment:
		return o.Comments
	}
	return false
}

// Classifier turns raw records into engagements, applying the time-window and
// target-author filters.
type Classifier struct {
	since       time.Time
	targets     map[string]string // target author DID -> handle
	subscribers map[string]struct{}
	options     Options
}

// NewClassifier creates a classifier. targets maps the monitored authors' DIDs
// to their handles; subscribers marks engagers whose membership was confirmed
// at collection time.
func NewClassifier(since time.Time, targets map[string]string, subscribers map[string]struct{}, options Options) *Classifier {
	return &Classifier{
		since:       since,
		targets:     targets,
		subscribers: subscribers,
		options:     options,
	}
}

// Collections returns the repository collections this classifier's options
// select, delegating to Options.Collections.
func (c *Classifier) Collections() []string {
	return c.options.Collections()
}

// Classify converts one raw record from the named collection of engagerDID's
// repository into an engagement. The boolean is false when the record yields
// no engagement: unrecognized collection, a post that is neither quote nor
// comment, a timestamp before the window, or a target outside the monitored
// author set. Malformed fields classify as absent, never as errors.
func (c *Classifier) Classify(engagerDID, collection string, raw bluesky.RawRecord) (Engagement, bool) {
	var (
		eng Engagement
		ok  bool
	)
	switch collection {
	case CollectionLike:
		eng, ok = c.classifySubject(engagerDID, raw, TypeLike)
	case CollectionRepost:
		eng, ok = c.classifySubject(engagerDID, raw, TypeRepost)
	case CollectionPost:
		eng, ok = c.classifyPost(engagerDID, raw)
	default:
		return Engagement{}, false
	}
	if !ok {
		return Engagement{}, false
	}
	if !c.options.wants(eng.Type) {
		return Engagement{}, false
	}
	return c.applyFilters(eng)
}

func (c *Classifier) classifySubject(engagerDID string, raw bluesky.RawRecord, t Type) (Engagement, bool) {
	var record likeRecord
	if err := json.Unmarshal(raw.Value, &record); err != nil {
		return Engagement{}, false
	}
	ts, _ := window.ParseTime(record.CreatedAt)
	return Engagement{
		Timestamp:  ts,
		EngagerDID: engagerDID,
		PostURI:    record.Subject.uri(),
		Type:       t,
	}, true
}

// classifyPost decides between quote and comment over two independent raw
// signals. A quote reference wins; a bare reply parent yields a comment;
// neither drops the record.
func (c *Classifier) classifyPost(engagerDID string, raw bluesky.RawRecord) (Engagement, bool) {
	var record postRecord
	if err := json.Unmarshal(raw.Value, &record); err != nil {
		return Engagement{}, false
	}
	ts, _ := window.ParseTime(record.CreatedAt)

	if quoted := record.Embed.QuotedURI(); quoted != "" {
		return Engagement{
			Timestamp:  ts,
			EngagerDID: engagerDID,
			PostURI:    quoted,
			Type:       TypeQuote,
			Text:       record.Text,
		}, true
	}
	if record.Reply != nil {
		if parent := record.Reply.Parent.uri(); parent != "" {
			return Engagement{
				Timestamp:  ts,
				EngagerDID: engagerDID,
				PostURI:    parent,
				Type:       TypeComment,
				Text:       record.Text,
			}, true
		}
	}
	return Engagement{}, false
}

// applyFilters enforces the window boundary and the target-author set, and
// stamps the subscriber flag and author handle.
func (c *Classifier) applyFilters(eng Engagement) (Engagement, bool) {
	if eng.Timestamp.IsZero() || eng.Timestamp.Before(c.since) {
		return Engagement{}, false
	}
	authorDID := DIDFromURI(eng.PostURI)
	if authorDID == "" {
		return Engagement{}, false
	}
	handle, ok := c.targets[authorDID]
	if !ok {
		return Engagement{}, false
	}
	eng.PostAuthorHandle = handle
	_, eng.IsSubscriber = c.subscribers[eng.EngagerDID]
	return eng, true
}
