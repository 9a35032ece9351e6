package feedgen

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Retrieval is one feed-serving event: which posts the ranking service
// returned to a viewer at one point in time.
type Retrieval struct {
	ID           int64           `json:"id"`
	RequesterDID string          `json:"requester_did"`
	UserDID      string          `json:"user_did"`
	Algo         *string         `json:"algo"`
	Timestamp    string          `json:"timestamp"`
	Posts        []RetrievalPost `json:"posts"`
}

// Requester returns the requester DID, falling back to the legacy user_did
// field name.
func (r *Retrieval) Requester() string {
	if r.RequesterDID != "" {
		return r.RequesterDID
	}
	return r.UserDID
}

// PostsJSON re-serializes the verbatim post payloads as one JSON array.
func (r *Retrieval) PostsJSON() string {
	raws := make([]json.RawMessage, len(r.Posts))
	for i, post := range r.Posts {
		raws[i] = post.Raw
	}
	encoded, err := json.Marshal(raws)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// RetrievalPost is one post inside a retrieval snapshot. The payload is kept
// verbatim; URI, CID, and rank are extracted defensively since the upstream
// shape drifts.
type RetrievalPost struct {
	Raw      json.RawMessage
	URI      string
	CID      string
	Position *int64
}

// UnmarshalJSON keeps the raw payload and pulls out the fields the tracker
// indexes on. A non-object payload yields an empty post, not an error.
func (p *RetrievalPost) UnmarshalJSON(data []byte) error {
	p.Raw = append(p.Raw[:0], data...)

	var fields struct {
		URI     string `json:"uri"`
		PostURI string `json:"postUri"`
		CID     string `json:"cid"`
		Record  struct {
			CID string `json:"cid"`
		} `json:"record"`
		Position json.RawMessage `json:"position"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	p.URI = fields.URI
	if p.URI == "" {
		p.URI = fields.PostURI
	}
	p.CID = fields.CID
	if p.CID == "" {
		p.CID = fields.Record.CID
	}
	p.Position = coercePosition(fields.Position)
	return nil
}

// coercePosition interprets a payload position that may arrive as an integer,
// a whole-valued float, a numeric string, or a bool (0/1). Anything else is
// treated as absent.
func coercePosition(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	switch v := value.(type) {
	case bool:
		n := int64(0)
		if v {
			n = 1
		}
		return &n
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return nil
		}
		n := int64(v)
		return &n
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return &n
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return nil
		}
		n := int64(f)
		return &n
	default:
		return nil
	}
}
