// Package firehose streams live engagement records from the Jetstream
// firehose, complementing the batch repository walk with near-real-time
// collection.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/newsflows/bluesky-compliance/internal/bluesky"
	"github.com/newsflows/bluesky-compliance/internal/engagement"
)

const (
	cursorServiceName  = "jetstream"
	cursorSaveInterval = 5 * time.Second
	reconnectDelay     = 5 * time.Second
	statsLogInterval   = 30 * time.Second
)

// EngagementStore persists classified engagements and the stream cursor.
type EngagementStore interface {
	InsertEngagements(ctx context.Context, rows []engagement.Engagement) (int, error)
	GetCursor(ctx context.Context, service string) (int64, error)
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// Subscriber connects to the Jetstream firehose and stores engagements from
// watched accounts as they happen.
type Subscriber struct {
	url        string
	classifier *engagement.Classifier
	watched    []string
	store      EngagementStore
	logger     *slog.Logger
}

// NewSubscriber creates a firehose subscriber. watched is the set of engager
// DIDs to request events for; Jetstream filters server-side so the stream
// only carries their commits.
func NewSubscriber(
	firehoseURL string,
	classifier *engagement.Classifier,
	watched []string,
	store EngagementStore,
	logger *slog.Logger,
) *Subscriber {
	return &Subscriber{
		url:        firehoseURL,
		classifier: classifier,
		watched:    watched,
		store:      store,
		logger:     logger,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("firehose connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
				}
			}
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, collection := range s.classifier.Collections() {
		q.Add("wantedCollections", collection)
	}
	for _, did := range s.watched {
		q.Add("wantedDids", did)
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursor, err := s.store.GetCursor(ctx, cursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
	}

	wsURL := s.buildURL(cursor)
	s.logger.Info("connecting to firehose", "collections", s.classifier.Collections(), "watched_dids", len(s.watched))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	s.logger.Info("connected to firehose")

	lastCursorSave := time.Now()
	var latestCursor int64
	var eventsReceived, commitsReceived, engagementsStored int64
	lastStatsLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		eventsReceived++
		latestCursor = event.TimeUS

		if event.Kind == "commit" && event.Commit != nil {
			commitsReceived++
			if stored, err := s.handleCommit(ctx, event); err != nil {
				s.logger.Error("failed to handle commit", "error", err)
			} else {
				engagementsStored += int64(stored)
			}
		}

		if time.Since(lastStatsLog) >= statsLogInterval {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"commits_received", commitsReceived,
				"engagements_stored", engagementsStored,
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval {
			if err := s.store.UpdateCursor(ctx, cursorServiceName, latestCursor); err != nil {
				s.logger.Error("failed to save cursor", "error", err)
			} else {
				lastCursorSave = time.Now()
			}
		}
	}
}

// handleCommit classifies a single commit. Deletes are ignored: stored
// engagements are an append-only history of what was observed, not a mirror
// of the live repository.
func (s *Subscriber) handleCommit(ctx context.Context, event *jetstreamEvent) (int, error) {
	commit := event.Commit
	if commit.Operation != "create" || len(commit.Record) == 0 {
		return 0, nil
	}

	raw := bluesky.RawRecord{
		URI:   fmt.Sprintf("at://%s/%s/%s", event.DID, commit.Collection, commit.RKey),
		CID:   commit.CID,
		Value: commit.Record,
	}
	row, ok := s.classifier.Classify(event.DID, commit.Collection, raw)
	if !ok {
		return 0, nil
	}

	stored, err := s.store.InsertEngagements(ctx, []engagement.Engagement{row})
	if err != nil {
		return 0, err
	}
	if stored > 0 {
		s.logger.Info("stored live engagement",
			"type", row.Type,
			"engager", row.EngagerDID,
			"post", row.PostURI,
		)
	}
	return stored, nil
}
