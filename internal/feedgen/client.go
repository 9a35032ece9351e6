// Package feedgen talks to the feed generator's compliance API: the subscriber
// roster and the feed-serving event log that feeds snapshot ingestion.
package feedgen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	subscribersPath = "/api/subscribers"
	compliancePath  = "/api/compliance"

	userAgent = "newsflows-compliance-tracker/0.1"

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 5
	defaultBackoff    = 1.6
	backoffCeiling    = 60 * time.Second
	backoffFloor      = 500 * time.Millisecond
)

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    float64
}

// Client is an authenticated client for the feed generator's compliance API.
type Client struct {
	base       string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    float64
	logger     *slog.Logger
}

// NewClient creates a client for the given host. Missing host or API key is a
// configuration error detected before any network work begins.
func NewClient(host, apiKey string, logger *slog.Logger, opts Options) (*Client, error) {
	if host == "" || apiKey == "" {
		return nil, fmt.Errorf("feed generator host and API key are required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := opts.Backoff
	if backoff <= 1 {
		backoff = defaultBackoff
	}
	return &Client{
		base:       BuildEndpoint(host, ""),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}, nil
}

// BuildEndpoint turns a configured host value into a full endpoint URL. Bare
// hostnames get an explicit https scheme and port.
func BuildEndpoint(host, path string) string {
	var base string
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		base = strings.TrimRight(host, "/")
	} else {
		base = "https://" + host + ":443"
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// Subscriber is one entry in the subscriber roster.
type Subscriber struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// FetchSubscribers returns the current subscriber set as a DID-to-handle map.
func (c *Client) FetchSubscribers(ctx context.Context) (map[string]string, error) {
	var payload struct {
		Subscribers []Subscriber `json:"subscribers"`
	}
	if err := c.get(ctx, subscribersPath, nil, &payload); err != nil {
		return nil, fmt.Errorf("fetch subscribers: %w", err)
	}
	subscribers := make(map[string]string, len(payload.Subscribers))
	for _, entry := range payload.Subscribers {
		if entry.DID == "" {
			continue
		}
		subscribers[entry.DID] = entry.Handle
	}
	return subscribers, nil
}

// FetchRetrievals returns feed-serving events, optionally restricted to one
// requester DID and a minimum timestamp (formatted per window.FormatMinDate).
func (c *Client) FetchRetrievals(ctx context.Context, userDID, minDate string) ([]Retrieval, error) {
	params := url.Values{}
	if userDID != "" {
		params.Set("user_did", userDID)
	}
	if minDate != "" {
		params.Set("min_date", minDate)
	}
	var payload struct {
		Compliance []Retrieval `json:"compliance"`
	}
	if err := c.get(ctx, compliancePath, params, &payload); err != nil {
		return nil, fmt.Errorf("fetch feed retrievals: %w", err)
	}
	return payload.Compliance, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	reqURL := c.base + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(c.backoff, attempt-1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("api-key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("feed compliance request error",
				"path", path,
				"attempt", attempt+1,
				"max_attempts", c.maxRetries,
				"error", err,
			)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d from %s", resp.StatusCode, path)
			c.logger.Warn("feed compliance transient response",
				"path", path,
				"status", resp.StatusCode,
				"attempt", attempt+1,
				"max_attempts", c.maxRetries,
			)
			continue
		}
		if readErr != nil {
			return fmt.Errorf("read response: %w", readErr)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("GET %s failed with status %d: %s", path, resp.StatusCode, truncate(string(body), 200))
		}
		if result != nil {
			if err := json.Unmarshal(body, result); err != nil {
				return fmt.Errorf("decode response from %s: %w", path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("GET %s failed after %d attempts: %w", path, c.maxRetries, lastErr)
}

func backoffDelay(factor float64, attempt int) time.Duration {
	seconds := math.Pow(factor, float64(attempt+1)) + rand.Float64()/2
	delay := time.Duration(seconds * float64(time.Second))
	if delay < backoffFloor {
		delay = backoffFloor
	}
	if delay > backoffCeiling {
		delay = backoffCeiling
	}
	return delay
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
