// Package bluesky is a read-only client for the AT Protocol endpoints the
// compliance tracker consumes: identity resolution on the shared AppView,
// DID documents from the PLC directory, paginated repository reads on an
// actor's own PDS, and batched post hydration.
package bluesky

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
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAppViewBase is the public AppView instance used for identity
	// resolution and hydration. It does not serve arbitrary-repository reads.
	DefaultAppViewBase = "https://public.api.bsky.app"

	// PLCDirectoryBase hosts DID documents for the did:plc method.
	PLCDirectoryBase = "https://plc.directory"

	userAgent = "newsflows-compliance-tracker/0.1"

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 5
	defaultBackoff    = 1.6
	backoffCeiling    = 60 * time.Second
	backoffFloor      = 500 * time.Millisecond
)

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	// AppViewBase overrides the AppView base URL.
	AppViewBase string

	// PLCBase overrides the PLC directory base URL.
	PLCBase string

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// MaxRetries caps attempts per request against transient failures.
	MaxRetries int

	// Backoff is the exponential backoff base factor.
	Backoff float64

	// Pace is the minimum delay between outgoing requests. Zero disables
	// pacing.
	Pace time.Duration
}

// Client issues paced, retried GET requests against Bluesky HTTP APIs.
type Client struct {
	appViewBase string
	plcBase     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	backoff     float64
	logger      *slog.Logger
}

// NewClient creates a client with the given options.
func NewClient(logger *slog.Logger, opts Options) *Client {
	base := opts.AppViewBase
	if base == "" {
		base = DefaultAppViewBase
	}
	plcBase := opts.PLCBase
	if plcBase == "" {
		plcBase = PLCDirectoryBase
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
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Pace > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Pace), 1)
	}
	return &Client{
		appViewBase: base,
		plcBase:     plcBase,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter:    limiter,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}
}

// AppViewBase returns the configured AppView base URL.
func (c *Client) AppViewBase() string {
	return c.appViewBase
}

// GetJSON issues a GET against an absolute URL with retry and backoff and
// decodes the JSON response into result. Timeouts, 5xx responses, and rate
// limits are retried up to the attempt ceiling; other HTTP errors fail
// immediately.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, result any) error {
	reqURL := rawURL
	if len(params) > 0 {
		reqURL = rawURL + "?" + params.Encode()
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
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("request error",
				"url", rawURL,
				"attempt", attempt+1,
				"max_attempts", c.maxRetries,
				"error", err,
			)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if isTransientStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("status %d from %s", resp.StatusCode, rawURL)
			c.logger.Warn("transient response",
				"url", rawURL,
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
			return &StatusError{Status: resp.StatusCode, URL: rawURL, Body: truncate(string(body), 200)}
		}
		if result != nil {
			if err := json.Unmarshal(body, result); err != nil {
				return fmt.Errorf("decode response from %s: %w", rawURL, err)
			}
		}
		return nil
	}
	return fmt.Errorf("GET %s failed after %d attempts: %w", rawURL, c.maxRetries, lastErr)
}

func (c *Client) getXRPC(ctx context.Context, method string, params url.Values, result any) error {
	return c.GetJSON(ctx, c.appViewBase+"/xrpc/"+method, params, result)
}

// StatusError is a non-transient HTTP error response.
type StatusError struct {
	Status int
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s failed with status %d: %s", e.URL, e.Status, e.Body)
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// backoffDelay computes the capped exponential delay after a failed attempt,
// with jitter so paced workers do not retry in lockstep.
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
