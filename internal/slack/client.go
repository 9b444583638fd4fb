package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"otto/internal/logging"
	"otto/internal/observability"
	"otto/internal/retry"
)

const defaultAPIBase = "https://slack.com/api"

// Messenger is the outbound message surface the gateway and workers use. The
// handle returned by PostMessage identifies the message for later in-place
// edits via UpdateMessage.
type Messenger interface {
	PostMessage(ctx context.Context, channel, threadTS, text string) (ts string, err error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
}

// Client talks to the Slack Web API. Calls are wrapped in the backoff retrier
// so cold starts and transient network errors do not surface to callers.
type Client struct {
	token    string
	baseURL  string
	http     *http.Client
	retryCfg retry.Config
	metrics  *observability.Metrics
	logger   logging.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithRetryConfig tunes the retry budget for API calls.
func WithRetryConfig(cfg retry.Config) ClientOption {
	return func(c *Client) { c.retryCfg = cfg }
}

// WithClientMetrics records how many attempts each outbound call consumed.
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a Slack Web API client.
func NewClient(token string, logger logging.Logger, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultAPIBase,
		http:    &http.Client{Timeout: 10 * time.Second},
		retryCfg: retry.Config{
			MaxAttempts:    3,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			AttemptTimeout: 8 * time.Second,
		},
		logger: logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// attemptCounter implements retry.Notifier; the retrier notifies only when
// another attempt follows, so consumption is the last notified attempt plus
// the final one.
type attemptCounter struct {
	last int
}

func (a *attemptCounter) Notify(attempt int, delay time.Duration, err error) {
	a.last = attempt
}

func (a *attemptCounter) consumed() int {
	return a.last + 1
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// PostMessage posts text to a channel (optionally threaded) and returns the
// message timestamp handle.
func (c *Client) PostMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	payload := map[string]string{
		"channel": channel,
		"text":    text,
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}

	counter := &attemptCounter{}
	resp, err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) (apiResponse, error) {
		return c.call(ctx, "chat.postMessage", payload)
	}, retry.WithLogger(c.logger), retry.WithNotifier(counter))
	c.metrics.ObserveRetryAttempts(counter.consumed())
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return resp.TS, nil
}

// UpdateMessage edits a previously posted message in place.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	payload := map[string]string{
		"channel": channel,
		"ts":      ts,
		"text":    text,
	}

	counter := &attemptCounter{}
	_, err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) (apiResponse, error) {
		return c.call(ctx, "chat.update", payload)
	}, retry.WithLogger(c.logger), retry.WithNotifier(counter))
	c.metrics.ObserveRetryAttempts(counter.consumed())
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload map[string]string) (apiResponse, error) {
	var out apiResponse

	body, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return out, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !out.OK {
		return out, fmt.Errorf("%s: slack error %q", method, out.Error)
	}
	return out, nil
}
