package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint = "https://agent.tinyfish.ai/v1/automation/run-sse"

	maxBodyBytes = 32 << 20
	maxBackoff   = 10 * time.Second
)

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Endpoint   string
	APIKey     string
	Goal       string
	HTTPClient *http.Client
	// RateLimit is the number of requests per second sent upstream. Zero disables limiting.
	RateLimit float64
	// MaxAttempts counts the first try. Only transport failures are retried.
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Client talks to the remote extraction agent. One Extract call is one
// automation run against one source URL.
type Client struct {
	endpoint       string
	apiKey         string
	goal           string
	http           *http.Client
	limiter        *rate.Limiter
	maxAttempts    int
	initialBackoff time.Duration
}

func NewClient(opts Options) *Client {
	c := &Client{
		endpoint:       opts.Endpoint,
		apiKey:         strings.TrimSpace(opts.APIKey),
		goal:           opts.Goal,
		http:           opts.HTTPClient,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
	}
	if c.goal == "" {
		c.goal = ExtractionGoal
	}
	if c.http == nil {
		// Per-call deadlines come from the caller's context.
		c.http = &http.Client{}
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = 500 * time.Millisecond
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return c
}

// Ready reports whether the client has what it needs to call upstream.
func (c *Client) Ready() error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

type runRequest struct {
	URL  string `json:"url"`
	Goal string `json:"goal"`
}

// Extract runs the agent against sourceURL and returns the decoded result.
// The value is whatever the stream's last terminal event carried, the
// whole body decoded as JSON, or the raw body text, in that order of
// preference. A non-2xx reply is returned as *UpstreamError.
func (c *Client) Extract(ctx context.Context, sourceURL string) (any, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(runRequest{URL: sourceURL, Goal: c.goal})
	if err != nil {
		return nil, eris.Wrap(err, "agent: marshal request")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "agent: rate limit wait")
		}
	}

	var body []byte
	var status int
	attempt := 0
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.initialBackoff
	retry.MaxInterval = maxBackoff
	retry.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(retry, uint64(c.maxAttempts-1)), ctx)

	err = backoff.RetryNotify(func() error {
		attempt++
		var doErr error
		status, body, doErr = c.do(ctx, payload)
		return doErr
	}, policy, func(err error, delay time.Duration) {
		zap.L().Warn("agent: transport error, retrying",
			zap.String("source_url", sourceURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, err
	}

	if status < 200 || status > 299 {
		return nil, newUpstreamError(status, body)
	}

	return decodeBody(string(body)), nil
}

func (c *Client) do(ctx context.Context, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, eris.Wrap(err, "agent: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, eris.Wrap(err, "agent: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, nil, eris.Wrap(err, "agent: read response")
	}
	return resp.StatusCode, body, nil
}
