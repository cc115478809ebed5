// Package watermark calls the operator-configured post-processor that turns
// a share URL into a watermark-free video URL.
package watermark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Client posts share URLs to the post-processor. A client without a base URL
// is valid and reports ErrWatermarkDisabled on every call; the runner decides
// whether that becomes a fallback completion.
type Client struct {
	base       string
	httpClient *http.Client
	retryMax   int
}

// New builds a watermark client from configuration.
func New(cfg config.Config) *Client {
	return &Client{
		base:       cfg.WatermarkAPIBase,
		httpClient: &http.Client{Timeout: cfg.WatermarkTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		retryMax:   cfg.WatermarkRetryMax,
	}
}

// Enabled reports whether a post-processor is configured.
func (c *Client) Enabled() bool { return c.base != "" }

// Parse resolves a share URL to a processed video URL, retrying transient
// failures up to the configured maximum.
func (c *Client) Parse(ctx context.Context, shareURL string) (string, error) {
	url, _, err := c.ParseWithAttempts(ctx, shareURL)
	return url, err
}

// ParseWithAttempts is Parse reporting how many calls the retry loop made to
// the post-processor, so callers can persist the real attempt count. A
// disabled client reports zero attempts.
func (c *Client) ParseWithAttempts(ctx context.Context, shareURL string) (string, int, error) {
	if !c.Enabled() {
		return "", 0, fmt.Errorf("op=watermark.parse: %w", domain.ErrWatermarkDisabled)
	}
	attempts := 0
	operation := func() (string, error) {
		attempts++
		return c.parseOnce(ctx, shareURL)
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(500*time.Millisecond),
			backoff.WithMaxInterval(5*time.Second),
		), uint64(c.retryMax)), ctx)
	url, err := backoff.RetryWithData(operation, b)
	return url, attempts, err
}

func (c *Client) parseOnce(ctx context.Context, shareURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"url": shareURL})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("op=watermark.parse_encode: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/parse", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("op=watermark.parse_request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=watermark.parse: %w: %v", domain.ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("op=watermark.parse_read: %w", err)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("op=watermark.parse: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", backoff.Permanent(fmt.Errorf("op=watermark.parse: %w: status %d: %s", domain.ErrInvalidArgument, resp.StatusCode, raw))
	}
	var payload struct {
		URL      string `json:"url"`
		VideoURL string `json:"video_url"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", backoff.Permanent(fmt.Errorf("op=watermark.parse_decode: %w", err))
	}
	url := payload.URL
	if url == "" {
		url = payload.VideoURL
	}
	if url == "" {
		return "", backoff.Permanent(fmt.Errorf("op=watermark.parse: %w: empty result", domain.ErrInternal))
	}
	return url, nil
}

// interface guard
var _ domain.WatermarkClient = (*Client)(nil)
