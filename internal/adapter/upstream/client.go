// Package upstream talks to the video service's HTTP API on behalf of a
// profile. Requests impersonate the profile's in-browser session: bearer
// token, a stable per-profile device cookie and mobile Safari headers.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/browser"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

const (
	userAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	maxBody   = 1 << 20
)

// cfMarkers identify a Cloudflare challenge page when paired with a 403.
var cfMarkers = []string{"just a moment", "challenge-platform", "cf-mitigated", "cloudflare"}

// deviceRegistry holds the stable per-profile device identifiers. It is
// shared between a client and its proxied derivatives so a profile keeps one
// identity regardless of the egress path.
type deviceRegistry struct {
	mu  sync.Mutex
	ids map[int64]string
}

func (r *deviceRegistry) get(profileID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[profileID]
	if !ok {
		id = uuid.NewString()
		r.ids[profileID] = id
	}
	return id
}

// Client is a per-process upstream API client shared by all profiles.
type Client struct {
	base       string
	timeout    time.Duration
	httpClient *http.Client
	devices    *deviceRegistry
}

// NewClient builds an upstream client from configuration.
func NewClient(cfg config.Config) *Client {
	return &Client{
		base:       strings.TrimRight(cfg.UpstreamBaseURL, "/"),
		timeout:    cfg.UpstreamTimeout,
		httpClient: &http.Client{Timeout: cfg.UpstreamTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		devices:    &deviceRegistry{ids: map[int64]string{}},
	}
}

// WithProxy returns a client sending its traffic through the given proxy
// URL, sharing the device registry with the parent. An empty or invalid
// proxy URL returns the receiver unchanged.
func (c *Client) WithProxy(proxyURL string) *Client {
	if proxyURL == "" {
		return c
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return c
	}
	transport := &http.Transport{Proxy: http.ProxyURL(u)}
	return &Client{
		base:       c.base,
		timeout:    c.timeout,
		httpClient: &http.Client{Timeout: c.timeout, Transport: otelhttp.NewTransport(transport)},
		devices:    c.devices,
	}
}

// DeviceID returns the stable device identifier for a profile, creating one
// on first use. It lives only in memory; a restart mints new identities.
func (c *Client) DeviceID(profileID int64) string { return c.devices.get(profileID) }

// do issues one API request and classifies the failure modes the callers
// care about: Cloudflare challenge, token-auth failure, upstream overload.
func (c *Client) do(ctx context.Context, profileID int64, token, method, path string, body, out any, operation string) error {
	return c.doHeaders(ctx, profileID, token, method, path, body, out, operation, nil)
}

func (c *Client) doHeaders(ctx context.Context, profileID int64, token, method, path string, body, out any, operation string, extra map[string]string) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=upstream.%s_encode: %w", operation, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("op=upstream.%s_request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", c.base)
	req.Header.Set("Referer", c.base+"/")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	req.AddCookie(&http.Cookie{Name: "oai-did", Value: c.DeviceID(profileID)})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(operation, "conn").Inc()
		return fmt.Errorf("op=upstream.%s: %w: %v", operation, domain.ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(operation, "read").Inc()
		return fmt.Errorf("op=upstream.%s_read: %w", operation, err)
	}

	if err := classify(resp.StatusCode, raw); err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(operation, outcome(err)).Inc()
		return fmt.Errorf("op=upstream.%s: %w", operation, err)
	}
	observability.UpstreamRequestsTotal.WithLabelValues(operation, "ok").Inc()
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("op=upstream.%s_decode: %w", operation, err)
		}
	}
	return nil
}

// PageFetcher issues a request from inside the profile's own page, riding
// the browser's TLS session past the Cloudflare challenge. The live browser
// session satisfies it.
type PageFetcher interface {
	FetchJSON(ctx context.Context, method, url string, body any) (browser.PageResponse, error)
}

// pageDo is the in-page counterpart of do: same endpoints, same failure
// classification, but the browser supplies credentials and transport.
func (c *Client) pageDo(ctx context.Context, page PageFetcher, method, path string, body, out any, operation string) error {
	resp, err := page.FetchJSON(ctx, method, c.base+path, body)
	if err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(operation, "conn").Inc()
		return fmt.Errorf("op=upstream.%s: %w: %v", operation, domain.ErrConnection, err)
	}
	if err := classify(resp.Status, resp.Body); err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(operation, outcome(err)).Inc()
		return fmt.Errorf("op=upstream.%s: %w", operation, err)
	}
	observability.UpstreamRequestsTotal.WithLabelValues(operation, "ok").Inc()
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("op=upstream.%s_decode: %w", operation, err)
		}
	}
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrCFChallenge):
		return "cf_challenge"
	case errors.Is(err, domain.ErrTokenAuth):
		return "token_auth"
	case errors.Is(err, domain.ErrOverload):
		return "overload"
	default:
		return "error"
	}
}

// classify maps an HTTP failure to the domain error taxonomy, preserving the
// upstream message so the overload marker survives into persisted errors.
func classify(status int, body []byte) error {
	if status < 400 {
		return nil
	}
	lower := strings.ToLower(string(body))
	if status == http.StatusForbidden && containsAny(lower, cfMarkers) {
		return fmt.Errorf("%w: status %d", domain.ErrCFChallenge, status)
	}
	if isTokenAuthFailure(status, lower) {
		return fmt.Errorf("%w: status %d", domain.ErrTokenAuth, status)
	}
	msg := extractMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	if domain.IsOverloadMessage(msg) || domain.IsOverloadMessage(lower) {
		return fmt.Errorf("%w: %s", domain.ErrOverload, msg)
	}
	return fmt.Errorf("upstream status %d: %s", status, msg)
}

func isTokenAuthFailure(status int, lowerBody string) bool {
	if strings.Contains(lowerBody, "token_expired") || strings.Contains(lowerBody, "invalid_token") {
		return true
	}
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// extractMessage pulls a human-readable error message out of common payload
// shapes: {"error":{"message":...}}, {"error":"..."}, {"detail":"..."}.
func extractMessage(body []byte) string {
	var envelope struct {
		Error  json.RawMessage `json:"error"`
		Detail string          `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Detail != "" {
		return envelope.Detail
	}
	if len(envelope.Error) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(envelope.Error, &asString); err == nil {
		return asString
	}
	var asObject struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &asObject); err == nil {
		return asObject.Message
	}
	return ""
}
