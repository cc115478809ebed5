package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// hooksScript wraps window.fetch so later phases can read what the page did:
// the last generation id seen in a request URL and the most recent
// anti-abuse sentinel header.
const hooksScript = `(() => {
  if (window.__vidHooks) { return true; }
  window.__vidHooks = { last: '', sentinel: '' };
  const orig = window.fetch;
  window.fetch = async (...args) => {
    try {
      const url = typeof args[0] === 'string' ? args[0] : (args[0] && args[0].url) || '';
      const m = /gen_[A-Za-z0-9]+/.exec(url);
      if (m) { window.__vidHooks.last = m[0]; }
      const headers = (args[1] && args[1].headers) || {};
      const sentinel = headers['openai-sentinel-token'] || headers['Openai-Sentinel-Token'] || '';
      if (sentinel) { window.__vidHooks.sentinel = sentinel; }
    } catch (e) {}
    return orig(...args);
  };
  return true;
})()`

// InstallHooks arms the page-side request hooks. Idempotent.
func (s *Session) InstallHooks(ctx context.Context) error {
	_, err := s.Evaluate(ctx, hooksScript)
	return err
}

// AccessToken reads the session bearer token from the in-page auth endpoint.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	raw, err := s.Evaluate(ctx,
		`fetch('/api/auth/session', {credentials: 'include'}).then(r => r.json()).then(j => j.accessToken || '')`)
	if err != nil {
		return "", err
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", fmt.Errorf("op=browser.access_token: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("op=browser.access_token: %w: empty token", domain.ErrTokenAuth)
	}
	return token, nil
}

// LastGenerationID returns the newest generation id the hooks observed,
// empty when none has been seen yet.
func (s *Session) LastGenerationID(ctx context.Context) (string, error) {
	raw, err := s.Evaluate(ctx, `(window.__vidHooks && window.__vidHooks.last) || ''`)
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("op=browser.generation_id: %w", err)
	}
	return id, nil
}

// SentinelToken returns the most recent anti-abuse token the page attached
// to its own requests.
func (s *Session) SentinelToken(ctx context.Context) (string, error) {
	raw, err := s.Evaluate(ctx, `(window.__vidHooks && window.__vidHooks.sentinel) || ''`)
	if err != nil {
		return "", err
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", fmt.Errorf("op=browser.sentinel: %w", err)
	}
	return token, nil
}

// PublishVideo runs the publish flow inside the page and returns the share
// URL the upstream hands back. Shape validation is the caller's business.
func (s *Session) PublishVideo(ctx context.Context, generationID string) (string, error) {
	payload, err := json.Marshal(map[string]string{"generation_id": generationID})
	if err != nil {
		return "", fmt.Errorf("op=browser.publish_encode: %w", err)
	}
	expr := fmt.Sprintf(
		`fetch('/backend/nf/publish', {method: 'POST', credentials: 'include', headers: {'Content-Type': 'application/json'}, body: JSON.stringify(%s)}).then(r => r.json()).then(j => j.share_url || j.url || '')`,
		string(payload))
	raw, err := s.Evaluate(ctx, expr)
	if err != nil {
		return "", err
	}
	var url string
	if err := json.Unmarshal(raw, &url); err != nil {
		return "", fmt.Errorf("op=browser.publish: %w", err)
	}
	if url == "" {
		return "", fmt.Errorf("op=browser.publish: %w: empty share url", domain.ErrInternal)
	}
	return url, nil
}

// PageResponse is the result of an in-page fetch.
type PageResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// FetchJSON performs a fetch from inside the page, riding the browser's own
// TLS session and cookies. It is the fallback path when direct HTTP hits a
// Cloudflare challenge.
func (s *Session) FetchJSON(ctx context.Context, method, url string, body any) (PageResponse, error) {
	args := map[string]any{"method": method, "url": url}
	if body != nil {
		args["body"] = body
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return PageResponse{}, fmt.Errorf("op=browser.fetch_encode: %w", err)
	}
	expr := fmt.Sprintf(`(async () => {
  const a = %s;
  const init = {method: a.method, credentials: 'include', headers: {'Accept': 'application/json'}};
  if (a.body !== undefined) {
    init.headers['Content-Type'] = 'application/json';
    init.body = JSON.stringify(a.body);
  }
  const resp = await fetch(a.url, init);
  let parsed = null;
  try { parsed = await resp.json(); } catch (e) {}
  return {status: resp.status, body: parsed};
})()`, string(encoded))
	raw, err := s.Evaluate(ctx, expr)
	if err != nil {
		return PageResponse{}, err
	}
	var out PageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return PageResponse{}, fmt.Errorf("op=browser.fetch: %w", err)
	}
	return out, nil
}
