// Package broker wraps the local browser broker RPC daemon. All calls share
// one JSON envelope; known error codes are handled in place so callers see
// idempotent open/close semantics.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

const (
	pageSize       = 100
	closeBatchSize = 10
)

// Client implements domain.Broker over the daemon's HTTP RPC.
type Client struct {
	base       string
	httpClient *http.Client

	openRetrySleep time.Duration
	openOverall    time.Duration
	proxyTTL       time.Duration

	mu           sync.RWMutex
	proxyCache   map[int64]domain.ProxyBinding
	proxyFetched time.Time
}

// New builds a broker client from configuration.
func New(cfg config.Config) *Client {
	dialer := &net.Dialer{Timeout: cfg.BrokerConnectTimeout}
	transport := otelhttp.NewTransport(&http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 4,
	})
	return &Client{
		base:           cfg.BrokerAPIBase,
		httpClient:     &http.Client{Timeout: cfg.BrokerTimeout, Transport: transport},
		openRetrySleep: cfg.BrokerOpenRetrySleep,
		openOverall:    cfg.BrokerOpenOverall,
		proxyTTL:       cfg.BrokerProxyCacheTTL,
		proxyCache:     map[int64]domain.ProxyBinding{},
	}
}

// envelope is the daemon's uniform response shape.
type envelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Data json.RawMessage `json:"data"`
}

// call posts one RPC action and decodes its data payload into out.
func (c *Client) call(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("op=broker.call_encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+action, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=broker.call_request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.BrokerRPCTotal.WithLabelValues(action, "conn").Inc()
		return fmt.Errorf("op=broker.%s: %w: %v", action, domain.ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		observability.BrokerRPCTotal.WithLabelValues(action, "decode").Inc()
		return fmt.Errorf("op=broker.%s_decode: %w", action, err)
	}
	observability.BrokerRPCTotal.WithLabelValues(action, strconv.Itoa(env.Error.Code)).Inc()
	if env.Error.Code != domain.BrokerCodeOK {
		return fmt.Errorf("op=broker.%s: %w", action, &domain.APIError{Code: env.Error.Code, Message: env.Error.Message})
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("op=broker.%s_data: %w", action, err)
		}
	}
	return nil
}

type pageParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

type groupDTO struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type windowDTO struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	GroupTitle string `json:"group_title"`
	domain.ProxyBinding
}

// ListGroups pages through group-list until the reported total is reached.
func (c *Client) ListGroups(ctx context.Context) ([]domain.Group, error) {
	var out []domain.Group
	for page := 1; ; page++ {
		var data struct {
			List  []groupDTO `json:"list"`
			Total int        `json:"total"`
		}
		if err := c.call(ctx, "group-list", pageParams{Page: page, PageSize: pageSize}, &data); err != nil {
			return nil, err
		}
		for _, g := range data.List {
			out = append(out, domain.Group{ID: g.ID, Title: g.Title})
		}
		if len(data.List) == 0 || len(out) >= data.Total {
			return out, nil
		}
	}
}

// ListGroupProfiles pages through profile-list for one group and refreshes
// the proxy-binding cache from the returned windows.
func (c *Client) ListGroupProfiles(ctx context.Context, groupTitle string) ([]domain.Profile, error) {
	type listParams struct {
		pageParams
		GroupTitle string `json:"group_title"`
	}
	var windows []windowDTO
	for page := 1; ; page++ {
		var data struct {
			List  []windowDTO `json:"list"`
			Total int         `json:"total"`
		}
		params := listParams{pageParams: pageParams{Page: page, PageSize: pageSize}, GroupTitle: groupTitle}
		if err := c.call(ctx, "profile-list", params, &data); err != nil {
			return nil, err
		}
		windows = append(windows, data.List...)
		if len(data.List) == 0 || len(windows) >= data.Total {
			break
		}
	}

	c.mu.Lock()
	for _, w := range windows {
		c.proxyCache[w.ID] = w.ProxyBinding
	}
	c.proxyFetched = time.Now()
	c.mu.Unlock()

	out := make([]domain.Profile, 0, len(windows))
	for _, w := range windows {
		p := domain.Profile{ID: w.ID, WindowName: w.Name, GroupTitle: w.GroupTitle}
		if p.GroupTitle == "" {
			p.GroupTitle = groupTitle
		}
		pb := w.ProxyBinding
		p.Proxy = &pb
		out = append(out, p)
	}
	return out, nil
}

// ProxyFor serves the proxy binding for a profile from the cache. The second
// return is false when the binding is unknown or the cache has gone stale.
func (c *Client) ProxyFor(_ context.Context, profileID int64) (domain.ProxyBinding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if time.Since(c.proxyFetched) > c.proxyTTL {
		return domain.ProxyBinding{}, false
	}
	pb, ok := c.proxyCache[profileID]
	return pb, ok
}

type openedDTO struct {
	ID        int64  `json:"id"`
	WS        string `json:"ws"`
	DebugPort int    `json:"debug_port"`
	Headless  bool   `json:"headless"`
}

// OpenedProfiles lists profiles with a live debug endpoint. The native
// variant is authoritative; the historical variant only supplements it and
// entries without a websocket address are discarded.
func (c *Client) OpenedProfiles(ctx context.Context) ([]domain.OpenedProfile, error) {
	native, err := c.openedList(ctx, true)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	var out []domain.OpenedProfile
	for _, o := range native {
		if o.WS == "" {
			continue
		}
		seen[o.ID] = true
		out = append(out, domain.OpenedProfile{ProfileID: o.ID, WSURL: o.WS, DebugPort: o.DebugPort, Headless: o.Headless})
	}
	hist, err := c.openedList(ctx, false)
	if err != nil {
		slog.Warn("historical opened-list unavailable", slog.Any("error", err))
		return out, nil
	}
	for _, o := range hist {
		if o.WS == "" || seen[o.ID] {
			continue
		}
		out = append(out, domain.OpenedProfile{ProfileID: o.ID, WSURL: o.WS, DebugPort: o.DebugPort, Headless: o.Headless})
	}
	return out, nil
}

func (c *Client) openedList(ctx context.Context, native bool) ([]openedDTO, error) {
	var data struct {
		List []openedDTO `json:"list"`
	}
	params := struct {
		Native bool `json:"native"`
	}{Native: native}
	if err := c.call(ctx, "profile-opened-list", params, &data); err != nil {
		return nil, err
	}
	return data.List, nil
}

// CloseProfile closes one profile window. Window-not-found is treated as
// already closed.
func (c *Client) CloseProfile(ctx context.Context, profileID int64) error {
	err := c.call(ctx, "profile-close", struct {
		ID int64 `json:"id"`
	}{ID: profileID}, nil)
	if ae, ok := domain.AsAPIError(err); ok && ae.Code == domain.BrokerCodeWindowNotFound {
		return nil
	}
	return err
}

// ResetOpenState clears the daemon's stuck open-state for a profile.
func (c *Client) ResetOpenState(ctx context.Context, profileID int64) error {
	return c.call(ctx, "profile-open-state-reset", struct {
		ID int64 `json:"id"`
	}{ID: profileID}, nil)
}

// CloseInBatches closes many profiles in fixed-size chunks, continuing past
// per-chunk failures.
func (c *Client) CloseInBatches(ctx context.Context, profileIDs []int64) error {
	var firstErr error
	for start := 0; start < len(profileIDs); start += closeBatchSize {
		end := start + closeBatchSize
		if end > len(profileIDs) {
			end = len(profileIDs)
		}
		err := c.call(ctx, "profile-close-in-batches", struct {
			IDs []int64 `json:"ids"`
		}{IDs: profileIDs[start:end]}, nil)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
