package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

var upgrader = websocket.Upgrader{}

// devtoolsStub answers protocol calls with canned evaluate results keyed by
// expression substring.
func devtoolsStub(t *testing.T, answers map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		for {
			var req cdpRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := map[string]any{"id": req.ID}
			switch req.Method {
			case "Page.navigate":
				resp["result"] = map[string]any{"frameId": "f1"}
			case "Runtime.evaluate":
				params := req.Params.(map[string]any)
				expr := params["expression"].(string)
				var value any
				for needle, v := range answers {
					if strings.Contains(expr, needle) {
						value = v
						break
					}
				}
				resp["result"] = map[string]any{"result": map[string]any{"value": value}}
			default:
				resp["error"] = map[string]any{"code": -32601, "message": "unknown method"}
			}
			require.NoError(t, conn.WriteJSON(resp))
		}
	}))
}

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSession_AccessToken(t *testing.T) {
	t.Parallel()
	srv := devtoolsStub(t, map[string]any{"/api/auth/session": "tok-abc"})
	defer srv.Close()

	s, err := Dial(context.Background(), wsAddr(srv))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	token, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", token)
}

func TestSession_AccessTokenEmptyIsAuthFailure(t *testing.T) {
	t.Parallel()
	srv := devtoolsStub(t, map[string]any{"/api/auth/session": ""})
	defer srv.Close()

	s, err := Dial(context.Background(), wsAddr(srv))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.AccessToken(context.Background())
	assert.ErrorIs(t, err, domain.ErrTokenAuth)
}

func TestSession_HooksAndGenerationID(t *testing.T) {
	t.Parallel()
	srv := devtoolsStub(t, map[string]any{
		"__vidHooks = ":       true,
		"__vidHooks.last":     "gen_01abc",
		"__vidHooks.sentinel": "sentinel-1",
	})
	defer srv.Close()

	s, err := Dial(context.Background(), wsAddr(srv))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.InstallHooks(context.Background()))
	id, err := s.LastGenerationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gen_01abc", id)
	sentinel, err := s.SentinelToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sentinel-1", sentinel)
}

func TestSession_PublishVideo(t *testing.T) {
	t.Parallel()
	share := "https://sora.chatgpt.com/p/s_0123456789abcdef0123456789abcdef"
	srv := devtoolsStub(t, map[string]any{"/backend/nf/publish": share})
	defer srv.Close()

	s, err := Dial(context.Background(), wsAddr(srv))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	url, err := s.PublishVideo(context.Background(), "gen_01abc")
	require.NoError(t, err)
	assert.Equal(t, share, url)
	assert.True(t, domain.PublishURLPattern.MatchString(url))
}

func TestSession_FetchJSON(t *testing.T) {
	t.Parallel()
	srv := devtoolsStub(t, map[string]any{
		"const a = ": map[string]any{"status": 200, "body": map[string]any{"ok": true}},
	})
	defer srv.Close()

	s, err := Dial(context.Background(), wsAddr(srv))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	resp, err := s.FetchJSON(context.Background(), http.MethodGet, "/backend/me", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.True(t, body["ok"])
}

func TestSession_CallRespectsContext(t *testing.T) {
	t.Parallel()
	// server that never answers
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s, err := Dial(context.Background(), wsAddr(srv))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Evaluate(ctx, "1 + 1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
