// Package browser drives a profile window over its DevTools websocket. The
// runner uses it for the work that must happen inside the page: reading the
// session token, installing request hooks and running the publish flow.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Session is one DevTools protocol connection.
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan cdpResponse
	closed  chan struct{}
	once    sync.Once
}

type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Dial connects to a window's DevTools endpoint.
func Dial(ctx context.Context, wsURL string) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=browser.dial: %w: %v", domain.ErrConnection, err)
	}
	s := &Session{
		conn:    conn,
		pending: map[int64]chan cdpResponse{},
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Close tears down the connection; in-flight calls fail with ErrConnection.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.closed) })
	return s.conn.Close()
}

func (s *Session) readLoop() {
	defer s.once.Do(func() { close(s.closed) })
	for {
		var resp cdpResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			return
		}
		if resp.ID == 0 {
			// protocol event, not a call response
			continue
		}
		s.mu.Lock()
		ch := s.pending[resp.ID]
		delete(s.pending, resp.ID)
		s.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

// call issues one protocol method and waits for its response.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan cdpResponse, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(cdpRequest{ID: id, Method: method, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("op=browser.%s: %w: %v", method, domain.ErrConnection, err)
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	case <-s.closed:
		return nil, fmt.Errorf("op=browser.%s: %w: session closed", method, domain.ErrConnection)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("op=browser.%s: protocol error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// Navigate loads a URL in the page.
func (s *Session) Navigate(ctx context.Context, url string) error {
	_, err := s.call(ctx, "Page.navigate", map[string]any{"url": url})
	return err
}

// Evaluate runs an expression in the page, awaiting promises and returning
// the value by JSON.
func (s *Session) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	raw, err := s.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"awaitPromise":  true,
		"returnByValue": true,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("op=browser.evaluate_decode: %w", err)
	}
	if result.ExceptionDetails != nil {
		return nil, fmt.Errorf("op=browser.evaluate: page exception: %s", result.ExceptionDetails.Text)
	}
	return result.Result.Value, nil
}
