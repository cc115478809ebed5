package scanner

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RefreshStatus is a point-in-time view of a background refresh.
type RefreshStatus struct {
	ID       string   `json:"id"`
	Group    string   `json:"group"`
	Progress Progress `json:"progress"`
	Done     bool     `json:"done"`
	RunID    int64    `json:"run_id,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// RefreshHandle tracks one background scan of a group.
type RefreshHandle struct {
	id    string
	group string

	mu       sync.Mutex
	progress Progress
	done     bool
	runID    int64
	errMsg   string
}

// ID returns the handle's identifier for later status polling.
func (h *RefreshHandle) ID() string { return h.id }

// Status returns the current state of the refresh.
func (h *RefreshHandle) Status() RefreshStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return RefreshStatus{
		ID:       h.id,
		Group:    h.group,
		Progress: h.progress,
		Done:     h.done,
		RunID:    h.runID,
		Error:    h.errMsg,
	}
}

func (h *RefreshHandle) update(p Progress) {
	h.mu.Lock()
	h.progress = p
	h.mu.Unlock()
}

func (h *RefreshHandle) finish(runID int64, err error) {
	h.mu.Lock()
	h.done = true
	h.runID = runID
	if err != nil {
		h.errMsg = err.Error()
	}
	h.mu.Unlock()
}

// SilentRefresh starts a background scan of the group, or returns the handle
// of the one already running. The scan outlives the caller's request.
func (s *Service) SilentRefresh(group string) *RefreshHandle {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if h, ok := s.active[group]; ok {
		return h
	}
	h := &RefreshHandle{
		id:    ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		group: group,
	}
	s.refreshes[h.id] = h
	s.active[group] = h

	go func() {
		run, err := s.scanGroup(context.Background(), group, nil, s.withFallback, h.update)
		h.finish(run.ID, err)
		if err != nil {
			slog.Error("background refresh failed", "group", group, "refresh_id", h.id, "error", err)
		}
		s.refreshMu.Lock()
		if s.active[group] == h {
			delete(s.active, group)
		}
		s.pruneRefreshesLocked()
		s.refreshMu.Unlock()
	}()
	return h
}

// Refresh looks up a refresh handle by id.
func (s *Service) Refresh(id string) (*RefreshHandle, bool) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	h, ok := s.refreshes[id]
	return h, ok
}

// pruneRefreshesLocked drops finished handles beyond a small retained window
// so status endpoints keep working briefly after completion.
func (s *Service) pruneRefreshesLocked() {
	const keep = 16
	if len(s.refreshes) <= keep {
		return
	}
	for id, h := range s.refreshes {
		if len(s.refreshes) <= keep {
			break
		}
		h.mu.Lock()
		done := h.done
		h.mu.Unlock()
		if done && s.active[h.group] != h {
			delete(s.refreshes, id)
		}
	}
}
