// Package stream turns the job store into a live feed. It polls for
// changes, diffs against per-subscriber fingerprints and emits snapshot,
// job-change, removal and phase-event messages. Subscribers hold no
// server-side state across reconnects; a new subscription re-snapshots.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Message types delivered to subscribers.
const (
	TypeSnapshot = "snapshot"
	TypeJob      = "job"
	TypeRemove   = "remove"
	TypeEvent    = "event"
	TypePing     = "ping"
)

// Message is one stream frame.
type Message struct {
	Type  string           `json:"type"`
	Jobs  []domain.Job     `json:"jobs,omitempty"`
	Job   *domain.Job      `json:"job,omitempty"`
	JobID int64            `json:"job_id,omitempty"`
	Event *domain.JobEvent `json:"event,omitempty"`
}

// Service produces poll-driven diff streams over the job store.
type Service struct {
	store        domain.JobStore
	pollInterval time.Duration
	pingInterval time.Duration
	maxLimit     int
}

// New builds the stream service from configuration.
func New(cfg config.Config, store domain.JobStore) *Service {
	pollInterval := cfg.StreamPollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	pingInterval := cfg.StreamPingInterval
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	maxLimit := cfg.StreamMaxLimit
	if maxLimit <= 0 {
		maxLimit = 200
	}
	return &Service{store: store, pollInterval: pollInterval, pingInterval: pingInterval, maxLimit: maxLimit}
}

// Subscribe opens a stream for the filter. The returned channel is closed
// when ctx ends. With events enabled, phase events after the subscription
// start are delivered in id order alongside job diffs, scoped to the jobs
// the filter exposes.
func (s *Service) Subscribe(ctx context.Context, f domain.JobFilter, withEvents bool) (<-chan Message, error) {
	if f.Limit <= 0 || f.Limit > s.maxLimit {
		f.Limit = s.maxLimit
	}

	jobs, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("op=stream.snapshot: %w", err)
	}
	var cursor int64
	if withEvents {
		cursor, err = s.store.LatestEventID(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=stream.cursor: %w", err)
		}
	}

	ch := make(chan Message, 64)
	go s.pump(ctx, f, withEvents, jobs, cursor, ch)
	return ch, nil
}

func (s *Service) pump(ctx context.Context, f domain.JobFilter, withEvents bool, snapshot []domain.Job, cursor int64, ch chan<- Message) {
	observability.StreamSubscribers.Inc()
	defer observability.StreamSubscribers.Dec()
	defer close(ch)

	if !s.send(ctx, ch, Message{Type: TypeSnapshot, Jobs: snapshot}) {
		return
	}
	seen := make(map[int64]string, len(snapshot))
	for _, j := range snapshot {
		seen[j.ID] = fingerprint(j)
	}

	lastActivity := time.Now()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := s.store.ListJobs(ctx, f)
		if err != nil {
			slog.Warn("stream poll failed", "error", err)
			continue
		}
		sent := false
		current := make(map[int64]string, len(jobs))
		for i := range jobs {
			j := jobs[i]
			fp := fingerprint(j)
			current[j.ID] = fp
			if seen[j.ID] == fp {
				continue
			}
			if !s.send(ctx, ch, Message{Type: TypeJob, Job: &j}) {
				return
			}
			sent = true
		}
		for id := range seen {
			if _, ok := current[id]; ok {
				continue
			}
			if !s.send(ctx, ch, Message{Type: TypeRemove, JobID: id}) {
				return
			}
			sent = true
		}
		seen = current

		if withEvents {
			events, err := s.store.ListEventsSince(ctx, cursor, s.maxLimit)
			if err != nil {
				slog.Warn("stream event poll failed", "error", err)
			}
			for i := range events {
				e := events[i]
				// the cursor advances past events of jobs outside the
				// filter; only visible jobs' events reach the subscriber
				cursor = e.ID
				if _, visible := seen[e.JobID]; !visible {
					continue
				}
				if !s.send(ctx, ch, Message{Type: TypeEvent, Event: &e}) {
					return
				}
				sent = true
			}
		}

		if sent {
			lastActivity = time.Now()
		} else if time.Since(lastActivity) >= s.pingInterval {
			if !s.send(ctx, ch, Message{Type: TypePing}) {
				return
			}
			lastActivity = time.Now()
		}
	}
}

func (s *Service) send(ctx context.Context, ch chan<- Message, m Message) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- m:
		return true
	}
}

// fingerprint summarizes the observable fields of a job; a change in any of
// them makes the job re-emit.
func fingerprint(j domain.Job) string {
	return fmt.Sprintf("%d|%d|%s|%s|%d|%s|%s|%s|%s|%s|%d|%s",
		j.ID, j.UpdatedAt.UnixNano(), j.Status, j.Phase, j.ProgressPct,
		j.TaskID, j.GenerationID, j.PublishURL,
		j.WatermarkURL, j.WatermarkStatus, j.WatermarkAttempts, j.Error,
	)
}
