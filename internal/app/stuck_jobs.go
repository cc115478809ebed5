package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// StuckJobSweeper recovers jobs the queue lost track of. Queued jobs whose
// messages never arrived (broker restart, redelivery gap) are re-enqueued;
// running jobs that stopped making progress past the max age are failed so
// they become retryable.
type StuckJobSweeper struct {
	store      domain.JobStore
	queue      domain.Queue
	maxRunAge  time.Duration
	requeueAge time.Duration
	interval   time.Duration
}

// NewStuckJobSweeper builds a sweeper. A nil store disables it.
func NewStuckJobSweeper(store domain.JobStore, queue domain.Queue, maxRunAge, interval time.Duration) *StuckJobSweeper {
	if store == nil {
		return nil
	}
	if maxRunAge <= 0 {
		maxRunAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		store:      store,
		queue:      queue,
		maxRunAge:  maxRunAge,
		requeueAge: 2 * interval,
		interval:   interval,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	requeued := s.requeueStale(ctx)
	failed := s.failOverdue(ctx)

	span.SetAttributes(
		attribute.Int("jobs.requeued", requeued),
		attribute.Int("jobs.marked_failed", failed),
	)
	if requeued > 0 || failed > 0 {
		slog.Info("stuck job sweep",
			slog.Int("requeued", requeued),
			slog.Int("marked_failed", failed),
		)
	}
}

// requeueStale re-enqueues queued jobs that have sat untouched for longer
// than one delivery cycle. EnqueueJob is idempotent on the consumer side
// because the runner skips jobs that already left the queued state.
func (s *StuckJobSweeper) requeueStale(ctx context.Context) int {
	jobs, err := s.store.ListQueuedJobs(ctx)
	if err != nil {
		slog.Error("stuck job sweep failed to list queued jobs", slog.Any("error", err))
		return 0
	}
	cutoff := time.Now().Add(-s.requeueAge)
	requeued := 0
	for _, j := range jobs {
		if !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if s.queue == nil {
			continue
		}
		payload := domain.JobTaskPayload{JobID: j.ID, GroupTitle: j.GroupTitle, ProfileID: j.ProfileID}
		if err := s.queue.EnqueueJob(ctx, payload); err != nil {
			slog.Error("stuck job requeue failed", slog.Int64("job_id", j.ID), slog.Any("error", err))
			continue
		}
		requeued++
	}
	return requeued
}

// failOverdue marks running jobs that have not been touched within the max
// run age as failed. The operator can retry them manually.
func (s *StuckJobSweeper) failOverdue(ctx context.Context) int {
	jobs, err := s.store.ListJobs(ctx, domain.JobFilter{Status: domain.JobRunning})
	if err != nil {
		slog.Error("stuck job sweep failed to list running jobs", slog.Any("error", err))
		return 0
	}
	cutoff := time.Now().Add(-s.maxRunAge)
	failed := 0
	for _, j := range jobs {
		if !j.UpdatedAt.Before(cutoff) {
			continue
		}
		status := domain.JobFailed
		msg := fmt.Sprintf("no progress for %v, marked failed by sweeper", s.maxRunAge)
		now := time.Now()
		patch := domain.JobPatch{Status: &status, Error: &msg, FinishedAt: &now}
		if err := s.store.UpdateJob(ctx, j.ID, patch); err != nil {
			slog.Error("stuck job sweep failed to update job", slog.Int64("job_id", j.ID), slog.Any("error", err))
			continue
		}
		if _, err := s.store.AppendEvent(ctx, j.ID, j.Phase, domain.EventFail, msg); err != nil {
			slog.Error("stuck job sweep failed to record event", slog.Int64("job_id", j.ID), slog.Any("error", err))
		}
		failed++
	}
	return failed
}
