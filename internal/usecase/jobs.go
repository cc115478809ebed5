// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Dispatcher ranks and picks profiles for weighted-auto jobs.
type Dispatcher interface {
	Weights(ctx context.Context, group string) ([]dispatch.Weight, error)
	PickBest(ctx context.Context, group string, exclude map[int64]bool) (dispatch.Weight, error)
}

// Retrier applies the retry rules of the runner.
type Retrier interface {
	Retry(ctx context.Context, jobID int64) (int64, error)
}

// JobService orchestrates job creation, retry, cancel and reads.
type JobService struct {
	Store        domain.JobStore
	Queue        domain.Queue
	Dispatcher   Dispatcher
	Retrier      Retrier
	DefaultGroup string
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(store domain.JobStore, queue domain.Queue, dispatcher Dispatcher, retrier Retrier, defaultGroup string) JobService {
	return JobService{Store: store, Queue: queue, Dispatcher: dispatcher, Retrier: retrier, DefaultGroup: defaultGroup}
}

// CreateJobInput is the validated request for one new job.
type CreateJobInput struct {
	Prompt       string
	ImageURL     string
	Duration     domain.VideoDuration
	AspectRatio  domain.AspectRatio
	GroupTitle   string
	DispatchMode domain.DispatchMode
	ProfileID    int64
}

// Create validates the request, assigns a profile and queues the job.
// Weighted-auto assignment consults the dispatcher; manual mode pins the
// operator-chosen profile.
func (s JobService) Create(ctx context.Context, in CreateJobInput) (domain.Job, error) {
	if in.Prompt == "" {
		return domain.Job{}, fmt.Errorf("%w: prompt required", domain.ErrInvalidArgument)
	}
	if !in.Duration.Valid() {
		return domain.Job{}, fmt.Errorf("%w: duration %q", domain.ErrInvalidArgument, in.Duration)
	}
	if !in.AspectRatio.Valid() {
		return domain.Job{}, fmt.Errorf("%w: aspect_ratio %q", domain.ErrInvalidArgument, in.AspectRatio)
	}
	group := in.GroupTitle
	if group == "" {
		group = s.DefaultGroup
	}
	mode := in.DispatchMode
	if mode == "" {
		mode = domain.DispatchWeightedAuto
	}

	var (
		profileID int64
		score     float64
		reason    string
	)
	switch mode {
	case domain.DispatchManual:
		if in.ProfileID <= 0 {
			return domain.Job{}, fmt.Errorf("%w: manual dispatch requires profile_id", domain.ErrInvalidArgument)
		}
		profileID = in.ProfileID
		reason = "operator pinned"
	case domain.DispatchWeightedAuto:
		weight, err := s.Dispatcher.PickBest(ctx, group, nil)
		if err != nil {
			return domain.Job{}, err
		}
		profileID = weight.ProfileID
		score = weight.Score
		reason = fmt.Sprintf("profile %d score %.1f (quantity %.1f quality %.1f)", weight.ProfileID, weight.Score, weight.Quantity, weight.Quality)
	default:
		return domain.Job{}, fmt.Errorf("%w: dispatch_mode %q", domain.ErrInvalidArgument, mode)
	}

	job := domain.Job{
		ProfileID:      profileID,
		GroupTitle:     group,
		DispatchMode:   mode,
		DispatchScore:  score,
		DispatchReason: reason,
		Prompt:         in.Prompt,
		ImageURL:       in.ImageURL,
		Duration:       in.Duration,
		AspectRatio:    in.AspectRatio,
		Status:         domain.JobQueued,
		Phase:          domain.PhaseQueue,
	}
	jobID, err := s.Store.CreateJob(ctx, job)
	if err != nil {
		return domain.Job{}, err
	}
	if _, err := s.Store.AppendEvent(ctx, jobID, domain.PhaseDispatch, domain.EventSelect, reason); err != nil {
		slog.Error("could not record select event", "job_id", jobID, "error", err)
	}
	if _, err := s.Store.AppendEvent(ctx, jobID, domain.PhaseQueue, domain.EventQueue, ""); err != nil {
		slog.Error("could not record queue event", "job_id", jobID, "error", err)
	}

	payload := domain.JobTaskPayload{JobID: jobID, GroupTitle: group, ProfileID: profileID}
	if err := s.Queue.EnqueueJob(ctx, payload); err != nil {
		failed := domain.JobFailed
		msg := "enqueue failed: " + err.Error()
		now := time.Now().UTC()
		_ = s.Store.UpdateJob(ctx, jobID, domain.JobPatch{Status: &failed, Error: &msg, FinishedAt: &now})
		return domain.Job{}, fmt.Errorf("op=usecase.create_enqueue: %w", err)
	}
	observability.JobsCreatedTotal.WithLabelValues(string(mode)).Inc()

	return s.Store.GetJob(ctx, jobID)
}

// Get returns a job; with followRetry it resolves to the newest descendant
// of the job's retry chain.
func (s JobService) Get(ctx context.Context, id int64, followRetry bool) (domain.Job, error) {
	if followRetry {
		return s.Store.LatestInChain(ctx, id)
	}
	return s.Store.GetJob(ctx, id)
}

// Events lists a job's events in append order.
func (s JobService) Events(ctx context.Context, id int64) ([]domain.JobEvent, error) {
	if _, err := s.Store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.ListJobEvents(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (s JobService) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	return s.Store.ListJobs(ctx, f)
}

// Retry applies the runner's retry rules and returns the id of the job that
// will run (the same job for in-place resets, the child for spawns).
func (s JobService) Retry(ctx context.Context, id int64) (int64, error) {
	return s.Retrier.Retry(ctx, id)
}

// Cancel marks a non-terminal job canceled. Runners observe the flag at
// their next suspension point; fields set before the cancel stay set.
func (s JobService) Cancel(ctx context.Context, id int64) error {
	job, err := s.Store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %d already %s", domain.ErrConflict, id, job.Status)
	}
	canceled := domain.JobCanceled
	msg := domain.CancelMessage
	now := time.Now().UTC()
	if err := s.Store.UpdateJob(ctx, id, domain.JobPatch{Status: &canceled, Error: &msg, FinishedAt: &now}); err != nil {
		return err
	}
	if _, err := s.Store.AppendEvent(ctx, id, job.Phase, domain.EventCancel, msg); err != nil {
		slog.Error("could not record cancel event", "job_id", id, "error", err)
	}
	observability.JobsFinishedTotal.WithLabelValues(string(domain.JobCanceled)).Inc()
	return nil
}

// Weights exposes the dispatcher's current ranking for a group.
func (s JobService) Weights(ctx context.Context, group string) ([]dispatch.Weight, error) {
	if group == "" {
		group = s.DefaultGroup
	}
	return s.Dispatcher.Weights(ctx, group)
}
