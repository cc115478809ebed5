package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// autoRetry spawns a replacement job on another profile after a heavy-load
// submit failure. Exhausted attempts and empty candidate sets end the chain
// with an audit event instead of an error.
func (p *Pool) autoRetry(ctx context.Context, old domain.Job) {
	childID, err := p.spawnRetry(ctx, old, domain.EventAutoRetryNewJob, "auto retry after upstream heavy load")
	if err != nil {
		p.appendGiveup(ctx, old, err)
		return
	}
	observability.AutoRetriesTotal.Inc()
	slog.Info("auto retry spawned", "old_job_id", old.ID, "new_job_id", childID)
}

func (p *Pool) appendGiveup(ctx context.Context, old domain.Job, cause error) {
	if _, err := p.store.AppendEvent(ctx, old.ID, domain.PhaseSubmit, domain.EventAutoRetryGiveup, cause.Error()); err != nil {
		slog.Error("could not record retry giveup", "job_id", old.ID, "error", err)
	}
}

// Retry applies the manual retry rules: failed jobs only; heavy-load submit
// failures spawn a fresh job on another profile and never mutate the old
// row; every other failure resets the job in place, keeping task_id and
// generation_id so later phases resume without resubmitting. Returns the id
// of the job that will run.
func (p *Pool) Retry(ctx context.Context, jobID int64) (int64, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != domain.JobFailed {
		return 0, fmt.Errorf("op=runner.retry: %w: job %d is %s, only failed jobs can be retried", domain.ErrConflict, jobID, job.Status)
	}

	if job.Phase == domain.PhaseSubmit && domain.IsOverloadMessage(job.Error) {
		return p.spawnRetry(ctx, job, domain.EventRetryNewJob, "manual retry after upstream heavy load")
	}

	if err := p.store.UpdateJob(ctx, jobID, domain.JobPatch{ResetForRetry: true}); err != nil {
		return 0, err
	}
	if _, err := p.store.AppendEvent(ctx, jobID, domain.PhaseQueue, domain.EventRetry, ""); err != nil {
		slog.Error("could not record retry event", "job_id", jobID, "error", err)
	}
	if err := p.queue.EnqueueJob(ctx, domain.JobTaskPayload{JobID: jobID, GroupTitle: job.GroupTitle, ProfileID: job.ProfileID}); err != nil {
		return 0, fmt.Errorf("op=runner.retry_enqueue: %w", err)
	}
	return jobID, nil
}

// spawnRetry creates the retry child of a failed job. At most one child per
// parent: a concurrent or repeated spawn reuses the existing one.
func (p *Pool) spawnRetry(ctx context.Context, old domain.Job, event, reason string) (int64, error) {
	existing, err := p.store.LatestRetryChild(ctx, old.ID)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("op=runner.retry_probe: %w", err)
	}

	root := old.RetryRootID
	if root == 0 {
		root = old.ID
	}
	maxIndex, err := p.store.MaxRetryIndex(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("op=runner.retry_attempts: %w", err)
	}
	attempts := maxIndex + 1
	if attempts >= p.opts.AutoRetryMaxAttempts {
		return 0, fmt.Errorf("op=runner.retry: %w: attempt cap %d reached for chain %d", domain.ErrConflict, p.opts.AutoRetryMaxAttempts, root)
	}

	chainProfiles, err := p.store.RetryChainProfileIDs(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("op=runner.retry_chain: %w", err)
	}
	exclude := map[int64]bool{old.ProfileID: true}
	for _, id := range chainProfiles {
		exclude[id] = true
	}

	weight, err := p.picker.PickBest(ctx, old.GroupTitle, exclude)
	if err != nil {
		return 0, err
	}

	child := domain.Job{
		RetryRootID:    root,
		RetryOfID:      &old.ID,
		RetryIndex:     attempts,
		ProfileID:      weight.ProfileID,
		GroupTitle:     old.GroupTitle,
		DispatchMode:   domain.DispatchWeightedAuto,
		DispatchScore:  weight.Score,
		DispatchReason: fmt.Sprintf("%s: profile %d score %.1f", reason, weight.ProfileID, weight.Score),
		Prompt:         old.Prompt,
		ImageURL:       old.ImageURL,
		Duration:       old.Duration,
		AspectRatio:    old.AspectRatio,
		Status:         domain.JobQueued,
		Phase:          domain.PhaseQueue,
	}
	childID, err := p.store.CreateJob(ctx, child)
	if err != nil {
		return 0, fmt.Errorf("op=runner.retry_create: %w", err)
	}

	if _, err := p.store.AppendEvent(ctx, old.ID, domain.PhaseSubmit, event, fmt.Sprintf("retry job %d on profile %d", childID, weight.ProfileID)); err != nil {
		slog.Error("could not record retry spawn event", "job_id", old.ID, "error", err)
	}
	if _, err := p.store.AppendEvent(ctx, childID, domain.PhaseDispatch, domain.EventSelect, child.DispatchReason); err != nil {
		slog.Error("could not record select event", "job_id", childID, "error", err)
	}
	if _, err := p.store.AppendEvent(ctx, childID, domain.PhaseQueue, domain.EventQueue, ""); err != nil {
		slog.Error("could not record queue event", "job_id", childID, "error", err)
	}

	if err := p.queue.EnqueueJob(ctx, domain.JobTaskPayload{JobID: childID, GroupTitle: child.GroupTitle, ProfileID: child.ProfileID}); err != nil {
		return 0, fmt.Errorf("op=runner.retry_enqueue: %w", err)
	}
	return childID, nil
}
