// Package memory provides an in-memory JobStore with the same boundary
// behavior as the Postgres adapter: monotone ids, progress clamping and
// terminal-state protection. It backs tests and local development runs
// that have no database at hand.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// JobStore is a mutex-guarded in-memory implementation of domain.JobStore.
type JobStore struct {
	mu        sync.Mutex
	jobs      map[int64]*domain.Job
	events    []domain.JobEvent
	nextJob   int64
	nextEvent int64
}

// NewJobStore returns an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: map[int64]*domain.Job{}}
}

// CreateJob inserts a job, assigning its id and defaulting the retry root
// to the job itself. A failed parent takes at most one retry child, same as
// the database's partial unique index.
func (s *JobStore) CreateJob(_ context.Context, j domain.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.RetryOfID != nil && s.childOfLocked(*j.RetryOfID) != nil {
		return 0, domain.ErrConflict
	}
	s.nextJob++
	j.ID = s.nextJob
	if j.RetryRootID == 0 {
		j.RetryRootID = j.ID
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	copied := j
	s.jobs[j.ID] = &copied
	return j.ID, nil
}

func (s *JobStore) GetJob(_ context.Context, id int64) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (s *JobStore) LatestInChain(ctx context.Context, id int64) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	current := j
	for {
		child := s.childOfLocked(current.ID)
		if child == nil {
			return *current, nil
		}
		current = child
	}
}

func (s *JobStore) childOfLocked(parentID int64) *domain.Job {
	var child *domain.Job
	for _, j := range s.jobs {
		if j.RetryOfID != nil && *j.RetryOfID == parentID {
			if child == nil || j.ID > child.ID {
				child = j
			}
		}
	}
	return child
}

// UpdateJob applies a partial patch under the same rules the database
// enforces: terminal rows accept only finished_at, progress never
// decreases, publish_url is immutable outside the publish phase and
// ResetForRetry reopens a failed job.
func (s *JobStore) UpdateJob(_ context.Context, id int64, p domain.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() && !p.ResetForRetry {
		if p.Status != nil && *p.Status != j.Status {
			return domain.ErrConflict
		}
		if p.FinishedAt != nil {
			j.FinishedAt = p.FinishedAt
			j.UpdatedAt = time.Now().UTC()
		}
		return nil
	}
	if p.ResetForRetry {
		if j.Status != domain.JobFailed {
			return domain.ErrConflict
		}
		j.Status = domain.JobQueued
		j.Phase = domain.PhaseQueue
		j.ProgressPct = 0
		j.Error = ""
		j.FinishedAt = nil
		j.UpdatedAt = time.Now().UTC()
		return nil
	}
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Phase != nil && domain.CanTransition(j.Phase, *p.Phase) {
		j.Phase = *p.Phase
	}
	if p.ProgressPct != nil && *p.ProgressPct > j.ProgressPct {
		j.ProgressPct = *p.ProgressPct
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.TaskID != nil {
		j.TaskID = *p.TaskID
	}
	if p.GenerationID != nil {
		j.GenerationID = *p.GenerationID
	}
	if p.PublishURL != nil {
		if j.PublishURL != "" && *p.PublishURL != j.PublishURL && j.Phase != domain.PhasePublish {
			return domain.ErrConflict
		}
		j.PublishURL = *p.PublishURL
	}
	if p.WatermarkURL != nil {
		j.WatermarkURL = *p.WatermarkURL
	}
	if p.WatermarkStatus != nil {
		j.WatermarkStatus = *p.WatermarkStatus
	}
	if p.WatermarkAttempts != nil {
		j.WatermarkAttempts = *p.WatermarkAttempts
	}
	if p.WatermarkError != nil {
		j.WatermarkError = *p.WatermarkError
	}
	if p.StartedAt != nil {
		j.StartedAt = p.StartedAt
	}
	if p.FinishedAt != nil {
		j.FinishedAt = p.FinishedAt
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) AppendEvent(_ context.Context, jobID int64, phase domain.JobPhase, event, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return 0, domain.ErrNotFound
	}
	s.nextEvent++
	s.events = append(s.events, domain.JobEvent{
		ID: s.nextEvent, JobID: jobID, Phase: phase, Event: event,
		Message: message, CreatedAt: time.Now().UTC(),
	})
	return s.nextEvent, nil
}

func (s *JobStore) ListJobs(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if f.GroupTitle != "" && j.GroupTitle != f.GroupTitle {
			continue
		}
		if f.ProfileID != 0 && j.ProfileID != f.ProfileID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Phase != "" && j.Phase != f.Phase {
			continue
		}
		if f.Keyword != "" && !strings.Contains(j.Prompt, f.Keyword) && !strings.Contains(j.Error, f.Keyword) {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JobStore) ListEventsSince(_ context.Context, afterID int64, limit int) ([]domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var out []domain.JobEvent
	for _, e := range s.events {
		if e.ID > afterID {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *JobStore) LatestEventID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextEvent, nil
}

func (s *JobStore) ListJobEvents(_ context.Context, jobID int64) ([]domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobEvent
	for _, e := range s.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *JobStore) LatestRetryChild(_ context.Context, jobID int64) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	child := s.childOfLocked(jobID)
	if child == nil {
		return domain.Job{}, domain.ErrNotFound
	}
	return *child, nil
}

func (s *JobStore) MaxRetryIndex(_ context.Context, rootID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, j := range s.jobs {
		if j.RetryRootID == rootID && j.RetryIndex > max {
			max = j.RetryIndex
		}
	}
	return max, nil
}

func (s *JobStore) RetryChainProfileIDs(_ context.Context, rootID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, j := range s.jobs {
		if j.RetryRootID == rootID && !seen[j.ProfileID] {
			seen[j.ProfileID] = true
			out = append(out, j.ProfileID)
		}
	}
	return out, nil
}

func (s *JobStore) CountActiveJobsByProfile(_ context.Context, group string) (map[int64]int, error) {
	return s.countBy(group, func(j *domain.Job) bool {
		return j.Status == domain.JobQueued || j.Status == domain.JobRunning
	}), nil
}

func (s *JobStore) CountPendingSubmitsByProfile(_ context.Context, group string) (map[int64]int, error) {
	return s.countBy(group, func(j *domain.Job) bool {
		return (j.Phase == domain.PhaseQueue || j.Phase == domain.PhaseSubmit) && j.TaskID == ""
	}), nil
}

func (s *JobStore) CountCompletedJobsByProfile(_ context.Context, group string) (map[int64]int, error) {
	return s.countBy(group, func(j *domain.Job) bool {
		return j.Status == domain.JobCompleted
	}), nil
}

func (s *JobStore) countBy(group string, match func(*domain.Job) bool) map[int64]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]int{}
	for _, j := range s.jobs {
		if group != "" && j.GroupTitle != group {
			continue
		}
		if match(j) {
			out[j.ProfileID]++
		}
	}
	return out
}

func (s *JobStore) ListFailEventsByProfile(_ context.Context, group string, since time.Time) ([]domain.ProfileFailEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProfileFailEvent
	for _, e := range s.events {
		if e.Event != domain.EventFail || e.CreatedAt.Before(since) {
			continue
		}
		j, ok := s.jobs[e.JobID]
		if !ok || (group != "" && j.GroupTitle != group) {
			continue
		}
		out = append(out, domain.ProfileFailEvent{
			ProfileID: j.ProfileID, Phase: e.Phase, Message: e.Message, CreatedAt: e.CreatedAt,
		})
	}
	return out, nil
}

func (s *JobStore) ListQueuedJobs(context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobQueued {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

var _ domain.JobStore = (*JobStore)(nil)
