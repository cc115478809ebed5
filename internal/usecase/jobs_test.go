package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

type fakeDispatcher struct {
	weight  dispatch.Weight
	err     error
	group   string
	weights []dispatch.Weight
}

func (f *fakeDispatcher) Weights(_ context.Context, group string) ([]dispatch.Weight, error) {
	f.group = group
	return f.weights, nil
}

func (f *fakeDispatcher) PickBest(_ context.Context, group string, _ map[int64]bool) (dispatch.Weight, error) {
	f.group = group
	if f.err != nil {
		return dispatch.Weight{}, f.err
	}
	return f.weight, nil
}

type fakeQueue struct {
	payloads []domain.JobTaskPayload
	err      error
}

func (f *fakeQueue) EnqueueJob(_ context.Context, p domain.JobTaskPayload) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	return nil
}

type fakeRetrier struct {
	got    int64
	result int64
	err    error
}

func (f *fakeRetrier) Retry(_ context.Context, id int64) (int64, error) {
	f.got = id
	return f.result, f.err
}

func newService() (JobService, *memory.JobStore, *fakeDispatcher, *fakeQueue) {
	store := memory.NewJobStore()
	dispatcher := &fakeDispatcher{weight: dispatch.Weight{ProfileID: 7, Score: 88, Quantity: 90, Quality: 85}}
	queue := &fakeQueue{}
	svc := NewJobService(store, queue, dispatcher, &fakeRetrier{}, "Sora")
	return svc, store, dispatcher, queue
}

func validInput() CreateJobInput {
	return CreateJobInput{
		Prompt:   "a cat surfing",
		Duration: domain.Duration10s, AspectRatio: domain.AspectLandscape,
	}
}

func TestCreate_WeightedAuto(t *testing.T) {
	t.Parallel()
	svc, store, dispatcher, queue := newService()

	job, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, int64(7), job.ProfileID)
	assert.Equal(t, "Sora", job.GroupTitle)
	assert.Equal(t, domain.DispatchWeightedAuto, job.DispatchMode)
	assert.Equal(t, 88.0, job.DispatchScore)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, domain.PhaseQueue, job.Phase)
	assert.Equal(t, "Sora", dispatcher.group)

	events, err := store.ListJobEvents(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.PhaseDispatch, events[0].Phase)
	assert.Equal(t, domain.EventSelect, events[0].Event)
	assert.Equal(t, domain.PhaseQueue, events[1].Phase)
	assert.Equal(t, domain.EventQueue, events[1].Event)

	require.Len(t, queue.payloads, 1)
	assert.Equal(t, job.ID, queue.payloads[0].JobID)
	assert.Equal(t, int64(7), queue.payloads[0].ProfileID)
}

func TestCreate_ManualRequiresProfile(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newService()

	in := validInput()
	in.DispatchMode = domain.DispatchManual
	_, err := svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	in.ProfileID = 3
	job, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(3), job.ProfileID)
	assert.Equal(t, domain.DispatchManual, job.DispatchMode)
	assert.Equal(t, "operator pinned", job.DispatchReason)
}

func TestCreate_Validation(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newService()

	in := validInput()
	in.Prompt = ""
	_, err := svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	in = validInput()
	in.Duration = "12s"
	_, err = svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	in = validInput()
	in.AspectRatio = "square"
	_, err = svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCreate_NoCandidatePassesThrough(t *testing.T) {
	t.Parallel()
	svc, _, dispatcher, _ := newService()
	dispatcher.err = fmt.Errorf("op=dispatch.pick: %w", domain.ErrNoCandidate)

	_, err := svc.Create(context.Background(), validInput())
	assert.ErrorIs(t, err, domain.ErrNoCandidate)
}

func TestCreate_EnqueueFailureMarksJobFailed(t *testing.T) {
	t.Parallel()
	svc, store, _, queue := newService()
	queue.err = fmt.Errorf("brokers unreachable")

	_, err := svc.Create(context.Background(), validInput())
	require.Error(t, err)

	jobs, err := store.ListJobs(context.Background(), domain.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].Error, "enqueue failed")
}

func TestGet_FollowsRetryChain(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newService()

	rootID, err := store.CreateJob(context.Background(), domain.Job{Status: domain.JobFailed, Phase: domain.PhaseSubmit, GroupTitle: "Sora"})
	require.NoError(t, err)
	childID, err := store.CreateJob(context.Background(), domain.Job{
		RetryRootID: rootID, RetryOfID: &rootID, RetryIndex: 1,
		Status: domain.JobQueued, Phase: domain.PhaseQueue, GroupTitle: "Sora",
	})
	require.NoError(t, err)

	followed, err := svc.Get(context.Background(), rootID, true)
	require.NoError(t, err)
	assert.Equal(t, childID, followed.ID)

	pinned, err := svc.Get(context.Background(), rootID, false)
	require.NoError(t, err)
	assert.Equal(t, rootID, pinned.ID)
}

func TestCancel_NonTerminalOnly(t *testing.T) {
	t.Parallel()
	svc, store, _, _ := newService()

	id, err := store.CreateJob(context.Background(), domain.Job{
		Status: domain.JobRunning, Phase: domain.PhaseProgress, GroupTitle: "Sora",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), id))
	job, err := store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCanceled, job.Status)
	assert.Equal(t, domain.CancelMessage, job.Error)
	require.NotNil(t, job.FinishedAt)

	events, err := store.ListJobEvents(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCancel, events[0].Event)
	assert.Equal(t, domain.PhaseProgress, events[0].Phase)

	// canceling again conflicts
	assert.ErrorIs(t, svc.Cancel(context.Background(), id), domain.ErrConflict)
}

func TestRetry_Delegates(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newService()
	retrier := &fakeRetrier{result: 42}
	svc.Retrier = retrier

	got, err := svc.Retry(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)
	assert.Equal(t, int64(9), retrier.got)
}

func TestWeights_DefaultsGroup(t *testing.T) {
	t.Parallel()
	svc, _, dispatcher, _ := newService()
	dispatcher.weights = []dispatch.Weight{{ProfileID: 1, Score: 50}}

	weights, err := svc.Weights(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t, "Sora", dispatcher.group)
}
