package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/browser"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/upstream"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

type fakeBroker struct {
	mu      sync.Mutex
	opened  []int64
	openErr error
}

func (f *fakeBroker) ListGroups(context.Context) ([]domain.Group, error) { return nil, nil }
func (f *fakeBroker) ListGroupProfiles(context.Context, string) ([]domain.Profile, error) {
	return nil, nil
}
func (f *fakeBroker) OpenProfile(_ context.Context, profileID int64, _ bool) (domain.OpenedProfile, error) {
	f.mu.Lock()
	f.opened = append(f.opened, profileID)
	f.mu.Unlock()
	if f.openErr != nil {
		return domain.OpenedProfile{}, f.openErr
	}
	return domain.OpenedProfile{ProfileID: profileID, WSURL: "ws://stub"}, nil
}
func (f *fakeBroker) CloseProfile(context.Context, int64) error { return nil }
func (f *fakeBroker) OpenedProfiles(context.Context) ([]domain.OpenedProfile, error) {
	return nil, nil
}
func (f *fakeBroker) ResetOpenState(context.Context, int64) error   { return nil }
func (f *fakeBroker) CloseInBatches(context.Context, []int64) error { return nil }
func (f *fakeBroker) ProxyFor(context.Context, int64) (domain.ProxyBinding, bool) {
	return domain.ProxyBinding{}, false
}

type fakeSession struct {
	genID      string
	publishURL string
	publishErr error
	closed     bool
}

func (f *fakeSession) InstallHooks(context.Context) error           { return nil }
func (f *fakeSession) Navigate(context.Context, string) error       { return nil }
func (f *fakeSession) AccessToken(context.Context) (string, error)  { return "tok", nil }
func (f *fakeSession) SentinelToken(context.Context) (string, error) { return "sent", nil }
func (f *fakeSession) LastGenerationID(context.Context) (string, error) {
	return f.genID, nil
}
func (f *fakeSession) PublishVideo(context.Context, string) (string, error) {
	if f.publishErr != nil {
		return "", f.publishErr
	}
	return f.publishURL, nil
}
func (f *fakeSession) FetchJSON(context.Context, string, string, any) (browser.PageResponse, error) {
	return browser.PageResponse{Status: 200}, nil
}
func (f *fakeSession) Close() error { f.closed = true; return nil }

type fakeUpstream struct {
	mu          sync.Mutex
	createErr   error
	taskID      string
	polls       []upstream.TaskPoll
	pollErr     error
	pollCalls   int
	onPoll      func(call int)
	viaTaskID   string
	viaPolls    []upstream.TaskPoll
	viaCreates  int
	viaPollHits int
}

func (f *fakeUpstream) CreateVideo(_ context.Context, _ int64, _ string, _ upstream.CreateRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.taskID, nil
}

func (f *fakeUpstream) PollTask(_ context.Context, _ int64, _, _ string) (upstream.TaskPoll, error) {
	f.mu.Lock()
	call := f.pollCalls
	f.pollCalls++
	f.mu.Unlock()
	if f.onPoll != nil {
		f.onPoll(call)
	}
	if f.pollErr != nil {
		return upstream.TaskPoll{}, f.pollErr
	}
	if call < len(f.polls) {
		return f.polls[call], nil
	}
	return f.polls[len(f.polls)-1], nil
}

func (f *fakeUpstream) CreateVideoVia(_ context.Context, _ upstream.PageFetcher, _ upstream.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viaCreates++
	return f.viaTaskID, nil
}

func (f *fakeUpstream) PollTaskVia(_ context.Context, _ upstream.PageFetcher, _ string) (upstream.TaskPoll, error) {
	f.mu.Lock()
	call := f.viaPollHits
	f.viaPollHits++
	f.mu.Unlock()
	if call < len(f.viaPolls) {
		return f.viaPolls[call], nil
	}
	return f.viaPolls[len(f.viaPolls)-1], nil
}

type fakeWatermark struct {
	url      string
	err      error
	attempts int
}

func (f *fakeWatermark) ParseWithAttempts(context.Context, string) (string, int, error) {
	n := f.attempts
	if n == 0 {
		n = 1
	}
	return f.url, n, f.err
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []domain.JobTaskPayload
}

func (f *fakeQueue) EnqueueJob(_ context.Context, p domain.JobTaskPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return nil
}

type fakePicker struct {
	weight  dispatch.Weight
	err     error
	exclude map[int64]bool
}

func (f *fakePicker) PickBest(_ context.Context, _ string, exclude map[int64]bool) (dispatch.Weight, error) {
	f.exclude = exclude
	if f.err != nil {
		return dispatch.Weight{}, f.err
	}
	return f.weight, nil
}

const sharedURL = "https://sora.chatgpt.com/p/s_deadbeef00112233"

func fastOptions() Options {
	return Options{
		Concurrency:          2,
		ProgressTimeout:      500 * time.Millisecond,
		ProgressPollEvery:    5 * time.Millisecond,
		GenIDTimeout:         500 * time.Millisecond,
		GenIDPollEvery:       5 * time.Millisecond,
		CancelCheckInterval:  2 * time.Millisecond,
		AutoRetryMaxAttempts: 4,
		WatermarkFallbackOK:  true,
		Headless:             true,
		UpstreamBaseURL:      "https://sora.chatgpt.com",
	}
}

type fixture struct {
	store   *memory.JobStore
	broker  *fakeBroker
	session *fakeSession
	api     *fakeUpstream
	wm      *fakeWatermark
	queue   *fakeQueue
	picker  *fakePicker
	pool    *Pool
}

func newFixture(opts Options) *fixture {
	fx := &fixture{
		store:   memory.NewJobStore(),
		broker:  &fakeBroker{},
		session: &fakeSession{genID: "gen_abc123", publishURL: sharedURL},
		api:     &fakeUpstream{taskID: "task_1", polls: []upstream.TaskPoll{{VideoURL: "https://cdn/v.mp4"}}},
		wm:      &fakeWatermark{url: "https://cdn/clean.mp4"},
		queue:   &fakeQueue{},
		picker:  &fakePicker{weight: dispatch.Weight{ProfileID: 2, Score: 77}},
	}
	dial := func(context.Context, string) (Session, error) { return fx.session, nil }
	fx.pool = New(opts, fx.store, fx.broker, dial, fx.api, fx.wm, fx.queue, fx.picker)
	return fx
}

func (fx *fixture) createJob(t *testing.T) int64 {
	t.Helper()
	id, err := fx.store.CreateJob(context.Background(), domain.Job{
		ProfileID:  1,
		GroupTitle: "Sora",
		Prompt:     "a cat surfing",
		Duration:   domain.Duration10s, AspectRatio: domain.AspectLandscape,
		Status: domain.JobQueued, Phase: domain.PhaseQueue,
		DispatchMode: domain.DispatchWeightedAuto,
	})
	require.NoError(t, err)
	return id
}

func eventNames(t *testing.T, store *memory.JobStore, jobID int64) []string {
	t.Helper()
	events, err := store.ListJobEvents(context.Background(), jobID)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, string(e.Phase)+"/"+e.Event)
	}
	return out
}

func TestPool_HappyPath(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, domain.PhaseDone, job.Phase)
	assert.Equal(t, 100, job.ProgressPct)
	assert.Equal(t, "task_1", job.TaskID)
	assert.Equal(t, "gen_abc123", job.GenerationID)
	assert.Equal(t, sharedURL, job.PublishURL)
	assert.Equal(t, "https://cdn/clean.mp4", job.WatermarkURL)
	assert.Equal(t, domain.WatermarkCompleted, job.WatermarkStatus)
	require.NotNil(t, job.FinishedAt)

	assert.Equal(t, []string{
		"submit/start", "submit/finish",
		"progress/start",
		"genid/start", "genid/finish",
		"publish/start", "publish/finish",
		"watermark/start", "watermark/finish",
	}, eventNames(t, fx.store, id))
	assert.True(t, fx.session.closed)
}

func TestPool_SubmitCFChallengeReroutesThroughPage(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.api.createErr = fmt.Errorf("op=upstream.create: %w: status 403", domain.ErrCFChallenge)
	fx.api.viaTaskID = "task_cf"
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, "task_cf", job.TaskID)
	assert.Equal(t, 1, fx.api.viaCreates)
	assert.Contains(t, eventNames(t, fx.store, id), "submit/"+domain.EventFallback)
}

func TestPool_ProgressCFChallengeReroutesThroughPage(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.api.pollErr = fmt.Errorf("op=upstream.pending: %w: status 403", domain.ErrCFChallenge)
	fx.api.viaPolls = []upstream.TaskPoll{{VideoURL: "https://cdn/v.mp4"}}
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.GreaterOrEqual(t, fx.api.viaPollHits, 1)
	assert.Contains(t, eventNames(t, fx.store, id), "progress/"+domain.EventFallback)
}

func TestPool_OverloadSpawnsAutoRetry(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.api.createErr = fmt.Errorf("op=upstream.create: %w: Sora is under heavy load", domain.ErrOverload)
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	old, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, old.Status)
	assert.Equal(t, domain.PhaseSubmit, old.Phase)

	child, err := fx.store.LatestRetryChild(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), child.ProfileID)
	require.NotNil(t, child.RetryOfID)
	assert.Equal(t, id, *child.RetryOfID)
	assert.Equal(t, id, child.RetryRootID)
	assert.Equal(t, 1, child.RetryIndex)
	assert.Contains(t, child.DispatchReason, "heavy load")

	assert.True(t, fx.picker.exclude[1], "failed profile must be excluded")
	assert.Contains(t, eventNames(t, fx.store, id), "submit/"+domain.EventAutoRetryNewJob)
	assert.Equal(t, []string{"dispatch/select", "queue/queue"}, eventNames(t, fx.store, child.ID))
	require.Len(t, fx.queue.payloads, 1)
	assert.Equal(t, child.ID, fx.queue.payloads[0].JobID)
}

func TestPool_AutoRetryGivesUpAtCap(t *testing.T) {
	t.Parallel()
	opts := fastOptions()
	opts.AutoRetryMaxAttempts = 1
	fx := newFixture(opts)
	fx.api.createErr = fmt.Errorf("%w: heavy load", domain.ErrOverload)
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	_, err := fx.store.LatestRetryChild(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, eventNames(t, fx.store, id), "submit/"+domain.EventAutoRetryGiveup)
	assert.Empty(t, fx.queue.payloads)
}

func TestPool_AutoRetryGivesUpWithoutCandidates(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.api.createErr = fmt.Errorf("%w: heavy load", domain.ErrOverload)
	fx.picker.err = fmt.Errorf("op=dispatch.pick: %w", domain.ErrNoCandidate)
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	events, err := fx.store.ListJobEvents(context.Background(), id)
	require.NoError(t, err)
	var giveup *domain.JobEvent
	for i := range events {
		if events[i].Event == domain.EventAutoRetryGiveup {
			giveup = &events[i]
		}
	}
	require.NotNil(t, giveup)
	assert.Contains(t, giveup.Message, domain.ErrNoCandidate.Error())
}

func TestPool_ProgressFailReason(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.api.polls = []upstream.TaskPoll{{FailReason: "content policy"}}
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, domain.PhaseProgress, job.Phase)
	assert.Contains(t, job.Error, "content policy")
	assert.Contains(t, eventNames(t, fx.store, id), "progress/fail")
	// progress failures never spawn retries
	assert.Empty(t, fx.queue.payloads)
}

func TestPool_ProgressTimesOut(t *testing.T) {
	t.Parallel()
	opts := fastOptions()
	opts.ProgressTimeout = 30 * time.Millisecond
	fx := newFixture(opts)
	fx.api.polls = []upstream.TaskPoll{{Pending: true}}
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Contains(t, job.Error, "timed out")
}

func TestPool_CancelObservedMidProgress(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.api.polls = []upstream.TaskPoll{{Pending: true}}
	id := fx.createJob(t)
	fx.api.onPoll = func(call int) {
		if call == 0 {
			canceled := domain.JobCanceled
			msg := domain.CancelMessage
			_ = fx.store.UpdateJob(context.Background(), id, domain.JobPatch{Status: &canceled, Error: &msg})
		}
	}

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCanceled, job.Status)
	require.NotNil(t, job.FinishedAt)
	// no fail event after cancellation
	assert.NotContains(t, eventNames(t, fx.store, id), "progress/fail")
}

func TestPool_WatermarkFallback(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.wm.url = ""
	fx.wm.err = fmt.Errorf("op=watermark.parse: upstream status 500")
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, domain.PhaseDone, job.Phase)
	assert.Equal(t, domain.WatermarkFallback, job.WatermarkStatus)
	assert.Equal(t, job.PublishURL, job.WatermarkURL)
	assert.NotEmpty(t, job.WatermarkError)
	assert.Contains(t, eventNames(t, fx.store, id), "watermark/"+domain.EventFallback)
}

func TestPool_WatermarkAttemptsCountClientRetries(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.wm.attempts = 3
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.WatermarkCompleted, job.WatermarkStatus)
	assert.Equal(t, 3, job.WatermarkAttempts)
}

func TestPool_WatermarkDisabledFailsJob(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.wm.url = ""
	fx.wm.err = domain.ErrWatermarkDisabled
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, domain.PhaseWatermark, job.Phase)
	assert.Equal(t, domain.WatermarkFailed, job.WatermarkStatus)
}

func TestPool_InvalidShareURLFailsPublish(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	fx.session.publishURL = "https://sora.chatgpt.com/elsewhere"
	id := fx.createJob(t)

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, domain.PhasePublish, job.Phase)
	assert.Empty(t, job.PublishURL)
}

func TestRetry_InPlaceResetPreservesIdentifiers(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	id := fx.createJob(t)
	// drive the job into a non-overload failure past submit
	running := domain.JobRunning
	progress := domain.PhaseProgress
	submitPhase := domain.PhaseSubmit
	taskID := "task_1"
	require.NoError(t, fx.store.UpdateJob(context.Background(), id, domain.JobPatch{Status: &running, Phase: &submitPhase, TaskID: &taskID}))
	require.NoError(t, fx.store.UpdateJob(context.Background(), id, domain.JobPatch{Phase: &progress}))
	failed := domain.JobFailed
	msg := "generation failed: content policy"
	require.NoError(t, fx.store.UpdateJob(context.Background(), id, domain.JobPatch{Status: &failed, Error: &msg}))

	got, err := fx.pool.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	job, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, domain.PhaseQueue, job.Phase)
	assert.Empty(t, job.Error)
	assert.Equal(t, "task_1", job.TaskID)
	assert.Contains(t, eventNames(t, fx.store, id), "queue/"+domain.EventRetry)
	require.Len(t, fx.queue.payloads, 1)
	assert.Equal(t, id, fx.queue.payloads[0].JobID)
}

func TestRetry_OverloadSubmitFailureSpawns(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	id := fx.createJob(t)
	running := domain.JobRunning
	submitPhase := domain.PhaseSubmit
	require.NoError(t, fx.store.UpdateJob(context.Background(), id, domain.JobPatch{Status: &running, Phase: &submitPhase}))
	failed := domain.JobFailed
	msg := "upstream overload: Sora is under heavy load"
	require.NoError(t, fx.store.UpdateJob(context.Background(), id, domain.JobPatch{Status: &failed, Error: &msg}))

	childID, err := fx.pool.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, id, childID)

	old, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, old.Status, "old job is never mutated by a spawn retry")
	assert.Contains(t, eventNames(t, fx.store, id), "submit/"+domain.EventRetryNewJob)

	// a second manual retry reuses the same child
	again, err := fx.pool.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, childID, again)
}

func TestRetry_RejectsNonFailedJobs(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	id := fx.createJob(t)

	_, err := fx.pool.Retry(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestPool_SkipsTerminalAndForeignStates(t *testing.T) {
	t.Parallel()
	fx := newFixture(fastOptions())
	id := fx.createJob(t)
	canceled := domain.JobCanceled
	require.NoError(t, fx.store.UpdateJob(context.Background(), id, domain.JobPatch{Status: &canceled}))

	require.NoError(t, fx.pool.Handle(context.Background(), domain.JobTaskPayload{JobID: id}))
	assert.Empty(t, eventNames(t, fx.store, id))
}
