package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/scanner"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/stream"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
)

type stubDispatcher struct {
	weight dispatch.Weight
	err    error
}

func (d *stubDispatcher) Weights(context.Context, string) ([]dispatch.Weight, error) {
	return []dispatch.Weight{d.weight}, nil
}

func (d *stubDispatcher) PickBest(context.Context, string, map[int64]bool) (dispatch.Weight, error) {
	if d.err != nil {
		return dispatch.Weight{}, d.err
	}
	return d.weight, nil
}

type stubQueue struct{ payloads []domain.JobTaskPayload }

func (q *stubQueue) EnqueueJob(_ context.Context, p domain.JobTaskPayload) error {
	q.payloads = append(q.payloads, p)
	return nil
}

type stubRetrier struct {
	got    int64
	result int64
	err    error
}

func (r *stubRetrier) Retry(_ context.Context, id int64) (int64, error) {
	r.got = id
	return r.result, r.err
}

type stubBroker struct{ groups []domain.Group }

func (b *stubBroker) ListGroups(context.Context) ([]domain.Group, error) { return b.groups, nil }
func (b *stubBroker) ListGroupProfiles(context.Context, string) ([]domain.Profile, error) {
	return nil, nil
}
func (b *stubBroker) OpenProfile(context.Context, int64, bool) (domain.OpenedProfile, error) {
	return domain.OpenedProfile{}, nil
}
func (b *stubBroker) CloseProfile(context.Context, int64) error { return nil }
func (b *stubBroker) OpenedProfiles(context.Context) ([]domain.OpenedProfile, error) {
	return nil, nil
}
func (b *stubBroker) ResetOpenState(context.Context, int64) error { return nil }
func (b *stubBroker) CloseInBatches(context.Context, []int64) error {
	return nil
}
func (b *stubBroker) ProxyFor(context.Context, int64) (domain.ProxyBinding, bool) {
	return domain.ProxyBinding{}, false
}

type stubScans struct {
	run     domain.ScanRun
	results []domain.ScanResult
	err     error
	handle  *scanner.RefreshHandle
	known   bool
}

func (s *stubScans) GetLatest(_ context.Context, group string, _ bool) (domain.ScanRun, []domain.ScanResult, error) {
	if s.err != nil {
		return domain.ScanRun{}, nil, s.err
	}
	run := s.run
	run.GroupTitle = group
	return run, s.results, nil
}

func (s *stubScans) SilentRefresh(string) *scanner.RefreshHandle { return s.handle }

func (s *stubScans) Refresh(string) (*scanner.RefreshHandle, bool) { return s.handle, s.known }

type stubWatermark struct {
	url string
	err error
}

func (w *stubWatermark) Parse(context.Context, string) (string, error) { return w.url, w.err }

type stubTokens struct {
	issued string
	valid  map[string]bool
}

func (t *stubTokens) Issue(context.Context) (string, error) { return t.issued, nil }
func (t *stubTokens) Validate(_ context.Context, tok string) (bool, error) {
	return t.valid[tok], nil
}

type fixture struct {
	server *Server
	store  *memory.JobStore
	queue  *stubQueue
	router chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewJobStore()
	queue := &stubQueue{}
	dispatcher := &stubDispatcher{weight: dispatch.Weight{ProfileID: 5, Score: 77, Quantity: 80, Quality: 70}}

	cfg := config.Config{
		StreamPollInterval: 10 * time.Millisecond,
		StreamPingInterval: time.Minute,
		StreamMaxLimit:     100,
		StreamTokenTTL:     time.Minute,
	}

	srv := &Server{
		Cfg:       cfg,
		Jobs:      usecase.NewJobService(store, queue, dispatcher, &stubRetrier{result: 99}, "Sora"),
		Accounts:  usecase.NewAccountService(&stubBroker{groups: []domain.Group{{Title: "Sora"}}}, &stubScans{handle: &scanner.RefreshHandle{}}, "Sora"),
		Stream:    stream.New(cfg, store),
		Tokens:    &stubTokens{issued: "tok-1", valid: map[string]bool{"tok-1": true}},
		Watermark: &stubWatermark{url: "https://cdn.example.com/clean.mp4"},
	}

	r := chi.NewRouter()
	r.Post("/v1/jobs", srv.CreateJobHandler())
	r.Get("/v1/jobs", srv.ListJobsHandler())
	r.Get("/v1/jobs/stream", srv.StreamJobsHandler())
	r.Get("/v1/jobs/{id}", srv.GetJobHandler())
	r.Post("/v1/jobs/{id}/retry", srv.RetryJobHandler())
	r.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
	r.Get("/v1/accounts", srv.AccountsHandler())
	r.Get("/v1/accounts/weights", srv.WeightsHandler())
	r.Post("/v1/accounts/refresh", srv.RefreshAccountsHandler())
	r.Get("/v1/accounts/refresh/{id}", srv.RefreshStatusHandler())
	r.Get("/v1/groups", srv.GroupsHandler())
	r.Post("/v1/watermark/parse", srv.WatermarkParseHandler())
	r.Post("/v1/stream-token", srv.StreamTokenHandler())
	r.Get("/readyz", srv.ReadyzHandler())

	return &fixture{server: srv, store: store, queue: queue, router: r}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"prompt":"a fox in snow","duration":"10s","aspect_ratio":"landscape"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(5), body["profile_id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "queue", body["phase"])
	assert.Equal(t, "Sora", body["group_title"])
	require.Len(t, f.queue.payloads, 1)
}

func TestCreateJob_BadRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"prompt":"","duration":"10s","aspect_ratio":"landscape"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_ARGUMENT", errObj["code"])

	rec = f.do(t, http.MethodPost, "/v1/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJob_NoCandidate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.server.Jobs.Dispatcher = &stubDispatcher{err: fmt.Errorf("op=dispatch.pick: %w", domain.ErrNoCandidate)}

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"prompt":"x","duration":"10s","aspect_ratio":"portrait"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errObj := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "NO_CANDIDATE", errObj["code"])
	assert.Contains(t, errObj["message"], "无可用账号")
}

func TestGetJob_FollowsRetryChainByDefault(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rootID, err := f.store.CreateJob(ctx, domain.Job{Status: domain.JobFailed, Phase: domain.PhaseSubmit, GroupTitle: "Sora"})
	require.NoError(t, err)
	childID, err := f.store.CreateJob(ctx, domain.Job{
		RetryRootID: rootID, RetryOfID: &rootID, RetryIndex: 1,
		Status: domain.JobQueued, Phase: domain.PhaseQueue, GroupTitle: "Sora",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%d", rootID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(childID), decode(t, rec)["job_id"])

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%d?follow_retry=false", rootID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(rootID), body["job_id"])
	assert.Equal(t, float64(rootID), body["retry_root_job_id"])
}

func TestGetJob_NotFoundAndBadID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs/404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_WithEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.CreateJob(ctx, domain.Job{Status: domain.JobQueued, Phase: domain.PhaseQueue, GroupTitle: "Sora"})
	require.NoError(t, err)
	_, err = f.store.AppendEvent(ctx, id, domain.PhaseQueue, domain.EventQueue, "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/jobs/%d?with_events=true", id), "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode(t, rec)["events"].([]any)
	require.Len(t, events, 1)
}

func TestListJobs_Filters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateJob(ctx, domain.Job{Status: domain.JobQueued, Phase: domain.PhaseQueue, GroupTitle: "Sora", Prompt: "a dog"})
	require.NoError(t, err)
	_, err = f.store.CreateJob(ctx, domain.Job{Status: domain.JobRunning, Phase: domain.PhaseProgress, GroupTitle: "Sora", Prompt: "a cat"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/jobs?status=running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a cat", jobs[0].(map[string]any)["prompt"])

	rec = f.do(t, http.MethodGet, "/v1/jobs?keyword=dog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["jobs"].([]any), 1)

	rec = f.do(t, http.MethodGet, "/v1/jobs?limit=oops", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs/7/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(99), body["job_id"])
	assert.Equal(t, float64(7), body["retried_from"])
}

func TestRetryJob_Conflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.server.Jobs.Retrier = &stubRetrier{err: fmt.Errorf("op=runner.retry: %w: job not failed", domain.ErrConflict)}

	rec := f.do(t, http.MethodPost, "/v1/jobs/7/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.CreateJob(ctx, domain.Job{Status: domain.JobRunning, Phase: domain.PhaseProgress, GroupTitle: "Sora"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/cancel", id), "")
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := f.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCanceled, job.Status)
	assert.Equal(t, domain.CancelMessage, job.Error)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/cancel", id), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAccountsAndGroups(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode(t, rec)["run"].(map[string]any)
	assert.Equal(t, "Sora", run["GroupTitle"])

	rec = f.do(t, http.MethodGet, "/v1/groups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decode(t, rec)["groups"].([]any)
	require.Len(t, groups, 1)
}

func TestRefreshAccounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/accounts/refresh", `{"group_title":"Sora"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["done"])

	rec = f.do(t, http.MethodGet, "/v1/accounts/refresh/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWeights(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/accounts/weights", "")
	require.Equal(t, http.StatusOK, rec.Code)
	weights := decode(t, rec)["weights"].([]any)
	require.Len(t, weights, 1)
}

func TestWatermarkParse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/watermark/parse", `{"share_url":"https://sora.chatgpt.com/p/s_deadbeef00112233"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://cdn.example.com/clean.mp4", decode(t, rec)["url"])

	rec = f.do(t, http.MethodPost, "/v1/watermark/parse", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWatermarkParse_DisabledMapsToConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.server.Watermark = &stubWatermark{err: fmt.Errorf("op=watermark.parse: %w", domain.ErrWatermarkDisabled)}

	rec := f.do(t, http.MethodPost, "/v1/watermark/parse", `{"share_url":"https://sora.chatgpt.com/p/s_deadbeef00112233"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	errObj := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "WATERMARK_DISABLED", errObj["code"])
}

func TestStreamToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/stream-token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "tok-1", body["token"])
	assert.Equal(t, float64(60), body["expires_in"])
}

func TestStreamJobs_RequiresValidToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs/stream", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs/stream?token=bogus", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStreamJobs_DeliversSnapshotAndDiffs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.CreateJob(ctx, domain.Job{Status: domain.JobRunning, Phase: domain.PhaseProgress, GroupTitle: "Sora"})
	require.NoError(t, err)

	ts := httptest.NewServer(f.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/stream?token=tok-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	readFrame := func() (string, string) {
		var event, data string
		for {
			line, err := rd.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return event, data
			}
		}
	}

	event, data := readFrame()
	assert.Equal(t, stream.TypeSnapshot, event)
	var snap stream.Message
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, id, snap.Jobs[0].ID)

	require.NoError(t, f.store.UpdateJob(ctx, id, domain.JobPatch{ProgressPct: intPtr(42)}))

	for {
		event, data = readFrame()
		if event == stream.TypeJob {
			break
		}
	}
	var diff stream.Message
	require.NoError(t, json.Unmarshal([]byte(data), &diff))
	require.NotNil(t, diff.Job)
	assert.Equal(t, 42, diff.Job.ProgressPct)
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.server.DBCheck = func(context.Context) error { return nil }
	f.server.RedisCheck = func(context.Context) error { return fmt.Errorf("dial tcp: refused") }

	rec := f.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])

	f.server.RedisCheck = func(context.Context) error { return nil }
	rec = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func intPtr(v int) *int { return &v }
