// Package runner executes video jobs end-to-end: it opens the assigned
// browser profile, submits the generation, follows it through progress,
// generation-id capture, publish and watermark, and records every transition
// as job events.
//
// A fixed-capacity pool bounds how many jobs run at once. Each execution
// observes the store-side cancel flag at every suspension point and stops
// without touching terminal fields beyond finished_at.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/browser"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/upstream"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Session is the slice of a live browser page an execution drives. FetchJSON
// carries API calls through the page itself when the direct HTTP path trips
// the Cloudflare challenge.
type Session interface {
	InstallHooks(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	AccessToken(ctx context.Context) (string, error)
	SentinelToken(ctx context.Context) (string, error)
	LastGenerationID(ctx context.Context) (string, error)
	PublishVideo(ctx context.Context, generationID string) (string, error)
	FetchJSON(ctx context.Context, method, url string, body any) (browser.PageResponse, error)
	Close() error
}

// Dialer connects to a profile's debugging endpoint.
type Dialer func(ctx context.Context, wsURL string) (Session, error)

// Upstream is the slice of the video API an execution needs. The Via variants
// route the same requests through the page session instead of direct HTTP.
type Upstream interface {
	CreateVideo(ctx context.Context, profileID int64, token string, req upstream.CreateRequest) (string, error)
	PollTask(ctx context.Context, profileID int64, token, taskID string) (upstream.TaskPoll, error)
	CreateVideoVia(ctx context.Context, page upstream.PageFetcher, req upstream.CreateRequest) (string, error)
	PollTaskVia(ctx context.Context, page upstream.PageFetcher, taskID string) (upstream.TaskPoll, error)
}

// Watermark is the slice of the post-processor an execution needs. The
// returned attempt count covers every call the client's internal retry
// loop made.
type Watermark interface {
	ParseWithAttempts(ctx context.Context, shareURL string) (string, int, error)
}

// ProfilePicker selects a replacement profile for retry spawns.
type ProfilePicker interface {
	PickBest(ctx context.Context, group string, exclude map[int64]bool) (dispatch.Weight, error)
}

// Options are the runtime knobs of the pool.
type Options struct {
	Concurrency          int
	ProgressTimeout      time.Duration
	ProgressPollEvery    time.Duration
	GenIDTimeout         time.Duration
	GenIDPollEvery       time.Duration
	CancelCheckInterval  time.Duration
	AutoRetryMaxAttempts int
	WatermarkFallbackOK  bool
	Headless             bool
	UpstreamBaseURL      string
}

// OptionsFromConfig maps configuration onto pool options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:          cfg.RunnerConcurrency,
		ProgressTimeout:      cfg.ProgressTimeout,
		ProgressPollEvery:    cfg.ProgressPollEvery,
		GenIDTimeout:         cfg.GenIDTimeout,
		GenIDPollEvery:       cfg.GenIDPollEvery,
		CancelCheckInterval:  cfg.CancelCheckInterval,
		AutoRetryMaxAttempts: cfg.AutoRetryMaxAttempts,
		WatermarkFallbackOK:  cfg.WatermarkFallbackOK,
		Headless:             cfg.BrokerHeadless,
		UpstreamBaseURL:      cfg.UpstreamBaseURL,
	}
}

// Pool runs queued jobs with bounded concurrency.
type Pool struct {
	opts      Options
	store     domain.JobStore
	broker    domain.Broker
	dial      Dialer
	api       Upstream
	watermark Watermark
	queue     domain.Queue
	picker    ProfilePicker
	sem       *semaphore.Weighted
}

// New builds a pool. The watermark client may be nil-behaving (its parse
// reporting ErrWatermarkDisabled); the queue and picker feed retry spawns.
func New(opts Options, store domain.JobStore, brk domain.Broker, dial Dialer, api Upstream, wm Watermark, queue domain.Queue, picker ProfilePicker) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.CancelCheckInterval <= 0 {
		opts.CancelCheckInterval = time.Second
	}
	return &Pool{
		opts:      opts,
		store:     store,
		broker:    brk,
		dial:      dial,
		api:       api,
		watermark: wm,
		queue:     queue,
		picker:    picker,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Handle consumes one queue task. Errors are recorded on the job itself;
// the queue never redelivers, so Handle only returns an error when the task
// could not even be admitted.
func (p *Pool) Handle(ctx context.Context, payload domain.JobTaskPayload) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("op=runner.acquire: %w", err)
	}
	defer p.sem.Release(1)

	observability.JobsRunning.Inc()
	defer observability.JobsRunning.Dec()
	p.run(ctx, payload.JobID)
	return nil
}

// phaseOrder is the executable phase sequence. The stored queue phase maps
// onto the first entry.
var phaseOrder = []domain.JobPhase{
	domain.PhaseSubmit,
	domain.PhaseProgress,
	domain.PhaseGenID,
	domain.PhasePublish,
	domain.PhaseWatermark,
}

func startIndex(phase domain.JobPhase) int {
	for i, ph := range phaseOrder {
		if ph == phase {
			return i
		}
	}
	return 0
}

func (p *Pool) run(ctx context.Context, jobID int64) {
	ctx, span := otel.Tracer("repo.runner").Start(ctx, "runner.run")
	defer span.End()
	span.SetAttributes(attribute.Int64("job_id", jobID))

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("runner could not load job", "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}
	if job.Status != domain.JobQueued {
		slog.Warn("runner skipping job not in queued state", "job_id", jobID, "status", job.Status)
		return
	}

	ex := &execution{pool: p, job: job}
	defer ex.closeSession()

	running := domain.JobRunning
	now := time.Now().UTC()
	if err := p.store.UpdateJob(ctx, jobID, domain.JobPatch{Status: &running, StartedAt: &now}); err != nil {
		slog.Error("runner could not mark job running", "job_id", jobID, "error", err)
		return
	}

	for i := startIndex(job.Phase); i < len(phaseOrder); i++ {
		ph := phaseOrder[i]
		if ex.observeCancel(ctx) {
			return
		}
		if err := ex.enterPhase(ctx, ph); err != nil {
			slog.Error("runner could not advance phase", "job_id", jobID, "phase", ph, "error", err)
			ex.fail(ctx, ph, err)
			return
		}
		started := time.Now()
		err := ex.runPhase(ctx, ph)
		observability.JobPhaseDuration.WithLabelValues(string(ph)).Observe(time.Since(started).Seconds())
		if err != nil {
			if errors.Is(err, domain.ErrCanceled) {
				ex.observeCancel(ctx)
				return
			}
			ex.fail(ctx, ph, err)
			return
		}
		// progress completion is implied by the genid phase starting
		if ph != domain.PhaseProgress {
			ex.appendEvent(ctx, ph, domain.EventFinish, "")
		}
	}
	ex.complete(ctx)
}

// execution carries the per-job state across phases.
type execution struct {
	pool       *Pool
	job        domain.Job
	session    Session
	token      string
	cfFallback bool
}

func (ex *execution) runPhase(ctx context.Context, ph domain.JobPhase) error {
	switch ph {
	case domain.PhaseSubmit:
		return ex.submit(ctx)
	case domain.PhaseProgress:
		return ex.progress(ctx)
	case domain.PhaseGenID:
		return ex.genID(ctx)
	case domain.PhasePublish:
		return ex.publish(ctx)
	case domain.PhaseWatermark:
		return ex.watermark(ctx)
	}
	return fmt.Errorf("op=runner.phase: %w: %s", domain.ErrInternal, ph)
}

func (ex *execution) enterPhase(ctx context.Context, ph domain.JobPhase) error {
	if err := ex.pool.store.UpdateJob(ctx, ex.job.ID, domain.JobPatch{Phase: &ph}); err != nil {
		return err
	}
	ex.job.Phase = ph
	ex.appendEvent(ctx, ph, domain.EventStart, "")
	return nil
}

func (ex *execution) appendEvent(ctx context.Context, ph domain.JobPhase, event, message string) {
	if _, err := ex.pool.store.AppendEvent(ctx, ex.job.ID, ph, event, message); err != nil {
		slog.Error("runner could not append event", "job_id", ex.job.ID, "event", event, "error", err)
	}
}

func (ex *execution) patch(ctx context.Context, p domain.JobPatch) error {
	return ex.pool.store.UpdateJob(ctx, ex.job.ID, p)
}

// observeCancel reports whether the job was canceled out from under the
// execution, setting finished_at when the cancel path has not yet.
func (ex *execution) observeCancel(ctx context.Context) bool {
	job, err := ex.pool.store.GetJob(ctx, ex.job.ID)
	if err != nil {
		return false
	}
	if job.Status != domain.JobCanceled {
		return false
	}
	if job.FinishedAt == nil {
		now := time.Now().UTC()
		_ = ex.patch(ctx, domain.JobPatch{FinishedAt: &now})
	}
	return true
}

// sleep waits for d, waking early to observe cancellation. Returns
// ErrCanceled when the job or context is canceled.
func (ex *execution) sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	tick := ex.pool.opts.CancelCheckInterval
	for {
		if ex.observeCancel(ctx) {
			return domain.ErrCanceled
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=runner.sleep: %w", domain.ErrCanceled)
		case <-time.After(tick):
		}
	}
}

func (ex *execution) fail(ctx context.Context, ph domain.JobPhase, cause error) {
	message := cause.Error()
	ex.appendEvent(ctx, ph, domain.EventFail, message)
	failed := domain.JobFailed
	now := time.Now().UTC()
	if err := ex.patch(ctx, domain.JobPatch{Status: &failed, Error: &message, FinishedAt: &now}); err != nil {
		slog.Error("runner could not mark job failed", "job_id", ex.job.ID, "error", err)
	}
	observability.JobsFinishedTotal.WithLabelValues(string(domain.JobFailed)).Inc()

	if ph == domain.PhaseSubmit && domain.IsOverload(cause) {
		ex.job.Status = domain.JobFailed
		ex.job.Error = message
		ex.pool.autoRetry(ctx, ex.job)
	}
}

func (ex *execution) complete(ctx context.Context) {
	completed := domain.JobCompleted
	done := domain.PhaseDone
	full := 100
	now := time.Now().UTC()
	if err := ex.patch(ctx, domain.JobPatch{
		Status: &completed, Phase: &done, ProgressPct: &full, FinishedAt: &now,
	}); err != nil {
		slog.Error("runner could not mark job completed", "job_id", ex.job.ID, "error", err)
		return
	}
	observability.JobsFinishedTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
}

func (ex *execution) closeSession() {
	if ex.session != nil {
		_ = ex.session.Close()
		ex.session = nil
	}
}
