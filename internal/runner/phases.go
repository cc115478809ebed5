package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/upstream"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// ensureSession opens the job's profile window, attaches to its debugging
// endpoint and lands the page on the drafts surface with request hooks
// installed. Idempotent within one execution.
func (ex *execution) ensureSession(ctx context.Context) error {
	if ex.session != nil {
		return nil
	}
	opened, err := ex.pool.broker.OpenProfile(ctx, ex.job.ProfileID, ex.pool.opts.Headless)
	if err != nil {
		return fmt.Errorf("op=runner.open_profile: %w", err)
	}
	sess, err := ex.pool.dial(ctx, opened.WSURL)
	if err != nil {
		return fmt.Errorf("op=runner.dial: %w", err)
	}
	if err := sess.Navigate(ctx, ex.pool.opts.UpstreamBaseURL+"/drafts"); err != nil {
		_ = sess.Close()
		return fmt.Errorf("op=runner.navigate: %w", err)
	}
	if err := sess.InstallHooks(ctx); err != nil {
		_ = sess.Close()
		return fmt.Errorf("op=runner.install_hooks: %w", err)
	}
	token, err := sess.AccessToken(ctx)
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("op=runner.access_token: %w", err)
	}
	ex.session = sess
	ex.token = token
	return nil
}

// refreshToken re-reads the in-page session token, for polls that outlive it.
func (ex *execution) refreshToken(ctx context.Context) error {
	if ex.session == nil {
		return fmt.Errorf("op=runner.refresh_token: %w: no session", domain.ErrInternal)
	}
	token, err := ex.session.AccessToken(ctx)
	if err != nil {
		return err
	}
	ex.token = token
	return nil
}

// noteChallenge records, once per execution, that direct HTTP hit the
// Cloudflare challenge and requests are being rerouted through the page.
func (ex *execution) noteChallenge(ctx context.Context, ph domain.JobPhase) {
	if ex.cfFallback {
		return
	}
	ex.cfFallback = true
	ex.appendEvent(ctx, ph, domain.EventFallback, "cloudflare challenge, rerouting requests through the page session")
	slog.Warn("cloudflare challenge, using in-page fetch", "job_id", ex.job.ID, "phase", ph)
}

// submit opens the session and submits the generation request. A job whose
// task_id survived an in-place retry skips resubmission and only rebuilds
// the session for the phases that follow.
func (ex *execution) submit(ctx context.Context) error {
	if err := ex.ensureSession(ctx); err != nil {
		return err
	}
	if ex.job.TaskID != "" {
		return nil
	}

	sentinel, err := ex.session.SentinelToken(ctx)
	if err != nil {
		// the header is advisory; submission without it usually still lands
		slog.Warn("sentinel token unavailable", "job_id", ex.job.ID, "error", err)
	}
	req := upstream.CreateRequest{
		Prompt:      ex.job.Prompt,
		ImageURL:    ex.job.ImageURL,
		Duration:    ex.job.Duration,
		AspectRatio: ex.job.AspectRatio,
		Sentinel:    sentinel,
	}
	taskID, err := ex.pool.api.CreateVideo(ctx, ex.job.ProfileID, ex.token, req)
	if err != nil && errors.Is(err, domain.ErrCFChallenge) {
		ex.noteChallenge(ctx, domain.PhaseSubmit)
		taskID, err = ex.pool.api.CreateVideoVia(ctx, ex.session, req)
	}
	if err != nil {
		return err
	}
	if err := ex.patch(ctx, domain.JobPatch{TaskID: &taskID}); err != nil {
		return err
	}
	ex.job.TaskID = taskID
	return nil
}

// pollTask polls the task directly, rerouting through the page session when
// the direct path trips the Cloudflare challenge. The direct path is retried
// first on every poll; the challenge usually clears.
func (ex *execution) pollTask(ctx context.Context) (upstream.TaskPoll, error) {
	poll, err := ex.pool.api.PollTask(ctx, ex.job.ProfileID, ex.token, ex.job.TaskID)
	if err == nil || !errors.Is(err, domain.ErrCFChallenge) {
		return poll, err
	}
	if serr := ex.ensureSession(ctx); serr != nil {
		return upstream.TaskPoll{}, serr
	}
	ex.noteChallenge(ctx, domain.PhaseProgress)
	return ex.pool.api.PollTaskVia(ctx, ex.session, ex.job.TaskID)
}

// progress polls the task until it grows a downloadable result or reports a
// failure reason. The percentage is elapsed time against the phase timeout,
// capped at 80 so completion always lands visibly above polling.
func (ex *execution) progress(ctx context.Context) error {
	started := time.Now()
	deadline := started.Add(ex.pool.opts.ProgressTimeout)
	for {
		poll, err := ex.pollTask(ctx)
		switch {
		case err != nil && errors.Is(err, domain.ErrTokenAuth):
			if rerr := ex.refreshToken(ctx); rerr != nil {
				return rerr
			}
		case err != nil:
			slog.Warn("task poll failed", "job_id", ex.job.ID, "error", err)
		case poll.FailReason != "":
			return fmt.Errorf("op=runner.progress: generation failed: %s", poll.FailReason)
		case poll.VideoURL != "":
			return nil
		}

		pct := int(float64(time.Since(started)) / float64(ex.pool.opts.ProgressTimeout) * 100)
		if pct > 80 {
			pct = 80
		}
		if pct > ex.job.ProgressPct {
			if err := ex.patch(ctx, domain.JobPatch{ProgressPct: &pct}); err != nil {
				slog.Warn("progress update failed", "job_id", ex.job.ID, "error", err)
			} else {
				ex.job.ProgressPct = pct
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("op=runner.progress: timed out after %s", ex.pool.opts.ProgressTimeout)
		}
		if err := ex.sleep(ctx, ex.pool.opts.ProgressPollEvery); err != nil {
			return err
		}
	}
}

// genID reads the generation id captured by the request hooks during submit.
func (ex *execution) genID(ctx context.Context) error {
	if ex.job.GenerationID != "" {
		return nil
	}
	if err := ex.ensureSession(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(ex.pool.opts.GenIDTimeout)
	for {
		id, err := ex.session.LastGenerationID(ctx)
		if err != nil {
			slog.Warn("generation id probe failed", "job_id", ex.job.ID, "error", err)
		}
		if id != "" {
			if err := ex.patch(ctx, domain.JobPatch{GenerationID: &id}); err != nil {
				return err
			}
			ex.job.GenerationID = id
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("op=runner.genid: no generation id after %s", ex.pool.opts.GenIDTimeout)
		}
		if err := ex.sleep(ctx, ex.pool.opts.GenIDPollEvery); err != nil {
			return err
		}
	}
}

// publish drives the in-page publish workflow and validates the share URL
// shape before persisting it.
func (ex *execution) publish(ctx context.Context) error {
	if ex.job.PublishURL != "" {
		return nil
	}
	if err := ex.ensureSession(ctx); err != nil {
		return err
	}
	url, err := ex.session.PublishVideo(ctx, ex.job.GenerationID)
	if err != nil {
		return err
	}
	if !domain.PublishURLPattern.MatchString(url) {
		return fmt.Errorf("op=runner.publish: %w: unexpected share url %q", domain.ErrInternal, url)
	}
	queued := domain.WatermarkQueued
	if err := ex.patch(ctx, domain.JobPatch{PublishURL: &url, WatermarkStatus: &queued}); err != nil {
		return err
	}
	ex.job.PublishURL = url
	return nil
}

// watermark resolves the share URL through the post-processor. The attempt
// counter accumulates every call the client's retry loop made, not the number
// of times the phase ran. Failures other than the explicit disabled error
// complete the job via fallback when allowed, pinning the publish URL as the
// output.
func (ex *execution) watermark(ctx context.Context) error {
	running := domain.WatermarkRunning
	if err := ex.patch(ctx, domain.JobPatch{WatermarkStatus: &running}); err != nil {
		return err
	}

	out, tries, err := ex.pool.watermark.ParseWithAttempts(ctx, ex.job.PublishURL)
	attempts := ex.job.WatermarkAttempts + tries
	ex.job.WatermarkAttempts = attempts
	if err == nil {
		completed := domain.WatermarkCompleted
		if perr := ex.patch(ctx, domain.JobPatch{WatermarkURL: &out, WatermarkStatus: &completed, WatermarkAttempts: &attempts}); perr != nil {
			return perr
		}
		ex.job.WatermarkURL = out
		return nil
	}

	message := err.Error()
	if ex.pool.opts.WatermarkFallbackOK && !errors.Is(err, domain.ErrWatermarkDisabled) {
		fallback := domain.WatermarkFallback
		if perr := ex.patch(ctx, domain.JobPatch{
			WatermarkStatus:   &fallback,
			WatermarkURL:      &ex.job.PublishURL,
			WatermarkError:    &message,
			WatermarkAttempts: &attempts,
		}); perr != nil {
			return perr
		}
		ex.appendEvent(ctx, domain.PhaseWatermark, domain.EventFallback, message)
		ex.job.WatermarkURL = ex.job.PublishURL
		return nil
	}

	failed := domain.WatermarkFailed
	if perr := ex.patch(ctx, domain.JobPatch{WatermarkStatus: &failed, WatermarkError: &message, WatermarkAttempts: &attempts}); perr != nil {
		slog.Error("watermark status update failed", "job_id", ex.job.ID, "error", perr)
	}
	return err
}
