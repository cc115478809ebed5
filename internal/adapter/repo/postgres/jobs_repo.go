package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// JobRepo persists jobs and their event log in PostgreSQL. It enforces the
// store-boundary invariants: monotone event ids (BIGSERIAL), at most one
// retry child per failed parent (partial unique index), non-decreasing
// progress, the permitted phase graph, and publish_url immutability.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

var _ domain.JobStore = (*JobRepo)(nil)

const jobColumns = `job_id, retry_root_job_id, retry_of_job_id, retry_index,
	profile_id, group_title, dispatch_mode, dispatch_score, dispatch_reason,
	prompt, image_url, duration, aspect_ratio,
	status, phase, progress_pct, error,
	task_id, generation_id, publish_url,
	watermark_url, watermark_status, watermark_attempts, watermark_error,
	created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.RetryRootID, &j.RetryOfID, &j.RetryIndex,
		&j.ProfileID, &j.GroupTitle, &j.DispatchMode, &j.DispatchScore, &j.DispatchReason,
		&j.Prompt, &j.ImageURL, &j.Duration, &j.AspectRatio,
		&j.Status, &j.Phase, &j.ProgressPct, &j.Error,
		&j.TaskID, &j.GenerationID, &j.PublishURL,
		&j.WatermarkURL, &j.WatermarkStatus, &j.WatermarkAttempts, &j.WatermarkError,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	return j, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateJob inserts a new job and returns its id. A job without a retry root
// becomes its own root. Unique violations on the retry chain map to
// ErrConflict so concurrent retry spawns collapse to one child.
func (r *JobRepo) CreateJob(ctx context.Context, j domain.Job) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	if j.Phase == "" {
		j.Phase = domain.PhaseQueue
	}
	q := `INSERT INTO jobs (retry_root_job_id, retry_of_job_id, retry_index,
		profile_id, group_title, dispatch_mode, dispatch_score, dispatch_reason,
		prompt, image_url, duration, aspect_ratio,
		status, phase, progress_pct, error, watermark_status,
		created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18)
	RETURNING job_id`
	var id int64
	err := r.Pool.QueryRow(ctx, q,
		j.RetryRootID, j.RetryOfID, j.RetryIndex,
		j.ProfileID, j.GroupTitle, j.DispatchMode, j.DispatchScore, j.DispatchReason,
		j.Prompt, j.ImageURL, j.Duration, j.AspectRatio,
		j.Status, j.Phase, j.ProgressPct, j.Error, j.WatermarkStatus,
		j.CreatedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("op=job.create: %w", domain.ErrConflict)
		}
		return 0, fmt.Errorf("op=job.create: %w", err)
	}
	if j.RetryRootID == 0 {
		if _, err := r.Pool.Exec(ctx, `UPDATE jobs SET retry_root_job_id = job_id WHERE job_id = $1`, id); err != nil {
			return 0, fmt.Errorf("op=job.create_root: %w", err)
		}
	}
	return id, nil
}

// GetJob loads a job by id.
func (r *JobRepo) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// LatestInChain resolves the newest descendant of the job's retry chain,
// or the job itself when no child exists.
func (r *JobRepo) LatestInChain(ctx context.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LatestInChain")
	defer span.End()
	q := `WITH RECURSIVE chain AS (
		SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1
		UNION ALL
		SELECT ` + prefixed("j", jobColumns) + ` FROM jobs j JOIN chain c ON j.retry_of_job_id = c.job_id
	)
	SELECT ` + jobColumns + ` FROM chain ORDER BY job_id DESC LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.latest_in_chain: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.latest_in_chain: %w", err)
	}
	return j, nil
}

// prefixed qualifies every column of a comma-separated list with an alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, alias+"."+strings.TrimSpace(p))
	}
	return strings.Join(out, ", ")
}

// UpdateJob applies a partial patch inside one transaction. The guard rules:
// progress never decreases within an attempt, phase moves only along the
// permitted graph (out-of-graph moves clamp to the current phase and record
// an event), canceled/completed rows accept only finished_at, and a
// non-empty publish_url changes only while the job sits in the publish phase.
func (r *JobRepo) UpdateJob(ctx context.Context, id int64, p domain.JobPatch) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.update_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.update: %w", err)
	}

	if cur.Status.Terminal() && !p.ResetForRetry {
		// Terminal rows only accept the closing timestamp.
		if p.FinishedAt != nil {
			if _, err := tx.Exec(ctx, `UPDATE jobs SET finished_at = $2, updated_at = $3 WHERE job_id = $1`, id, p.FinishedAt, time.Now().UTC()); err != nil {
				return fmt.Errorf("op=job.update_finished: %w", err)
			}
			return commit(ctx, tx, "job.update")
		}
		if p.Status != nil && *p.Status != cur.Status {
			return fmt.Errorf("op=job.update: %w: job %d is %s", domain.ErrConflict, id, cur.Status)
		}
		return commit(ctx, tx, "job.update")
	}

	next := cur
	if p.ResetForRetry {
		next.Status = domain.JobQueued
		next.Phase = domain.PhaseQueue
		next.ProgressPct = 0
		next.Error = ""
		next.FinishedAt = nil
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	clampMsg := ""
	if p.Phase != nil && !p.ResetForRetry {
		if domain.CanTransition(cur.Phase, *p.Phase) {
			next.Phase = *p.Phase
		} else {
			clampMsg = fmt.Sprintf("phase %s -> %s rejected, clamped to %s", cur.Phase, *p.Phase, cur.Phase)
		}
	}
	if p.ProgressPct != nil && !p.ResetForRetry {
		if *p.ProgressPct > next.ProgressPct {
			next.ProgressPct = *p.ProgressPct
		}
	}
	if p.Error != nil {
		next.Error = *p.Error
	}
	if p.TaskID != nil {
		next.TaskID = *p.TaskID
	}
	if p.GenerationID != nil {
		next.GenerationID = *p.GenerationID
	}
	if p.PublishURL != nil {
		if cur.PublishURL != "" && *p.PublishURL != cur.PublishURL && cur.Phase != domain.PhasePublish {
			return fmt.Errorf("op=job.update: %w: publish_url is immutable", domain.ErrConflict)
		}
		next.PublishURL = *p.PublishURL
	}
	if p.WatermarkURL != nil {
		next.WatermarkURL = *p.WatermarkURL
	}
	if p.WatermarkStatus != nil {
		next.WatermarkStatus = *p.WatermarkStatus
	}
	if p.WatermarkAttempts != nil {
		next.WatermarkAttempts = *p.WatermarkAttempts
	}
	if p.WatermarkError != nil {
		next.WatermarkError = *p.WatermarkError
	}
	if p.StartedAt != nil {
		next.StartedAt = p.StartedAt
	}
	if p.FinishedAt != nil {
		next.FinishedAt = p.FinishedAt
	}

	q := `UPDATE jobs SET status=$2, phase=$3, progress_pct=$4, error=$5,
		task_id=$6, generation_id=$7, publish_url=$8,
		watermark_url=$9, watermark_status=$10, watermark_attempts=$11, watermark_error=$12,
		started_at=$13, finished_at=$14, updated_at=$15
	WHERE job_id=$1`
	if _, err := tx.Exec(ctx, q, id,
		next.Status, next.Phase, next.ProgressPct, next.Error,
		next.TaskID, next.GenerationID, next.PublishURL,
		next.WatermarkURL, next.WatermarkStatus, next.WatermarkAttempts, next.WatermarkError,
		next.StartedAt, next.FinishedAt, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("op=job.update_exec: %w", err)
	}
	if clampMsg != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_events (job_id, phase, event, message, created_at) VALUES ($1,$2,$3,$4,$5)`,
			id, cur.Phase, "clamp", clampMsg, time.Now().UTC()); err != nil {
			return fmt.Errorf("op=job.update_clamp_event: %w", err)
		}
	}
	return commit(ctx, tx, "job.update")
}

func commit(ctx context.Context, tx pgx.Tx, op string) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=%s_commit: %w", op, err)
	}
	return nil
}

// ListJobs returns jobs matching the filter, most recent first.
func (r *JobRepo) ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string { args = append(args, v); return fmt.Sprintf("$%d", len(args)) }
	if f.GroupTitle != "" {
		where = append(where, "group_title = "+arg(f.GroupTitle))
	}
	if f.ProfileID != 0 {
		where = append(where, "profile_id = "+arg(f.ProfileID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.Phase != "" {
		where = append(where, "phase = "+arg(f.Phase))
	}
	if f.Keyword != "" {
		kw := "%" + f.Keyword + "%"
		where = append(where, "(prompt ILIKE "+arg(kw)+" OR error ILIKE "+arg(kw)+")")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY job_id DESC LIMIT ` + arg(limit)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_rows: %w", err)
	}
	return out, nil
}

// LatestRetryChild returns the retry child of a job, if one exists.
func (r *JobRepo) LatestRetryChild(ctx context.Context, jobID int64) (domain.Job, error) {
	j, err := scanJob(r.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE retry_of_job_id = $1 ORDER BY job_id DESC LIMIT 1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.latest_retry_child: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.latest_retry_child: %w", err)
	}
	return j, nil
}

// MaxRetryIndex returns the highest retry index within a chain.
func (r *JobRepo) MaxRetryIndex(ctx context.Context, rootID int64) (int, error) {
	var max int
	err := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(retry_index), 0) FROM jobs WHERE retry_root_job_id = $1`, rootID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("op=job.max_retry_index: %w", err)
	}
	return max, nil
}

// RetryChainProfileIDs returns every profile id appearing in a retry chain.
func (r *JobRepo) RetryChainProfileIDs(ctx context.Context, rootID int64) ([]int64, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT DISTINCT profile_id FROM jobs WHERE retry_root_job_id = $1`, rootID)
	if err != nil {
		return nil, fmt.Errorf("op=job.retry_chain_profiles: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.retry_chain_profiles_scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CountActiveJobsByProfile counts queued+running jobs per profile in a group.
func (r *JobRepo) CountActiveJobsByProfile(ctx context.Context, group string) (map[int64]int, error) {
	return r.countByProfile(ctx, "job.count_active",
		`SELECT profile_id, COUNT(*) FROM jobs
		 WHERE group_title = $1 AND status IN ('queued','running')
		 GROUP BY profile_id`, group)
}

// CountPendingSubmitsByProfile counts jobs not yet acknowledged by upstream
// (still in queue/submit with no task id), per profile.
func (r *JobRepo) CountPendingSubmitsByProfile(ctx context.Context, group string) (map[int64]int, error) {
	return r.countByProfile(ctx, "job.count_pending_submits",
		`SELECT profile_id, COUNT(*) FROM jobs
		 WHERE group_title = $1 AND status IN ('queued','running')
		   AND phase IN ('queue','submit') AND task_id = ''
		 GROUP BY profile_id`, group)
}

// CountCompletedJobsByProfile counts completed jobs per profile in a group.
func (r *JobRepo) CountCompletedJobsByProfile(ctx context.Context, group string) (map[int64]int, error) {
	return r.countByProfile(ctx, "job.count_completed",
		`SELECT profile_id, COUNT(*) FROM jobs
		 WHERE group_title = $1 AND status = 'completed'
		 GROUP BY profile_id`, group)
}

func (r *JobRepo) countByProfile(ctx context.Context, op, q, group string) (map[int64]int, error) {
	rows, err := r.Pool.Query(ctx, q, group)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// ListQueuedJobs returns still-queued jobs oldest first for requeue at boot.
func (r *JobRepo) ListQueuedJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' ORDER BY job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_queued: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_queued_scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
