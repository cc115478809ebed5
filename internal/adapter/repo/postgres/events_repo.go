package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// AppendEvent records one transition and returns its id. Event ids come from
// a BIGSERIAL sequence, so subscribers can use them as a strictly increasing
// replication cursor.
func (r *JobRepo) AppendEvent(ctx context.Context, jobID int64, phase domain.JobPhase, event, message string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()
	var id int64
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO job_events (job_id, phase, event, message, created_at)
		 VALUES ($1,$2,$3,$4,$5) RETURNING event_id`,
		jobID, phase, event, message, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=event.append: %w", err)
	}
	return id, nil
}

// ListEventsSince returns up to limit events with ids greater than afterID,
// in id order.
func (r *JobRepo) ListEventsSince(ctx context.Context, afterID int64, limit int) ([]domain.JobEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT event_id, job_id, phase, event, message, created_at
		 FROM job_events WHERE event_id > $1 ORDER BY event_id ASC LIMIT $2`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=event.list_since: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows, "event.list_since")
}

// LatestEventID returns the newest event id, 0 when the log is empty.
func (r *JobRepo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(event_id), 0) FROM job_events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=event.latest_id: %w", err)
	}
	return id, nil
}

// ListJobEvents returns the full event history of one job, oldest first.
func (r *JobRepo) ListJobEvents(ctx context.Context, jobID int64) ([]domain.JobEvent, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT event_id, job_id, phase, event, message, created_at
		 FROM job_events WHERE job_id = $1 ORDER BY event_id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=event.list_job: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows, "event.list_job")
}

func collectEvents(rows pgx.Rows, op string) ([]domain.JobEvent, error) {
	var out []domain.JobEvent
	for rows.Next() {
		var e domain.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Phase, &e.Event, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, err)
	}
	return out, nil
}

// ListFailEventsByProfile returns fail events since the given time joined
// with the owning job's profile, feeding the dispatcher's quality penalties.
func (r *JobRepo) ListFailEventsByProfile(ctx context.Context, group string, since time.Time) ([]domain.ProfileFailEvent, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT j.profile_id, e.phase, e.message, e.created_at
		 FROM job_events e JOIN jobs j ON j.job_id = e.job_id
		 WHERE j.group_title = $1 AND e.event = 'fail' AND e.created_at >= $2
		 ORDER BY e.event_id ASC`, group, since)
	if err != nil {
		return nil, fmt.Errorf("op=event.list_fails: %w", err)
	}
	defer rows.Close()
	var out []domain.ProfileFailEvent
	for rows.Next() {
		var fe domain.ProfileFailEvent
		if err := rows.Scan(&fe.ProfileID, &fe.Phase, &fe.Message, &fe.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=event.list_fails_scan: %w", err)
		}
		out = append(out, fe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=event.list_fails_rows: %w", err)
	}
	return out, nil
}
