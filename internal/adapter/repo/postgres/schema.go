package postgres

import (
	"context"
	"fmt"
)

// schemaDDL bootstraps the two job tables and the scan tables. A single
// operator process owns the database, so idempotent DDL at startup replaces
// external migration tooling.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id             BIGSERIAL PRIMARY KEY,
	retry_root_job_id  BIGINT NOT NULL DEFAULT 0,
	retry_of_job_id    BIGINT REFERENCES jobs(job_id),
	retry_index        INT NOT NULL DEFAULT 0,
	profile_id         BIGINT NOT NULL,
	group_title        TEXT NOT NULL,
	dispatch_mode      TEXT NOT NULL,
	dispatch_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	dispatch_reason    TEXT NOT NULL DEFAULT '',
	prompt             TEXT NOT NULL,
	image_url          TEXT NOT NULL DEFAULT '',
	duration           TEXT NOT NULL,
	aspect_ratio       TEXT NOT NULL,
	status             TEXT NOT NULL,
	phase              TEXT NOT NULL,
	progress_pct       INT NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	task_id            TEXT NOT NULL DEFAULT '',
	generation_id      TEXT NOT NULL DEFAULT '',
	publish_url        TEXT NOT NULL DEFAULT '',
	watermark_url      TEXT NOT NULL DEFAULT '',
	watermark_status   TEXT NOT NULL DEFAULT '',
	watermark_attempts INT NOT NULL DEFAULT 0,
	watermark_error    TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at         TIMESTAMPTZ,
	finished_at        TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_retry_child
	ON jobs (retry_of_job_id) WHERE retry_of_job_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS jobs_chain_attempt
	ON jobs (retry_root_job_id, retry_index) WHERE retry_root_job_id <> 0;
CREATE INDEX IF NOT EXISTS jobs_group_status ON jobs (group_title, status);
CREATE INDEX IF NOT EXISTS jobs_updated ON jobs (updated_at DESC);

CREATE TABLE IF NOT EXISTS job_events (
	event_id   BIGSERIAL PRIMARY KEY,
	job_id     BIGINT NOT NULL REFERENCES jobs(job_id),
	phase      TEXT NOT NULL,
	event      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS job_events_job ON job_events (job_id);

CREATE TABLE IF NOT EXISTS scan_runs (
	run_id                 BIGSERIAL PRIMARY KEY,
	group_title            TEXT NOT NULL,
	total                  INT NOT NULL DEFAULT 0,
	success_count          INT NOT NULL DEFAULT 0,
	failed_count           INT NOT NULL DEFAULT 0,
	fallback_applied_count INT NOT NULL DEFAULT 0,
	scanned_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS scan_runs_group ON scan_runs (group_title, run_id DESC);

CREATE TABLE IF NOT EXISTS scan_results (
	run_id           BIGINT NOT NULL REFERENCES scan_runs(run_id) ON DELETE CASCADE,
	profile_id       BIGINT NOT NULL,
	scanned_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	session_status   TEXT NOT NULL DEFAULT 'unknown',
	account_email    TEXT NOT NULL DEFAULT '',
	plan             TEXT NOT NULL DEFAULT '',
	quota_remaining  INT,
	quota_total      INT,
	quota_reset_at   TIMESTAMPTZ,
	session_payload  TEXT NOT NULL DEFAULT '',
	proxy            JSONB,
	success          BOOLEAN NOT NULL DEFAULT FALSE,
	error            TEXT NOT NULL DEFAULT '',
	fallback_applied BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (run_id, profile_id)
);
`

// EnsureSchema creates the persistent tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	return nil
}
