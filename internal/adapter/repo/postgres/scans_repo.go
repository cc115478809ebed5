package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// ScanRepo persists account scan runs and their per-profile results.
type ScanRepo struct{ Pool PgxPool }

// NewScanRepo constructs a ScanRepo with the given pool.
func NewScanRepo(p PgxPool) *ScanRepo { return &ScanRepo{Pool: p} }

// CreateScanRun opens a new run and returns its id.
func (r *ScanRepo) CreateScanRun(ctx context.Context, run domain.ScanRun) (int64, error) {
	tracer := otel.Tracer("repo.scans")
	ctx, span := tracer.Start(ctx, "scans.CreateRun")
	defer span.End()
	if run.ScannedAt.IsZero() {
		run.ScannedAt = time.Now().UTC()
	}
	var id int64
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO scan_runs (group_title, total, scanned_at) VALUES ($1,$2,$3) RETURNING run_id`,
		run.GroupTitle, run.Total, run.ScannedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=scan.create_run: %w", err)
	}
	return id, nil
}

// FinishScanRun records the run's final counters.
func (r *ScanRepo) FinishScanRun(ctx context.Context, runID int64, success, failed, fallbackApplied int) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE scan_runs SET success_count=$2, failed_count=$3, fallback_applied_count=$4 WHERE run_id=$1`,
		runID, success, failed, fallbackApplied)
	if err != nil {
		return fmt.Errorf("op=scan.finish_run: %w", err)
	}
	return nil
}

// InsertScanResult stores one profile's observation for a run.
func (r *ScanRepo) InsertScanResult(ctx context.Context, res domain.ScanResult) error {
	if res.ScannedAt.IsZero() {
		res.ScannedAt = time.Now().UTC()
	}
	var proxy any
	if res.Proxy != nil {
		b, err := json.Marshal(res.Proxy)
		if err != nil {
			return fmt.Errorf("op=scan.insert_result_proxy: %w", err)
		}
		proxy = b
	}
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO scan_results (run_id, profile_id, scanned_at, session_status,
			account_email, plan, quota_remaining, quota_total, quota_reset_at,
			session_payload, proxy, success, error, fallback_applied)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		res.RunID, res.ProfileID, res.ScannedAt, res.SessionStatus,
		res.AccountEmail, res.Plan, res.QuotaRemaining, res.QuotaTotal, res.QuotaResetAt,
		res.SessionPayload, proxy, res.Success, res.Error, res.FallbackApplied)
	if err != nil {
		return fmt.Errorf("op=scan.insert_result: %w", err)
	}
	return nil
}

// LatestScanRun returns the newest run for a group.
func (r *ScanRepo) LatestScanRun(ctx context.Context, group string) (domain.ScanRun, error) {
	var run domain.ScanRun
	err := r.Pool.QueryRow(ctx,
		`SELECT run_id, group_title, total, success_count, failed_count, fallback_applied_count, scanned_at
		 FROM scan_runs WHERE group_title = $1 ORDER BY run_id DESC LIMIT 1`, group).
		Scan(&run.ID, &run.GroupTitle, &run.Total, &run.SuccessCount, &run.FailedCount, &run.FallbackAppliedCount, &run.ScannedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ScanRun{}, fmt.Errorf("op=scan.latest_run: %w", domain.ErrNotFound)
		}
		return domain.ScanRun{}, fmt.Errorf("op=scan.latest_run: %w", err)
	}
	return run, nil
}

// ScanResults returns a run's per-profile results ordered by profile id.
func (r *ScanRepo) ScanResults(ctx context.Context, runID int64) ([]domain.ScanResult, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT run_id, profile_id, scanned_at, session_status, account_email, plan,
			quota_remaining, quota_total, quota_reset_at, session_payload, proxy,
			success, error, fallback_applied
		 FROM scan_results WHERE run_id = $1 ORDER BY profile_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=scan.results: %w", err)
	}
	defer rows.Close()
	var out []domain.ScanResult
	for rows.Next() {
		res, err := scanScanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scan.results_scan: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=scan.results_rows: %w", err)
	}
	return out, nil
}

// LatestGoodResult returns the most recent successful, non-fallback result
// for the profile from any run older than beforeRunID.
func (r *ScanRepo) LatestGoodResult(ctx context.Context, group string, profileID int64, beforeRunID int64) (domain.ScanResult, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT r.run_id, r.profile_id, r.scanned_at, r.session_status, r.account_email, r.plan,
			r.quota_remaining, r.quota_total, r.quota_reset_at, r.session_payload, r.proxy,
			r.success, r.error, r.fallback_applied
		 FROM scan_results r JOIN scan_runs sr ON sr.run_id = r.run_id
		 WHERE sr.group_title = $1 AND r.profile_id = $2 AND r.run_id < $3
		   AND r.success AND NOT r.fallback_applied
		 ORDER BY r.run_id DESC LIMIT 1`, group, profileID, beforeRunID)
	res, err := scanScanResult(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ScanResult{}, fmt.Errorf("op=scan.latest_good: %w", domain.ErrNotFound)
		}
		return domain.ScanResult{}, fmt.Errorf("op=scan.latest_good: %w", err)
	}
	return res, nil
}

func scanScanResult(row pgx.Row) (domain.ScanResult, error) {
	var res domain.ScanResult
	var proxy []byte
	err := row.Scan(&res.RunID, &res.ProfileID, &res.ScannedAt, &res.SessionStatus,
		&res.AccountEmail, &res.Plan, &res.QuotaRemaining, &res.QuotaTotal, &res.QuotaResetAt,
		&res.SessionPayload, &proxy, &res.Success, &res.Error, &res.FallbackApplied)
	if err != nil {
		return domain.ScanResult{}, err
	}
	if len(proxy) > 0 {
		var pb domain.ProxyBinding
		if err := json.Unmarshal(proxy, &pb); err == nil {
			res.Proxy = &pb
		}
	}
	return res, nil
}

// PurgeScanRuns deletes runs beyond the newest `keep` for a group; results
// cascade with their run.
func (r *ScanRepo) PurgeScanRuns(ctx context.Context, group string, keep int) error {
	tracer := otel.Tracer("repo.scans")
	ctx, span := tracer.Start(ctx, "scans.Purge")
	defer span.End()
	if keep <= 0 {
		keep = domain.ScanRunHistory
	}
	_, err := r.Pool.Exec(ctx,
		`DELETE FROM scan_runs WHERE group_title = $1 AND run_id NOT IN (
			SELECT run_id FROM scan_runs WHERE group_title = $1
			ORDER BY run_id DESC LIMIT $2)`, group, keep)
	if err != nil {
		return fmt.Errorf("op=scan.purge: %w", err)
	}
	return nil
}
