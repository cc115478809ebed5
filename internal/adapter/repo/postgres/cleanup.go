package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// RetentionService trims scan history so each group keeps only its most
// recent runs.
type RetentionService struct {
	Pool  PgxPool
	Scans *ScanRepo
	Keep  int
}

// NewRetentionService creates a retention sweeper keeping `keep` runs per group.
func NewRetentionService(pool PgxPool, scans *ScanRepo, keep int) *RetentionService {
	if keep <= 0 {
		keep = domain.ScanRunHistory
	}
	return &RetentionService{Pool: pool, Scans: scans, Keep: keep}
}

// Sweep purges old scan runs for every group that has any.
func (s *RetentionService) Sweep(ctx context.Context) error {
	rows, err := s.Pool.Query(ctx, `SELECT DISTINCT group_title FROM scan_runs`)
	if err != nil {
		return fmt.Errorf("op=retention.groups: %w", err)
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return fmt.Errorf("op=retention.groups_scan: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("op=retention.groups_rows: %w", err)
	}
	for _, g := range groups {
		if err := s.Scans.PurgeScanRuns(ctx, g, s.Keep); err != nil {
			return err
		}
	}
	return nil
}

// RunPeriodic sweeps on a fixed interval until the context ends.
func (s *RetentionService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil {
		slog.Error("initial scan retention sweep failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("scan retention sweeper stopping")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("scan retention sweep failed", slog.Any("error", err))
			}
		}
	}
}
