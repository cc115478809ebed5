package domain

import (
	"context"
	"time"
)

// SessionStatus summarizes what a scan observed about a profile's session.
type SessionStatus string

// Session statuses recorded by the scanner.
const (
	SessionActive    SessionStatus = "active"
	SessionExpired   SessionStatus = "expired"
	SessionChallenge SessionStatus = "challenge"
	SessionUnknown   SessionStatus = "unknown"
)

// ScanResult is one profile's observation within a scan run.
type ScanResult struct {
	RunID          int64
	ProfileID      int64
	ScannedAt      time.Time
	SessionStatus  SessionStatus
	AccountEmail   string
	Plan           Plan // empty when unknown
	QuotaRemaining *int
	QuotaTotal     *int
	QuotaResetAt   *time.Time
	SessionPayload string
	Proxy          *ProxyBinding
	Success        bool
	Error          string
	// FallbackApplied marks rows whose account/plan/quota fields were filled
	// from an earlier successful scan of the same profile.
	FallbackApplied bool
}

// ScanRun groups one scan round over a group's profiles.
type ScanRun struct {
	ID                   int64
	GroupTitle           string
	Total                int
	SuccessCount         int
	FailedCount          int
	FallbackAppliedCount int
	ScannedAt            time.Time
}

// ScanRunHistory is the number of runs retained per group; older runs and
// their results are purged together.
const ScanRunHistory = 10

// ScanStore persists scan runs and their per-profile results.
type ScanStore interface {
	CreateScanRun(ctx context.Context, run ScanRun) (int64, error)
	FinishScanRun(ctx context.Context, runID int64, success, failed, fallbackApplied int) error
	InsertScanResult(ctx context.Context, r ScanResult) error
	LatestScanRun(ctx context.Context, group string) (ScanRun, error)
	ScanResults(ctx context.Context, runID int64) ([]ScanResult, error)
	// LatestGoodResult returns the most recent successful result for the
	// profile from any run older than beforeRunID.
	LatestGoodResult(ctx context.Context, group string, profileID int64, beforeRunID int64) (ScanResult, error)
	PurgeScanRuns(ctx context.Context, group string, keep int) error
}
