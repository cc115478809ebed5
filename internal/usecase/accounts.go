package usecase

import (
	"context"
	"errors"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/scanner"
)

// Scans is the slice of the scanner the account endpoints use.
type Scans interface {
	GetLatest(ctx context.Context, group string, withFallback bool) (domain.ScanRun, []domain.ScanResult, error)
	SilentRefresh(group string) *scanner.RefreshHandle
	Refresh(id string) (*scanner.RefreshHandle, bool)
}

// AccountService serves account listings and background refreshes.
type AccountService struct {
	Broker       domain.Broker
	Scans        Scans
	DefaultGroup string
}

// NewAccountService constructs an AccountService.
func NewAccountService(brk domain.Broker, scans Scans, defaultGroup string) AccountService {
	return AccountService{Broker: brk, Scans: scans, DefaultGroup: defaultGroup}
}

// AccountListing pairs the latest scan run with its per-profile results.
type AccountListing struct {
	Run     domain.ScanRun      `json:"run"`
	Results []domain.ScanResult `json:"results"`
}

// Groups lists the operator's profile groups from the broker.
func (s AccountService) Groups(ctx context.Context) ([]domain.Group, error) {
	return s.Broker.ListGroups(ctx)
}

// List returns the latest scan of a group with fallback fill. A group that
// has never been scanned yields an empty listing, not an error.
func (s AccountService) List(ctx context.Context, group string, withFallback bool) (AccountListing, error) {
	if group == "" {
		group = s.DefaultGroup
	}
	run, results, err := s.Scans.GetLatest(ctx, group, withFallback)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return AccountListing{Run: domain.ScanRun{GroupTitle: group}}, nil
		}
		return AccountListing{}, err
	}
	return AccountListing{Run: run, Results: results}, nil
}

// StartRefresh kicks off (or joins) a background scan of the group and
// returns its status snapshot.
func (s AccountService) StartRefresh(group string) scanner.RefreshStatus {
	if group == "" {
		group = s.DefaultGroup
	}
	return s.Scans.SilentRefresh(group).Status()
}

// RefreshStatus reports the state of a previously started refresh.
func (s AccountService) RefreshStatus(id string) (scanner.RefreshStatus, error) {
	h, ok := s.Scans.Refresh(id)
	if !ok {
		return scanner.RefreshStatus{}, domain.ErrNotFound
	}
	return h.Status(), nil
}
