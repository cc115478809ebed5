package scanner

import (
	"context"
	"errors"
	"fmt"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// GetLatest returns the newest scan run for the group with its results.
// With fallback enabled, unsuccessful rows are filled in memory from the
// profile's most recent good result; the stored rows stay untouched.
func (s *Service) GetLatest(ctx context.Context, group string, withFallback bool) (domain.ScanRun, []domain.ScanResult, error) {
	run, err := s.store.LatestScanRun(ctx, group)
	if err != nil {
		return domain.ScanRun{}, nil, fmt.Errorf("op=scanner.latest_run: %w", err)
	}
	results, err := s.store.ScanResults(ctx, run.ID)
	if err != nil {
		return domain.ScanRun{}, nil, fmt.Errorf("op=scanner.results: %w", err)
	}
	if withFallback {
		for i := range results {
			if results[i].Success || results[i].FallbackApplied {
				continue
			}
			s.applyFallback(ctx, group, run.ID, &results[i])
		}
	}
	return run, results, nil
}

// GroupAccounts exposes the latest scan as dispatcher inputs. Profiles the
// broker knows but the scan missed still appear, with unknown quota. Before
// the first scan of a group every profile reports unknown quota.
func (s *Service) GroupAccounts(ctx context.Context, group string) ([]dispatch.ProfileState, error) {
	profiles, err := s.broker.ListGroupProfiles(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("op=scanner.group_accounts: %w", err)
	}

	byProfile := map[int64]domain.ScanResult{}
	_, results, err := s.GetLatest(ctx, group, true)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	for _, r := range results {
		byProfile[r.ProfileID] = r
	}

	states := make([]dispatch.ProfileState, 0, len(profiles))
	for _, p := range profiles {
		state := dispatch.ProfileState{
			ProfileID:       p.ID,
			WindowName:      p.WindowName,
			DispatchEnabled: !s.disabled[p.ID],
		}
		if r, ok := byProfile[p.ID]; ok && (r.Success || r.FallbackApplied) {
			state.Plan = r.Plan
			state.QuotaRemaining = r.QuotaRemaining
			state.QuotaResetAt = r.QuotaResetAt
		}
		states = append(states, state)
	}
	return states, nil
}

var _ dispatch.AccountSource = (*Service)(nil)
