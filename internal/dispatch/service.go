package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// AccountSource supplies the per-profile account snapshot for a group. The
// scanner's registry implements it.
type AccountSource interface {
	GroupAccounts(ctx context.Context, group string) ([]ProfileState, error)
}

// Service loads a snapshot from the store and account registry and runs the
// engine over it.
type Service struct {
	engine   *Engine
	store    domain.JobStore
	accounts AccountSource
}

// NewService wires the dispatcher.
func NewService(engine *Engine, store domain.JobStore, accounts AccountSource) *Service {
	return &Service{engine: engine, store: store, accounts: accounts}
}

// failEventHorizon bounds how far back fail events are loaded. Penalties
// older than eight half-lives contribute under 0.4% of their weight.
func (s *Service) failEventHorizon(now time.Time) time.Time {
	horizon := 8 * s.engine.opts.DecayHalfLife
	if horizon < 24*time.Hour {
		horizon = 24 * time.Hour
	}
	return now.Add(-horizon)
}

func (s *Service) snapshot(ctx context.Context, group string) (Inputs, error) {
	tracer := otel.Tracer("dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.snapshot")
	defer span.End()

	now := time.Now().UTC()
	profiles, err := s.accounts.GroupAccounts(ctx, group)
	if err != nil {
		return Inputs{}, fmt.Errorf("op=dispatch.snapshot_accounts: %w", err)
	}
	active, err := s.store.CountActiveJobsByProfile(ctx, group)
	if err != nil {
		return Inputs{}, err
	}
	pending, err := s.store.CountPendingSubmitsByProfile(ctx, group)
	if err != nil {
		return Inputs{}, err
	}
	completed, err := s.store.CountCompletedJobsByProfile(ctx, group)
	if err != nil {
		return Inputs{}, err
	}
	fails, err := s.store.ListFailEventsByProfile(ctx, group, s.failEventHorizon(now))
	if err != nil {
		return Inputs{}, err
	}
	return Inputs{
		Profiles:       profiles,
		ActiveJobs:     active,
		PendingSubmits: pending,
		Completed:      completed,
		FailEvents:     fails,
		Now:            now,
	}, nil
}

// Weights returns the full ranking for a group.
func (s *Service) Weights(ctx context.Context, group string) ([]Weight, error) {
	in, err := s.snapshot(ctx, group)
	if err != nil {
		return nil, err
	}
	return s.engine.Rank(in), nil
}

// PickBest selects the profile for a new job, skipping the exclusion set.
func (s *Service) PickBest(ctx context.Context, group string, exclude map[int64]bool) (Weight, error) {
	in, err := s.snapshot(ctx, group)
	if err != nil {
		return Weight{}, err
	}
	return s.engine.PickBest(in, exclude)
}
