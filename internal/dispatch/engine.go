// Package dispatch picks the profile a new job runs on. Scoring is pure
// over a snapshot of store counters and scan results, so the engine has no
// dependencies and the surrounding service stays a thin data loader.
package dispatch

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// Options are the dispatcher knobs, loaded from configuration.
type Options struct {
	MinQuotaRemaining  int
	QuotaCap           int
	PlusBonus          float64
	ActiveJobPenalty   float64
	DecayHalfLife      time.Duration
	UnknownQuotaScore  float64
	DefaultQuality     float64
	QuantityWeight     float64
	QualityWeight      float64
	QuotaResetGrace    time.Duration
	IgnoreRules        []domain.IgnoreRule
	ErrorRules         []domain.ErrorRule
	DefaultRulePenalty float64
}

// ProfileState is one profile's account snapshot entering the scorer.
type ProfileState struct {
	ProfileID       int64
	WindowName      string
	Plan            domain.Plan
	QuotaRemaining  *int
	QuotaResetAt    *time.Time
	DispatchEnabled bool
}

// Inputs is the full snapshot one ranking runs over.
type Inputs struct {
	Profiles       []ProfileState
	ActiveJobs     map[int64]int
	PendingSubmits map[int64]int
	Completed      map[int64]int
	FailEvents     []domain.ProfileFailEvent
	Now            time.Time
}

// Weight is one profile's computed rank entry.
type Weight struct {
	ProfileID     int64
	WindowName    string
	Plan          domain.Plan
	Score         float64
	Quantity      float64
	Quality       float64
	ActiveJobs    int
	Selectable    bool
	BlockReason   string
	CooldownUntil *time.Time
}

// Engine scores and ranks profiles.
type Engine struct{ opts Options }

// New builds an engine with the given options.
func New(opts Options) *Engine {
	if opts.QuotaCap <= 0 {
		opts.QuotaCap = 30
	}
	if opts.DecayHalfLife <= 0 {
		opts.DecayHalfLife = 24 * time.Hour
	}
	return &Engine{opts: opts}
}

// Rank scores every profile in the snapshot, highest score first.
func (e *Engine) Rank(in Inputs) []Weight {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	out := make([]Weight, 0, len(in.Profiles))
	for _, p := range in.Profiles {
		out = append(out, e.score(p, in, now))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (e *Engine) score(p ProfileState, in Inputs, now time.Time) Weight {
	w := Weight{
		ProfileID:  p.ProfileID,
		WindowName: p.WindowName,
		Plan:       p.Plan,
		ActiveJobs: in.ActiveJobs[p.ProfileID],
	}
	w.Quantity = e.quantity(p, in.PendingSubmits[p.ProfileID])
	quality, cooldownUntil := e.quality(p.ProfileID, in, now)
	w.Quality = quality
	w.CooldownUntil = cooldownUntil

	w.Score = e.opts.QuantityWeight*w.Quantity + e.opts.QualityWeight*w.Quality
	if p.Plan == domain.PlanPlus {
		w.Score += e.opts.PlusBonus
	}
	w.Score -= float64(w.ActiveJobs) * e.opts.ActiveJobPenalty

	w.Selectable, w.BlockReason = e.selectable(p, cooldownUntil, now)
	return w
}

// quantity scores the usable quota headroom. Pending submits are subtracted
// so a profile is not over-assigned before upstream acknowledges.
func (e *Engine) quantity(p ProfileState, pendingSubmits int) float64 {
	if p.QuotaRemaining == nil {
		return e.opts.UnknownQuotaScore
	}
	eff := *p.QuotaRemaining - pendingSubmits
	if eff < 0 {
		eff = 0
	}
	if eff > e.opts.QuotaCap {
		eff = e.opts.QuotaCap
	}
	return 100 * float64(eff) / float64(e.opts.QuotaCap)
}

// quality scores recent reliability: completed jobs against non-ignored
// failures, minus decayed per-rule penalties. It also surfaces the furthest
// cooldown any blocking rule imposed.
func (e *Engine) quality(profileID int64, in Inputs, now time.Time) (float64, *time.Time) {
	success := in.Completed[profileID]
	fails := 0
	penalty := 0.0
	var cooldownUntil *time.Time

	halfLifeHours := e.opts.DecayHalfLife.Hours()
	for _, fe := range in.FailEvents {
		if fe.ProfileID != profileID {
			continue
		}
		if matchesIgnore(e.opts.IgnoreRules, fe) {
			continue
		}
		fails++
		rulePenalty, rule := e.matchErrorRule(fe)
		ageHours := now.Sub(fe.CreatedAt).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		penalty += rulePenalty * math.Pow(0.5, ageHours/halfLifeHours)
		if rule != nil && rule.CooldownMinutes > 0 && rule.BlockDuringCooldown {
			until := fe.CreatedAt.Add(time.Duration(rule.CooldownMinutes) * time.Minute)
			if until.After(now) && (cooldownUntil == nil || until.After(*cooldownUntil)) {
				cooldownUntil = &until
			}
		}
	}

	base := e.opts.DefaultQuality
	if success+fails > 0 {
		base = 100 * float64(success) / float64(success+fails)
	}
	q := base - penalty
	if q < 0 {
		q = 0
	}
	if q > 100 {
		q = 100
	}
	return q, cooldownUntil
}

func matchesIgnore(rules []domain.IgnoreRule, fe domain.ProfileFailEvent) bool {
	for _, r := range rules {
		if r.Matches(fe.Phase, fe.Message) {
			return true
		}
	}
	return false
}

// matchErrorRule returns the penalty of the first matching error rule, or
// the default penalty when none matches.
func (e *Engine) matchErrorRule(fe domain.ProfileFailEvent) (float64, *domain.ErrorRule) {
	for i := range e.opts.ErrorRules {
		if e.opts.ErrorRules[i].Matches(fe.Phase, fe.Message) {
			return e.opts.ErrorRules[i].Penalty, &e.opts.ErrorRules[i]
		}
	}
	return e.opts.DefaultRulePenalty, nil
}

func (e *Engine) selectable(p ProfileState, cooldownUntil *time.Time, now time.Time) (bool, string) {
	if !p.DispatchEnabled {
		return false, "dispatch disabled"
	}
	if p.QuotaRemaining != nil && *p.QuotaRemaining < e.opts.MinQuotaRemaining {
		resetFar := p.QuotaResetAt == nil || p.QuotaResetAt.Sub(now) > e.opts.QuotaResetGrace
		if resetFar {
			return false, fmt.Sprintf("quota %d below minimum %d", *p.QuotaRemaining, e.opts.MinQuotaRemaining)
		}
	}
	if cooldownUntil != nil && cooldownUntil.After(now) {
		return false, fmt.Sprintf("cooldown until %s", cooldownUntil.UTC().Format(time.RFC3339))
	}
	return true, ""
}

// PickBest returns the highest-scoring selectable profile outside the
// exclusion set. An empty selectable set fails with the no-candidate error
// carrying the top-5 rejection reasons.
func (e *Engine) PickBest(in Inputs, exclude map[int64]bool) (Weight, error) {
	ranked := e.Rank(in)
	for _, w := range ranked {
		if exclude[w.ProfileID] {
			continue
		}
		if w.Selectable {
			return w, nil
		}
	}
	return Weight{}, fmt.Errorf("op=dispatch.pick: %w: %s", domain.ErrNoCandidate, summarizeRejections(ranked, exclude))
}

// summarizeRejections renders the top-5 candidates with their scores and
// block rationales for the no-candidate error.
func summarizeRejections(ranked []Weight, exclude map[int64]bool) string {
	if len(ranked) == 0 {
		return "no profiles in group"
	}
	limit := 5
	if len(ranked) < limit {
		limit = len(ranked)
	}
	parts := make([]string, 0, limit)
	for _, w := range ranked[:limit] {
		reason := w.BlockReason
		switch {
		case exclude[w.ProfileID]:
			reason = "excluded by retry chain"
		case reason == "":
			reason = "selectable"
		}
		parts = append(parts, fmt.Sprintf("profile %d score=%.1f (%s)", w.ProfileID, w.Score, reason))
	}
	return strings.Join(parts, "; ")
}
