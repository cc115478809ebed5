// Package scanner probes the accounts behind a group's browser profiles:
// session validity, account email, plan tier and remaining generation quota.
// Results are persisted as scan runs and feed the dispatch ranking.
//
// A probe tries the cheap path first: a service-side API call with the
// profile's cached session token routed through its bound proxy. When that
// path hits a Cloudflare challenge or an expired token, the scanner falls
// back to driving the real browser window through the broker to mint a fresh
// token, then retries service-side.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/browser"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/upstream"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// AccountAPI is the slice of the upstream client the scanner needs.
type AccountAPI interface {
	Me(ctx context.Context, profileID int64, token string) (string, error)
	Plan(ctx context.Context, profileID int64, token string) (domain.Plan, error)
	Quota(ctx context.Context, profileID int64, token string) (upstream.QuotaInfo, error)
}

// PageSession is a live browser page the scanner can pull a token from.
type PageSession interface {
	AccessToken(ctx context.Context) (string, error)
	Close() error
}

// Progress is one observation of an in-flight scan.
type Progress struct {
	Total          int    `json:"total"`
	Processed      int    `json:"processed"`
	Success        int    `json:"success"`
	Failed         int    `json:"failed"`
	CurrentProfile string `json:"current_profile"`
}

// Service runs account scans and serves their results.
type Service struct {
	store  domain.ScanStore
	broker domain.Broker
	api    func(proxyURL string) AccountAPI
	dial   func(ctx context.Context, wsURL string) (PageSession, error)

	headless     bool
	concurrency  int
	history      int
	withFallback bool
	disabled     map[int64]bool

	tokenMu sync.Mutex
	tokens  map[int64]string

	refreshMu sync.Mutex
	refreshes map[string]*RefreshHandle
	active    map[string]*RefreshHandle
}

// New builds a scan service on the production adapters.
func New(cfg config.Config, store domain.ScanStore, brk domain.Broker, api *upstream.Client) *Service {
	s := newService(cfg, store, brk, func(proxyURL string) AccountAPI { return api.WithProxy(proxyURL) })
	s.dial = func(ctx context.Context, wsURL string) (PageSession, error) { return browser.Dial(ctx, wsURL) }
	return s
}

func newService(cfg config.Config, store domain.ScanStore, brk domain.Broker, api func(string) AccountAPI) *Service {
	disabled := make(map[int64]bool, len(cfg.DispatchDisabledProfiles))
	for _, id := range cfg.DispatchDisabledProfiles {
		disabled[id] = true
	}
	concurrency := cfg.ScanConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	history := cfg.ScanHistoryRuns
	if history <= 0 {
		history = domain.ScanRunHistory
	}
	return &Service{
		store:        store,
		broker:       brk,
		api:          api,
		headless:     cfg.BrokerHeadless,
		concurrency:  concurrency,
		history:      history,
		withFallback: cfg.ScanWithFallback,
		disabled:     disabled,
		tokens:       map[int64]string{},
		refreshes:    map[string]*RefreshHandle{},
		active:       map[string]*RefreshHandle{},
	}
}

// Token returns the cached session token for a profile, or "".
func (s *Service) Token(profileID int64) string {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	return s.tokens[profileID]
}

// SetToken shares a session token obtained elsewhere, letting later scans
// skip the browser round trip.
func (s *Service) SetToken(profileID int64, token string) {
	if token == "" {
		return
	}
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	s.tokens[profileID] = token
}

func (s *Service) dropToken(profileID int64) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	delete(s.tokens, profileID)
}

// ScanGroup scans every profile of the group, or only profileIDs when given.
// Individual profile failures are recorded as unsuccessful rows; the run
// itself only fails on storage or broker errors.
func (s *Service) ScanGroup(ctx context.Context, group string, profileIDs []int64, withFallback bool) (domain.ScanRun, error) {
	return s.scanGroup(ctx, group, profileIDs, withFallback, nil)
}

func (s *Service) scanGroup(ctx context.Context, group string, profileIDs []int64, withFallback bool, onProgress func(Progress)) (domain.ScanRun, error) {
	ctx, span := otel.Tracer("repo.scanner").Start(ctx, "scanner.scan_group")
	defer span.End()
	span.SetAttributes(attribute.String("group", group))

	profiles, err := s.broker.ListGroupProfiles(ctx, group)
	if err != nil {
		return domain.ScanRun{}, fmt.Errorf("op=scanner.list_profiles: %w", err)
	}
	if len(profileIDs) > 0 {
		wanted := make(map[int64]bool, len(profileIDs))
		for _, id := range profileIDs {
			wanted[id] = true
		}
		kept := profiles[:0]
		for _, p := range profiles {
			if wanted[p.ID] {
				kept = append(kept, p)
			}
		}
		profiles = kept
	}

	run := domain.ScanRun{GroupTitle: group, Total: len(profiles), ScannedAt: time.Now().UTC()}
	runID, err := s.store.CreateScanRun(ctx, run)
	if err != nil {
		return domain.ScanRun{}, fmt.Errorf("op=scanner.create_run: %w", err)
	}
	run.ID = runID
	observability.ScanRunsTotal.WithLabelValues(group).Inc()

	var (
		mu       sync.Mutex
		progress = Progress{Total: len(profiles)}
	)
	report := func(mutate func(*Progress)) {
		mu.Lock()
		mutate(&progress)
		snapshot := progress
		mu.Unlock()
		if onProgress != nil {
			onProgress(snapshot)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, p := range profiles {
		p := p
		g.Go(func() error {
			report(func(pr *Progress) { pr.CurrentProfile = p.WindowName })
			res := s.scanProfile(gctx, group, p)
			res.RunID = runID
			if !res.Success && withFallback {
				s.applyFallback(gctx, group, runID, &res)
			}
			if err := s.store.InsertScanResult(gctx, res); err != nil {
				slog.Error("scan result insert failed", "profile_id", p.ID, "error", err)
			}
			report(func(pr *Progress) {
				pr.Processed++
				if res.Success {
					pr.Success++
				} else {
					pr.Failed++
				}
			})
			if res.FallbackApplied {
				mu.Lock()
				run.FallbackAppliedCount++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	run.SuccessCount = progress.Success
	run.FailedCount = progress.Failed
	mu.Unlock()
	if err := s.store.FinishScanRun(ctx, runID, run.SuccessCount, run.FailedCount, run.FallbackAppliedCount); err != nil {
		return run, fmt.Errorf("op=scanner.finish_run: %w", err)
	}
	if err := s.store.PurgeScanRuns(ctx, group, s.history); err != nil {
		slog.Warn("scan run purge failed", "group", group, "error", err)
	}
	return run, nil
}

// applyFallback fills account fields from the newest successful prior scan of
// the same profile, keeping the row's own error and status intact.
func (s *Service) applyFallback(ctx context.Context, group string, runID int64, res *domain.ScanResult) {
	prior, err := s.store.LatestGoodResult(ctx, group, res.ProfileID, runID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("scan fallback lookup failed", "profile_id", res.ProfileID, "error", err)
		}
		return
	}
	res.AccountEmail = prior.AccountEmail
	res.Plan = prior.Plan
	res.QuotaRemaining = prior.QuotaRemaining
	res.QuotaTotal = prior.QuotaTotal
	res.QuotaResetAt = prior.QuotaResetAt
	res.FallbackApplied = true
}

func (s *Service) scanProfile(ctx context.Context, group string, p domain.Profile) domain.ScanResult {
	res := domain.ScanResult{
		ProfileID:     p.ID,
		ScannedAt:     time.Now().UTC(),
		SessionStatus: domain.SessionUnknown,
		Proxy:         p.Proxy,
	}
	var proxyURL string
	if p.Proxy != nil {
		proxyURL = p.Proxy.URL()
	}
	api := s.api(proxyURL)

	token := s.Token(p.ID)
	viaBrowser := false
	if token == "" {
		fresh, err := s.browserToken(ctx, p.ID)
		if err != nil {
			res.Error = err.Error()
			res.SessionStatus = statusFor(err)
			return res
		}
		token = fresh
		viaBrowser = true
	}

	err := s.probe(ctx, api, p.ID, token, &res)
	if err != nil && !viaBrowser && (errors.Is(err, domain.ErrCFChallenge) || errors.Is(err, domain.ErrTokenAuth)) {
		s.dropToken(p.ID)
		slog.Info("scan falling back to browser session", "group", group, "profile_id", p.ID, "reason", err)
		fresh, berr := s.browserToken(ctx, p.ID)
		if berr != nil {
			err = berr
		} else {
			token = fresh
			err = s.probe(ctx, api, p.ID, token, &res)
		}
	}
	if err != nil {
		res.Error = err.Error()
		res.SessionStatus = statusFor(err)
		return res
	}
	s.SetToken(p.ID, token)
	res.Success = true
	res.SessionStatus = domain.SessionActive
	res.SessionPayload = token
	return res
}

// probe fills account fields via the service-side API. Email and quota are
// mandatory; the plan lookup already degrades to the token claim inside the
// client, so a residual plan error leaves the field empty.
func (s *Service) probe(ctx context.Context, api AccountAPI, profileID int64, token string, res *domain.ScanResult) error {
	email, err := api.Me(ctx, profileID, token)
	if err != nil {
		return err
	}
	res.AccountEmail = email
	if plan, err := api.Plan(ctx, profileID, token); err == nil {
		res.Plan = plan
	}
	quota, err := api.Quota(ctx, profileID, token)
	if err != nil {
		return err
	}
	res.QuotaRemaining = &quota.Remaining
	res.QuotaTotal = &quota.Total
	res.QuotaResetAt = quota.ResetAt
	return nil
}

// browserToken opens the profile window via the broker and reads the session
// token from the page. The window is left open for reuse by later work.
func (s *Service) browserToken(ctx context.Context, profileID int64) (string, error) {
	opened, err := s.broker.OpenProfile(ctx, profileID, s.headless)
	if err != nil {
		return "", fmt.Errorf("op=scanner.open_profile: %w", err)
	}
	sess, err := s.dial(ctx, opened.WSURL)
	if err != nil {
		return "", fmt.Errorf("op=scanner.dial: %w", err)
	}
	defer func() { _ = sess.Close() }()
	token, err := sess.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("op=scanner.access_token: %w", err)
	}
	s.SetToken(profileID, token)
	return token, nil
}

func statusFor(err error) domain.SessionStatus {
	switch {
	case errors.Is(err, domain.ErrCFChallenge):
		return domain.SessionChallenge
	case errors.Is(err, domain.ErrTokenAuth):
		return domain.SessionExpired
	default:
		return domain.SessionUnknown
	}
}
