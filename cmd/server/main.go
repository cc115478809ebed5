// Command server starts the video job orchestration HTTP server and its
// embedded runner pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/broker"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/browser"
	httpserver "github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/tokens"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/upstream"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/adapter/watermark"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/dispatch"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/runner"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/scanner"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/stream"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult {
	return r.Client.Ping(ctx)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Infra: DB pool and schema
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	scanRepo := postgres.NewScanRepo(pool)

	// Scan history retention
	retention := postgres.NewRetentionService(pool, scanRepo, cfg.ScanHistoryRuns)
	go retention.RunPeriodic(ctx, cfg.ScanSweepEvery)

	// Queue (Redpanda producer side)
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	// Browser broker daemon and upstream API
	brk := broker.New(cfg)
	api := upstream.NewClient(cfg)
	wm := watermark.New(cfg)

	// Scanner doubles as the dispatcher's account source.
	scans := scanner.New(cfg, scanRepo, brk, api)

	ignoreRules, _ := cfg.IgnoreRules()
	errorRules, _ := cfg.ErrorRules()
	engine := dispatch.New(dispatch.Options{
		MinQuotaRemaining:  cfg.DispatchMinQuotaRemaining,
		QuotaCap:           cfg.DispatchQuotaCap,
		PlusBonus:          cfg.DispatchPlusBonus,
		ActiveJobPenalty:   cfg.DispatchActiveJobPenalty,
		DecayHalfLife:      cfg.DispatchDecayHalfLife,
		UnknownQuotaScore:  cfg.DispatchUnknownQuotaScore,
		DefaultQuality:     cfg.DispatchDefaultQuality,
		QuantityWeight:     cfg.DispatchQuantityWeight,
		QualityWeight:      cfg.DispatchQualityWeight,
		QuotaResetGrace:    cfg.DispatchQuotaResetGrace,
		IgnoreRules:        ignoreRules,
		ErrorRules:         errorRules,
		DefaultRulePenalty: cfg.DispatchDefaultRulePenalty,
	})
	dispatchSvc := dispatch.NewService(engine, jobRepo, scans)

	// Runner pool, fed by the Redpanda consumer.
	dial := func(ctx context.Context, wsURL string) (runner.Session, error) {
		return browser.Dial(ctx, wsURL)
	}
	runnerPool := runner.New(runner.OptionsFromConfig(cfg), jobRepo, brk, dial, api, wm, producer, dispatchSvc)

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "video-runners", runnerPool.Handle)
	if err != nil {
		slog.Error("redpanda consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("consumer stopped", slog.Any("error", err))
		}
	}()

	// Recover jobs dropped between enqueue and delivery.
	sweeper := app.NewStuckJobSweeper(jobRepo, producer, cfg.ProgressTimeout+cfg.GenIDTimeout, time.Minute)
	go sweeper.Run(ctx)

	// Stream tokens live in Redis so stream auth survives restarts.
	tokenStore := tokens.NewStore(cfg.RedisAddr, cfg.StreamTokenTTL)
	defer func() { _ = tokenStore.Close() }()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	// Usecases and HTTP surface
	jobsSvc := usecase.NewJobService(jobRepo, producer, dispatchSvc, runnerPool, cfg.DefaultGroupTitle)
	accountsSvc := usecase.NewAccountService(brk, scans, cfg.DefaultGroupTitle)
	streamSvc := stream.New(cfg, jobRepo)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb})

	srv := &httpserver.Server{
		Cfg:        cfg,
		Jobs:       jobsSvc,
		Accounts:   accountsSvc,
		Stream:     streamSvc,
		Tokens:     tokenStore,
		Watermark:  wm,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		BrokerCheck: func(ctx context.Context) error {
			_, err := brk.ListGroups(ctx)
			return err
		},
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// WriteTimeout stays off; the SSE stream holds its response open
		// indefinitely. Per-route timeouts cover the JSON endpoints.
		WriteTimeout:      0,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	stop()

	closeOpenWindows(shutdownCtx, brk)
}

// closeOpenWindows closes every browser window the broker still reports open
// so a restart begins from a clean slate.
func closeOpenWindows(ctx context.Context, brk domain.Broker) {
	opened, err := brk.OpenedProfiles(ctx)
	if err != nil {
		slog.Warn("could not list open windows on shutdown", slog.Any("error", err))
		return
	}
	if len(opened) == 0 {
		return
	}
	ids := make([]int64, 0, len(opened))
	for _, op := range opened {
		ids = append(ids, op.ProfileID)
	}
	if err := brk.CloseInBatches(ctx, ids); err != nil {
		slog.Warn("could not close windows on shutdown", slog.Any("error", err))
		return
	}
	slog.Info("closed browser windows", slog.Int("count", len(ids)))
}
