// Package app wires every fabric component together behind the four
// FABRIC_MODE deployment shapes. It is the only place that constructs
// concrete stores, services, and handlers — everything else in the module
// depends on interfaces or plain structs passed in from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/obligate/fabric/internal/authn"
	"github.com/obligate/fabric/internal/config"
	"github.com/obligate/fabric/internal/httpserver"
	"github.com/obligate/fabric/internal/platform"
	"github.com/obligate/fabric/internal/telemetry"
	"github.com/obligate/fabric/pkg/emission"
	"github.com/obligate/fabric/pkg/ledger"
	"github.com/obligate/fabric/pkg/notify"
	"github.com/obligate/fabric/pkg/planner"
	"github.com/obligate/fabric/pkg/reaper"
	"github.com/obligate/fabric/pkg/task"
	"github.com/obligate/fabric/pkg/workerreg"
)

// Run reads config, connects to infrastructure, and starts the mode
// selected by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fabric", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "ledger":
		return runLedger(ctx, cfg, logger, db, rdb, metricsReg)
	case "coordinator":
		return runCoordinator(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db)
	case "monolith":
		return runMonolith(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// resolverChain builds the standard tenant-resolution chain: the internal
// service key first (cheapest check, and the only one the coordinator's own
// emission traffic can satisfy), then the production API-key resolver, then
// the dev-only header resolver.
func resolverChain(db *pgxpool.Pool, cfg *config.Config) authn.ChainResolver {
	return authn.ChainResolver{
		&authn.InternalKeyResolver{Pool: db, Key: cfg.InternalServiceKey},
		&authn.APIKeyResolver{Pool: db},
		&authn.HeaderResolver{Pool: db},
	}
}

func newLedgerComponents(db *pgxpool.Pool, cfg *config.Config) (*ledger.Service, *ledger.Handler) {
	store := ledger.NewStore(db)
	svc := ledger.NewService(store)
	handler := ledger.NewHandler(svc, ledger.BootstrapConfig{
		ReceiptSchemaVersion: "1.0",
		LedgerURL:            cfg.LedgerBaseURL,
		CoordinatorURL:       cfg.LedgerBaseURL,
		Capabilities:         []string{"receipts", "tasks", "planning"},
	})
	return svc, handler
}

func newEmissionClient(cfg *config.Config, logger *slog.Logger) *emission.Client {
	emitCfg := emission.Config{
		MaxAttempts:   cfg.EmissionMaxAttempts,
		BackoffBase:   cfg.EmissionBackoffBase,
		QueueCapacity: cfg.EmissionQueueCapacity,
		DrainInterval: cfg.EmissionDrainInterval,
		DrainBatch:    cfg.EmissionDrainBatch,
		MaxRetries:    cfg.EmissionMaxRetries,
		HTTPTimeout:   cfg.HTTPClientTimeout,
	}
	return emission.NewClient(cfg.LedgerBaseURL, logger, emitCfg,
		emission.WithMetrics(
			func(phase, outcome string) {
				telemetry.ReceiptsEmittedTotal.WithLabelValues(phase, outcome).Inc()
			},
			func(n int) {
				telemetry.EmissionQueueDepth.Set(float64(n))
			},
		),
	)
}

func newTaskComponents(db *pgxpool.Pool, cfg *config.Config, logger *slog.Logger, emit *emission.Client) *task.Service {
	store := task.NewStore(db)
	registry := workerreg.NewStore(db)

	svc := task.NewService(store, emit, registry, cfg.InternalServiceKey, logger)
	svc.WithMetrics(
		func(tenantID string) { telemetry.LeasesAcquiredTotal.WithLabelValues(tenantID).Inc() },
		func() { telemetry.LeasesContestedTotal.Inc() },
		func(class string) { telemetry.TasksEscalatedTotal.WithLabelValues(class).Inc() },
		func(outcome string) { telemetry.ReaperReclaimedTotal.WithLabelValues(outcome).Inc() },
	)

	if cfg.SlackBotToken != "" {
		svc.WithNotifier(notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger))
	}

	return svc
}

// taskCreatorShim adapts task.Service.Create (which returns a *CreateResult)
// to planner.TaskCreator's narrower (string, error) contract.
type taskCreatorShim struct {
	svc *task.Service
}

func (s taskCreatorShim) Create(ctx context.Context, tenantID string, spec planner.TaskSpec) (string, error) {
	result, err := s.svc.Create(ctx, tenantID, task.Spec{
		TaskType:          spec.TaskType,
		RecipientAI:       spec.RecipientAI,
		FromPrincipal:     spec.FromPrincipal,
		ForPrincipal:      spec.ForPrincipal,
		TaskSummary:       spec.TaskSummary,
		TaskBody:          spec.TaskBody,
		Inputs:            spec.Inputs,
		Priority:          spec.Priority,
		ParentTaskID:      spec.ParentTaskID,
		CausedByReceiptID: spec.CausedByReceiptID,
	})
	if err != nil {
		return "", err
	}
	return result.TaskID, nil
}

func runLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	_, ledgerHandler := newLedgerComponents(db, cfg)

	srv := httpserver.NewServer(logger, db, rdb, metricsReg, resolverChain(db, cfg))
	ledgerHandler.Routes(srv.APIRoot)

	return serve(ctx, cfg, logger, srv)
}

func runCoordinator(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	emit := newEmissionClient(cfg, logger)
	taskSvc := newTaskComponents(db, cfg, logger, emit)
	taskHandler := task.NewHandler(taskSvc)

	plannerAdapter := planner.NewAdapter(taskCreatorShim{svc: taskSvc}, logger)
	plannerHandler := planner.NewHandler(plannerAdapter)

	r := reaper.New(taskSvc, cfg.ReaperInterval, logger)

	srv := httpserver.NewServer(logger, db, rdb, metricsReg, resolverChain(db, cfg))
	taskHandler.Routes(srv.APIRoot)
	plannerHandler.Routes(srv.APIRoot)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { emit.RunDrainLoop(gctx); return nil })
	g.Go(func() error { r.Run(gctx); return nil })
	g.Go(func() error { return serve(gctx, cfg, logger, srv) })
	return g.Wait()
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	logger.Info("worker started")

	emit := newEmissionClient(cfg, logger)
	taskSvc := newTaskComponents(db, cfg, logger, emit)
	r := reaper.New(taskSvc, cfg.ReaperInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { emit.RunDrainLoop(gctx); return nil })
	g.Go(func() error { r.Run(gctx); return nil })
	return g.Wait()
}

func runMonolith(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	_, ledgerHandler := newLedgerComponents(db, cfg)

	emit := newEmissionClient(cfg, logger)
	taskSvc := newTaskComponents(db, cfg, logger, emit)
	taskHandler := task.NewHandler(taskSvc)

	plannerAdapter := planner.NewAdapter(taskCreatorShim{svc: taskSvc}, logger)
	plannerHandler := planner.NewHandler(plannerAdapter)

	r := reaper.New(taskSvc, cfg.ReaperInterval, logger)

	srv := httpserver.NewServer(logger, db, rdb, metricsReg, resolverChain(db, cfg))
	ledgerHandler.Routes(srv.APIRoot)
	taskHandler.Routes(srv.APIRoot)
	plannerHandler.Routes(srv.APIRoot)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { emit.RunDrainLoop(gctx); return nil })
	g.Go(func() error { r.Run(gctx); return nil })
	g.Go(func() error { return serve(gctx, cfg, logger, srv) })
	return g.Wait()
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, handler http.Handler) error {
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
