// Package app wires configuration, infrastructure, and domain packages
// together into the two runnable processes: the HTTP API and the queue
// worker.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/stepflow/internal/catalog"
	"github.com/wisbric/stepflow/internal/config"
	"github.com/wisbric/stepflow/internal/healthcheck"
	"github.com/wisbric/stepflow/internal/httpserver"
	"github.com/wisbric/stepflow/internal/platform"
	"github.com/wisbric/stepflow/internal/telemetry"
	"github.com/wisbric/stepflow/pkg/event"
	"github.com/wisbric/stepflow/pkg/job"
	"github.com/wisbric/stepflow/pkg/limiter"
	"github.com/wisbric/stepflow/pkg/notify"
	"github.com/wisbric/stepflow/pkg/orchestrator"
	"github.com/wisbric/stepflow/pkg/priority"
	"github.com/wisbric/stepflow/pkg/queue"
	"github.com/wisbric/stepflow/pkg/reconcile"
	"github.com/wisbric/stepflow/pkg/servicecall"
)

const serviceName = "stepflow"

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, worker, or migrate).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting stepflow", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

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

	if cfg.Mode == "migrate" {
		return nil
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, cat, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, cat)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, cat *catalog.Catalog, metricsReg *prometheus.Registry) error {
	srv := httpserver.NewServer(httpserver.Config{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	connectTimeout := time.Duration(cfg.HTTPConnectTimeoutS * float64(time.Second))
	readTimeout := time.Duration(cfg.HTTPReadTimeoutS * float64(time.Second))

	jobStore := job.NewStore(db)
	priorityLookup := priority.New(cfg.PriorityAPIURL, connectTimeout, readTimeout, logger)
	q := queue.New(rdb)

	jobHandler := job.NewHandler(jobStore, cat, priorityLookup, q, logger)
	srv.APIRouter.Mount("/jobs", jobHandler.Routes())

	healthHandler := healthcheck.NewHandler(cat)
	srv.APIRouter.Mount("/health", healthHandler.Routes())

	eventHandler := event.NewHandler(rdb, logger)
	srv.Router.Mount("/ws", eventHandler.Routes())

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, cat *catalog.Catalog) error {
	logger.Info("worker started")

	jobStore := job.NewStore(db)
	lim := limiter.New(rdb)
	events := event.NewPublisher(rdb)
	calls := servicecall.New(
		time.Duration(cfg.HTTPConnectTimeoutS*float64(time.Second)),
		time.Duration(cfg.HTTPReadTimeoutS*float64(time.Second)),
		cfg.InternalAPIKey,
	)

	orch := orchestrator.New(jobStore, cat, lim, calls, events, logger)
	if cfg.SlackBotToken != "" {
		orch.SetSupportNotifier(notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger))
	}

	q := queue.New(rdb)
	pool := queue.NewPool(q, orch, jobStore, cat, logger, cfg.WorkersPerQueue)
	pool.SetRetryPolicy(time.Duration(cfg.InfraRetryBaseSeconds*float64(time.Second)), cfg.InfraMaxRetries)

	reaper := reconcile.NewLeaseReaper(lim, cat, logger, time.Duration(cfg.LeaseReapIntervalSeconds)*time.Second)
	go reaper.Run(ctx)

	stuckDetector := reconcile.NewStuckDetector(jobStore, events, logger,
		time.Duration(cfg.SanityCheckIntervalSeconds)*time.Second, time.Duration(cfg.JobStuckSeconds)*time.Second)
	go stuckDetector.Run(ctx)

	promoter := reconcile.NewPriorityPromoter(jobStore, q, events, logger,
		time.Duration(cfg.PromoteIntervalSeconds)*time.Second,
		time.Duration(cfg.PromoteLowToMediumAfterSecs)*time.Second,
		time.Duration(cfg.PromoteMediumToHighAfterSecs)*time.Second)
	go promoter.Run(ctx)

	return pool.Run(ctx)
}
