package main

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/pullpay/service/config"
	"github.com/brojonat/pullpay/service/db"
	"github.com/brojonat/pullpay/service/ledger"
	"github.com/brojonat/pullpay/service/metrics"
	natspkg "github.com/brojonat/pullpay/service/nats"
	"github.com/brojonat/pullpay/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

func main() {
	// The worker only observes receipts, so it never needs the operator key
	cfg, err := config.LoadWorker()
	if err != nil {
		panic(err)
	}

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	logger.Info("Prometheus metrics collector initialized")

	// Initialize database store
	store := db.NewStore(dbPool, metricsCollector)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Start metrics HTTP server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	// Initialize a read-only ledger client for receipt lookups
	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	rpcClient, err := ledger.DialRPC(dialCtx, cfg.LedgerRPCURL)
	dialCancel()
	if err != nil {
		logger.Error("failed to connect to ledger node", "endpoint", cfg.RPCEndpointLabel(), "error", err)
		os.Exit(1)
	}

	opts := ledger.Options{Endpoint: cfg.RPCEndpointLabel(), CallTimeout: cfg.LedgerCallTimeout}
	if cfg.ChainID > 0 {
		opts.ChainID = big.NewInt(cfg.ChainID)
	}
	if cfg.RPCRateLimitRPS > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.RPCRateLimitRPS), cfg.RPCRateLimitBurst)
	}
	ledgerClient := ledger.NewClient(rpcClient, nil, opts, metricsCollector, logger)
	defer ledgerClient.Close()
	logger.Info("initialized read-only ledger client", "endpoint", cfg.RPCEndpointLabel())

	// Initialize Temporal worker
	workerConfig := temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Store:             store,
		Receipts:          ledgerClient,
		Metrics:           metricsCollector,
		Logger:            logger,
	}

	// Initialize NATS publisher (optional)
	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		workerConfig.Publisher = natsPublisher
		logger.Info("connected to NATS")
	}

	worker, err := temporal.NewWorker(workerConfig)
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"temporal_host", cfg.TemporalHost,
		"temporal_namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting temporal worker")
		workerErrors <- worker.Start()
	}()

	// Wait for shutdown signal or worker error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Stop worker gracefully
		logger.Info("stopping temporal worker")
		worker.Stop()
		logger.Info("temporal worker stopped")

		logger.Info("shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
