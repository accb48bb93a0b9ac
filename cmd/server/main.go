package main

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/pullpay/service/config"
	"github.com/brojonat/pullpay/service/db"
	"github.com/brojonat/pullpay/service/journal"
	"github.com/brojonat/pullpay/service/ledger"
	"github.com/brojonat/pullpay/service/metrics"
	natspkg "github.com/brojonat/pullpay/service/nats"
	"github.com/brojonat/pullpay/service/server"
	"github.com/brojonat/pullpay/service/temporal"
	"github.com/brojonat/pullpay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if the operator key or token address is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server", "config", cfg)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize ledger client
	signer, err := ledger.NewSigner(cfg.OperatorPrivateKey)
	if err != nil {
		// The error never contains key material
		logger.Error("failed to load operator key", "error", err)
		os.Exit(1)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	rpcClient, err := ledger.DialRPC(dialCtx, cfg.LedgerRPCURL)
	dialCancel()
	if err != nil {
		logger.Error("failed to connect to ledger node", "endpoint", cfg.RPCEndpointLabel(), "error", err)
		os.Exit(1)
	}

	opts := ledger.Options{
		Endpoint:            cfg.RPCEndpointLabel(),
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		PollInterval:        cfg.ConfirmationPollInterval,
		GasBufferPercent:    cfg.GasBufferPercent,
		CallTimeout:         cfg.LedgerCallTimeout,
	}
	if cfg.ChainID > 0 {
		opts.ChainID = big.NewInt(cfg.ChainID)
	}
	if cfg.RPCRateLimitRPS > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.RPCRateLimitRPS), cfg.RPCRateLimitBurst)
	}

	ledgerClient := ledger.NewClient(rpcClient, signer, opts, metricsCollector, logger)
	defer ledgerClient.Close()
	logger.Info("initialized ledger client",
		"endpoint", cfg.RPCEndpointLabel(),
		"operator", signer.Address().Hex(),
	)

	// Optional integrations: journal, events and reconciliation
	var (
		recorderOpts []journal.Option
		store        *db.Store
		eventStream  *server.EventStream
	)

	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		store = db.NewStore(dbPool, metricsCollector)
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		recorderOpts = append(recorderOpts, journal.WithStore(store))
		logger.Info("connected to database, transfer journal enabled")
	}

	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		recorderOpts = append(recorderOpts, journal.WithPublisher(natsPublisher))

		eventStream, err = server.NewEventStream(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create SSE event stream", "error", err)
			os.Exit(1)
		}
		defer eventStream.Close()
		logger.Info("connected to NATS, transfer events enabled")
	}

	if cfg.TemporalHost != "" && store != nil {
		temporalClient, err := temporal.NewClient(
			cfg.TemporalHost,
			cfg.TemporalNamespace,
			cfg.TemporalTaskQueue,
			logger,
		)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		recorderOpts = append(recorderOpts, journal.WithReconciler(temporalClient))
		logger.Info("connected to temporal, reconciliation enabled")
	}

	// Initialize transfer executor
	execOpts := []transfer.Option{transfer.WithMetrics(metricsCollector)}
	if recorder := journal.NewRecorder(logger, recorderOpts...); recorder.Enabled() {
		execOpts = append(execOpts, transfer.WithObserver(recorder))
	}
	executor := transfer.NewExecutor(ledgerClient, common.HexToAddress(cfg.TokenAddress), logger, execOpts...)

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, executor, ledgerClient, metricsCollector, logger).
		WithConfirmationTimeout(cfg.ConfirmationTimeout)
	if store != nil {
		httpServer.WithStore(store)
	}
	if eventStream != nil {
		httpServer.WithEventStream(eventStream)
	}

	logger.Info("server initialized, all dependencies ready",
		"token", executor.Token().Hex(),
		"journal", store != nil,
		"events", cfg.NATSURL != "",
		"reconciliation", cfg.TemporalHost != "",
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// In-flight transfers may be waiting on a receipt
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ConfirmationTimeout+30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
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
