package server

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/brojonat/pullpay/service/db"
	"github.com/brojonat/pullpay/service/metrics"
	"github.com/brojonat/pullpay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Executor runs delegated transfers. Implemented by *transfer.Executor.
type Executor interface {
	Execute(ctx context.Context, req transfer.Request) (*transfer.Result, error)
	Token() common.Address
}

// LedgerReader serves the read-only endpoints. Implemented by *ledger.Client.
type LedgerReader interface {
	SignerAddress() common.Address
	GetPrecision(ctx context.Context, token common.Address) (uint8, error)
	GetAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	GetBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// TransferStore serves the journal endpoints. Implemented by *db.Store.
type TransferStore interface {
	GetTransferByHash(ctx context.Context, hash string) (*db.Transfer, error)
	ListTransfers(ctx context.Context, params db.ListTransfersParams) ([]*db.Transfer, error)
}

// Server represents the HTTP API for delegated transfers.
type Server struct {
	addr         string
	executor     Executor
	ledger       LedgerReader
	store        TransferStore
	stream       *EventStream
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, executor Executor, reader LedgerReader, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		executor:     executor,
		ledger:       reader,
		writeTimeout: 15 * time.Second,
		metrics:      m,
		logger:       logger,
	}
}

// WithStore enables the transfer journal endpoints.
func (s *Server) WithStore(store TransferStore) *Server {
	s.store = store
	return s
}

// WithConfirmationTimeout sizes the write timeout so a transfer request can
// wait for its receipt before the connection is cut.
func (s *Server) WithConfirmationTimeout(d time.Duration) *Server {
	s.writeTimeout = d + 30*time.Second
	return s
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	transferHandler := handleTransfer(s.executor, s.logger)
	route("POST /api/transfer", "/api/transfer", transferHandler)
	route("POST /api/v1/transfers", "/api/v1/transfers", transferHandler)
	route("GET /api/v1/allowance", "/api/v1/allowance", handleAllowance(s.ledger, s.executor.Token(), s.logger))
	route("GET /api/v1/info", "/api/v1/info", handleInfo(s.ledger, s.executor.Token()))

	// Journal routes (if a store is configured)
	if s.store != nil {
		route("GET /api/v1/transfers/{hash}", "/api/v1/transfers/{hash}", handleGetTransfer(s.store, s.logger))
		route("GET /api/v1/transfers", "/api/v1/transfers", handleListTransfers(s.store, s.logger))
		s.logger.Info("transfer journal endpoints enabled")
	} else {
		s.logger.Warn("transfer store not configured, journal endpoints disabled")
	}

	// SSE streaming endpoints (if an event stream is configured)
	if s.stream != nil {
		mux.Handle("GET /api/v1/stream/transfers/{depositor}", handleStreamTransfers(s.stream, s.logger))
		mux.Handle("GET /api/v1/stream/transfers", handleStreamTransfers(s.stream, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// corsMiddleware adds CORS headers so the browser form can call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
