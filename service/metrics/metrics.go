package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ledger RPC Metrics
	ledgerRPCCallsTotal    *prometheus.CounterVec
	ledgerRPCCallDuration  *prometheus.HistogramVec
	ledgerRPCThrottleWait  *prometheus.HistogramVec
	ledgerPrecisionLookups *prometheus.CounterVec

	// Transfer Metrics
	transfersTotal           *prometheus.CounterVec
	transferDuration         *prometheus.HistogramVec
	confirmationWaitDuration *prometheus.HistogramVec

	// Reconciliation Metrics
	reconciliationsTotal *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Ledger RPC Metrics
		ledgerRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_calls_total",
				Help: "Total number of ledger RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		ledgerRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_call_duration_seconds",
				Help:    "Duration of ledger RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		ledgerRPCThrottleWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_throttle_wait_seconds",
				Help:    "Time spent waiting on the outbound RPC rate limiter",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"endpoint"},
		),
		ledgerPrecisionLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_precision_lookups_total",
				Help: "Token precision lookups by source (cache or rpc)",
			},
			[]string{"source"},
		),

		// Transfer Metrics
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_total",
				Help: "Total number of delegated transfer requests by outcome",
			},
			[]string{"outcome"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_duration_seconds",
				Help:    "End-to-end duration of delegated transfer requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		confirmationWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_confirmation_wait_seconds",
				Help:    "Time between broadcast and observed inclusion in seconds",
				Buckets: []float64{1, 3, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		// Reconciliation Metrics
		reconciliationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_reconciliations_total",
				Help: "Total number of reconciled transfers by final status",
			},
			[]string{"status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 60},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Ledger RPC metric helpers

// RecordRPCCall records a ledger RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.ledgerRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.ledgerRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCThrottle records time spent blocked on the rate limiter.
func (m *Metrics) RecordRPCThrottle(endpoint string, wait float64) {
	m.ledgerRPCThrottleWait.WithLabelValues(endpoint).Observe(wait)
}

// RecordPrecisionLookup records whether token precision came from cache or the node.
func (m *Metrics) RecordPrecisionLookup(source string) {
	m.ledgerPrecisionLookups.WithLabelValues(source).Inc()
}

// Transfer metric helpers

// RecordTransfer records the outcome and duration of a transfer request.
func (m *Metrics) RecordTransfer(outcome string, duration float64) {
	m.transfersTotal.WithLabelValues(outcome).Inc()
	m.transferDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordConfirmationWait records how long a confirmation wait took.
func (m *Metrics) RecordConfirmationWait(status string, duration float64) {
	m.confirmationWaitDuration.WithLabelValues(status).Observe(duration)
}

// RecordReconciliation records the final status a reconciliation observed.
func (m *Metrics) RecordReconciliation(status string) {
	m.reconciliationsTotal.WithLabelValues(status).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
