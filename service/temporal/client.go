package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Reconciler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartReconcile starts ReconcileTransferWorkflow keyed by the transaction
// hash. If a run for the hash is already open, Temporal returns that run and
// no second workflow is started.
func (c *Client) StartReconcile(ctx context.Context, input ReconcileTransferInput) error {
	id := workflowID(input.Hash)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"tx_hash":    input.Hash,
			"created_by": "pullpay",
		},
	}, ReconcileTransferWorkflow, input)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start reconciliation",
			"tx_hash", input.Hash,
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "reconciliation started",
		"tx_hash", input.Hash,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
