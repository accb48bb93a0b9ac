package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/brojonat/pullpay/service/db"
	"github.com/brojonat/pullpay/service/ledger"
	"github.com/brojonat/pullpay/service/metrics"
	natspkg "github.com/brojonat/pullpay/service/nats"
	"github.com/ethereum/go-ethereum/common"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Application error types surfaced by activities.
const (
	// ErrTypeTransferPending is retried by the workflow's retry policy.
	ErrTypeTransferPending = "TransferPending"

	// ErrTypeInvalidHash is not retryable.
	ErrTypeInvalidHash = "InvalidHash"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ReconcileTransferInput identifies a broadcast transfer whose outcome is unknown.
type ReconcileTransferInput struct {
	Hash      string `json:"hash"`
	Depositor string `json:"depositor"`
	RequestID string `json:"request_id,omitempty"`

	// MaxAttempts bounds receipt lookups. Zero uses the default.
	MaxAttempts int32 `json:"max_attempts,omitempty"`
}

// ReconcileTransferResult contains the outcome observed by reconciliation.
type ReconcileTransferResult struct {
	Hash        string  `json:"hash"`
	Status      string  `json:"status"`
	BlockNumber uint64  `json:"block_number,omitempty"`
	Error       *string `json:"error,omitempty"`
}

// CheckTransferReceiptInput contains parameters for the CheckTransferReceipt activity.
type CheckTransferReceiptInput struct {
	Hash string `json:"hash"`
}

// CheckTransferReceiptResult contains the mined outcome of a transaction.
type CheckTransferReceiptResult struct {
	Status      string `json:"status"` // db.StatusConfirmed or db.StatusReverted
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// RecordTransferStatusInput contains parameters for the RecordTransferStatus activity.
type RecordTransferStatusInput struct {
	Hash      string `json:"hash"`
	Status    string `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	UpdateTransferStatus(ctx context.Context, hash, status, errorKind string) (*db.Transfer, error)
}

// ReceiptChecker looks up transaction receipts. *ledger.Client satisfies it.
type ReceiptChecker interface {
	TransactionStatus(ctx context.Context, hash common.Hash) (*ledger.Receipt, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishTransferEvent(ctx context.Context, event *natspkg.TransferEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	store     StoreInterface
	receipts  ReceiptChecker
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// publisher and metrics may be nil.
func NewActivities(
	store StoreInterface,
	receipts ReceiptChecker,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		receipts:  receipts,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// CheckTransferReceipt looks up the receipt once. A transaction that is not
// mined yet fails with a retryable TransferPending error so the workflow's
// retry policy drives the polling.
func (a *Activities) CheckTransferReceipt(ctx context.Context, input CheckTransferReceiptInput) (*CheckTransferReceiptResult, error) {
	if !txHashPattern.MatchString(input.Hash) {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid transaction hash %q", input.Hash), ErrTypeInvalidHash, nil)
	}

	receipt, err := a.receipts.TransactionStatus(ctx, common.HexToHash(input.Hash))
	if err != nil {
		a.logger.WarnContext(ctx, "receipt lookup failed", "tx_hash", input.Hash, "error", err)
		return nil, fmt.Errorf("receipt lookup failed: %w", err)
	}

	switch receipt.Status {
	case ledger.ReceiptConfirmed:
		return &CheckTransferReceiptResult{Status: db.StatusConfirmed, BlockNumber: receipt.BlockNumber, GasUsed: receipt.GasUsed}, nil
	case ledger.ReceiptReverted:
		return &CheckTransferReceiptResult{Status: db.StatusReverted, BlockNumber: receipt.BlockNumber, GasUsed: receipt.GasUsed}, nil
	default:
		a.logger.DebugContext(ctx, "transfer still pending", "tx_hash", input.Hash)
		return nil, temporalsdk.NewApplicationError("transaction not yet mined", ErrTypeTransferPending)
	}
}

// RecordTransferStatus writes the reconciled status to the journal and
// publishes the resulting event. Publish failures are logged, not returned,
// so a NATS outage cannot roll back a journal update.
func (a *Activities) RecordTransferStatus(ctx context.Context, input RecordTransferStatusInput) error {
	transfer, err := a.store.UpdateTransferStatus(ctx, input.Hash, input.Status, input.ErrorKind)
	if err != nil {
		if db.IsNotFound(err) {
			return temporalsdk.NewNonRetryableApplicationError(
				fmt.Sprintf("transfer %s is not journaled", input.Hash), "TransferNotFound", err)
		}
		return fmt.Errorf("failed to record transfer status: %w", err)
	}

	if a.metrics != nil {
		a.metrics.RecordReconciliation(input.Status)
	}

	a.logger.InfoContext(ctx, "recorded reconciled transfer status",
		"tx_hash", input.Hash,
		"status", input.Status,
	)

	if a.publisher != nil {
		if err := a.publisher.PublishTransferEvent(ctx, natspkg.FromDBTransfer(transfer)); err != nil {
			a.logger.ErrorContext(ctx, "failed to publish transfer event",
				"tx_hash", input.Hash,
				"error", err,
			)
		}
	}

	return nil
}
