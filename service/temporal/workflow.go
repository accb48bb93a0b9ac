package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/pullpay/service/db"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// defaultReconcileAttempts with the retry policy below covers roughly
	// two hours of receipt polling.
	defaultReconcileAttempts = 30

	// contractRevertKind matches transfer.KindContractRevert.
	contractRevertKind = "contract_revert"
)

// ReconcileTransferWorkflow resolves a transfer whose confirmation wait timed
// out. It only observes the ledger: nothing is ever re-sent.
//
// The workflow performs these steps:
// 1. Poll for the receipt (CheckTransferReceipt, retried while pending)
// 2. Record the mined status in the journal and publish it (RecordTransferStatus)
//
// If the receipt never appears the journal row stays in the timeout state.
func ReconcileTransferWorkflow(ctx workflow.Context, input ReconcileTransferInput) (*ReconcileTransferResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileTransferWorkflow started", "tx_hash", input.Hash)

	result := &ReconcileTransferResult{
		Hash:   input.Hash,
		Status: db.StatusTimeout,
	}

	attempts := input.MaxAttempts
	if attempts <= 0 {
		attempts = defaultReconcileAttempts
	}

	checkCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     1.5,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{ErrTypeInvalidHash},
		},
	})

	var receipt *CheckTransferReceiptResult
	err := workflow.ExecuteActivity(checkCtx, a.CheckTransferReceipt, CheckTransferReceiptInput{Hash: input.Hash}).Get(ctx, &receipt)
	if err != nil {
		logger.Warn("transfer outcome still unknown", "tx_hash", input.Hash, "error", err)
		errMsg := fmt.Sprintf("receipt not observed: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("receipt not observed for %s: %w", input.Hash, err)
	}

	result.Status = receipt.Status
	result.BlockNumber = receipt.BlockNumber

	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})

	record := RecordTransferStatusInput{Hash: input.Hash, Status: receipt.Status}
	if receipt.Status == db.StatusReverted {
		record.ErrorKind = contractRevertKind
	}

	err = workflow.ExecuteActivity(recordCtx, a.RecordTransferStatus, record).Get(ctx, nil)
	if err != nil {
		logger.Error("failed to record reconciled status", "tx_hash", input.Hash, "error", err)
		errMsg := fmt.Sprintf("failed to record status: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to record status for %s: %w", input.Hash, err)
	}

	logger.Info("ReconcileTransferWorkflow completed",
		"tx_hash", input.Hash,
		"status", result.Status,
		"block", result.BlockNumber,
	)

	return result, nil
}
