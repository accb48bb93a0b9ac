package temporal

import (
	"context"
	"strings"
)

// Reconciler starts background reconciliation for transfers whose
// confirmation was not observed in time.
type Reconciler interface {
	// StartReconcile starts a ReconcileTransferWorkflow for the transfer.
	// Starting twice for the same hash is a no-op.
	StartReconcile(ctx context.Context, input ReconcileTransferInput) error
}

// workflowID returns the Temporal workflow ID for a transfer hash.
func workflowID(hash string) string {
	return "reconcile-transfer-" + strings.ToLower(hash)
}
