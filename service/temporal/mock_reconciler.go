package temporal

import (
	"context"
	"sync"
)

// MockReconciler is a mock implementation of Reconciler for testing.
type MockReconciler struct {
	mu       sync.Mutex
	started  map[string]ReconcileTransferInput // map[workflowID]input
	startErr error
}

// NewMockReconciler creates a new MockReconciler.
func NewMockReconciler() *MockReconciler {
	return &MockReconciler{
		started: make(map[string]ReconcileTransferInput),
	}
}

// StartReconcile records that a reconciliation was started.
func (m *MockReconciler) StartReconcile(ctx context.Context, input ReconcileTransferInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return m.startErr
	}
	m.started[workflowID(input.Hash)] = input
	return nil
}

// SetStartError configures the mock to fail StartReconcile.
func (m *MockReconciler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Started reports whether a reconciliation was started for hash.
func (m *MockReconciler) Started(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.started[workflowID(hash)]
	return ok
}

// Count returns the number of distinct reconciliations started.
func (m *MockReconciler) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}
