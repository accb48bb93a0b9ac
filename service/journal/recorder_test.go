package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/pullpay/service/db"
	"github.com/brojonat/pullpay/service/ledger"
	natspkg "github.com/brojonat/pullpay/service/nats"
	"github.com/brojonat/pullpay/service/temporal"
	"github.com/brojonat/pullpay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore implements Store for testing.
type memoryStore struct {
	mu        sync.Mutex
	transfers map[string]*db.Transfer
	createErr error
	ctxErrs   []error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{transfers: make(map[string]*db.Transfer)}
}

func (m *memoryStore) CreateTransfer(ctx context.Context, params db.CreateTransferParams) (*db.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.createErr != nil {
		return nil, m.createErr
	}
	now := time.Now()
	t := &db.Transfer{
		RequestID:   params.RequestID,
		Hash:        params.Hash,
		Depositor:   params.Depositor,
		Recipient:   params.Recipient,
		Token:       params.Token,
		AmountMinor: params.AmountMinor,
		Amount:      params.Amount,
		Decimals:    params.Decimals,
		Status:      db.StatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.transfers[params.Hash] = t
	return t, nil
}

func (m *memoryStore) UpdateTransferStatus(ctx context.Context, hash, status, errorKind string) (*db.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[hash]
	if !ok {
		return nil, db.ErrNotFound
	}
	t.Status = status
	t.ErrorKind = errorKind
	t.UpdatedAt = time.Now()
	return t, nil
}

func (m *memoryStore) get(hash string) *db.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers[hash]
}

func testSubmission() transfer.Submission {
	return transfer.Submission{
		RequestID:   "req-1",
		Hash:        common.HexToHash("0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"),
		Token:       common.HexToAddress("0x55d398326f99059fF775485246999027B3197955"),
		Depositor:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Recipient:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
		AmountMinor: big.NewInt(50_000_000),
		Amount:      "50",
		Decimals:    6,
		SubmittedAt: time.Now(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_ConfirmedLifecycle(t *testing.T) {
	store := newMemoryStore()
	publisher := natspkg.NewMockPublisher()
	reconciler := temporal.NewMockReconciler()
	r := NewRecorder(discardLogger(), WithStore(store), WithPublisher(publisher), WithReconciler(reconciler))
	s := testSubmission()

	r.TransferSubmitted(context.Background(), s)
	row := store.get(s.Hash.Hex())
	require.NotNil(t, row)
	assert.Equal(t, db.StatusSubmitted, row.Status)
	assert.Equal(t, "req-1", row.RequestID)
	assert.Equal(t, "50", row.Amount)

	r.TransferFinished(context.Background(), s, nil)
	assert.Equal(t, db.StatusConfirmed, store.get(s.Hash.Hex()).Status)

	events := publisher.GetPublishedEvents()
	require.Len(t, events, 2)
	assert.Equal(t, db.StatusSubmitted, events[0].Status)
	assert.Equal(t, db.StatusConfirmed, events[1].Status)
	assert.Equal(t, "50000000", events[1].AmountMinor)
	assert.Equal(t, 0, reconciler.Count())
}

func TestRecorder_TimeoutStartsReconciliation(t *testing.T) {
	store := newMemoryStore()
	reconciler := temporal.NewMockReconciler()
	r := NewRecorder(discardLogger(), WithStore(store), WithReconciler(reconciler))
	s := testSubmission()

	r.TransferSubmitted(context.Background(), s)
	timeout := &ledger.Error{Kind: ledger.ErrConfirmationTimeout, Op: "awaitConfirmation", TxHash: s.Hash}
	r.TransferFinished(context.Background(), s, timeout)

	row := store.get(s.Hash.Hex())
	assert.Equal(t, db.StatusTimeout, row.Status)
	assert.Equal(t, string(transfer.KindConfirmationTimeout), row.ErrorKind)
	assert.True(t, reconciler.Started(s.Hash.Hex()))
}

func TestRecorder_RevertNotReconciled(t *testing.T) {
	store := newMemoryStore()
	reconciler := temporal.NewMockReconciler()
	r := NewRecorder(discardLogger(), WithStore(store), WithReconciler(reconciler))
	s := testSubmission()

	r.TransferSubmitted(context.Background(), s)
	r.TransferFinished(context.Background(), s, &ledger.Error{Kind: ledger.ErrContractRevert, Op: "awaitConfirmation", TxHash: s.Hash})

	assert.Equal(t, db.StatusReverted, store.get(s.Hash.Hex()).Status)
	assert.Equal(t, 0, reconciler.Count())
}

func TestRecorder_SurvivesCancelledRequest(t *testing.T) {
	store := newMemoryStore()
	r := NewRecorder(discardLogger(), WithStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.TransferSubmitted(ctx, testSubmission())

	require.Len(t, store.ctxErrs, 1)
	assert.NoError(t, store.ctxErrs[0], "journal writes must not inherit request cancellation")
}

func TestRecorder_FailuresAreLoggedNotPropagated(t *testing.T) {
	store := newMemoryStore()
	store.createErr = errors.New("db down")
	publisher := natspkg.NewMockPublisher()
	reconciler := temporal.NewMockReconciler()
	reconciler.SetStartError(errors.New("temporal down"))
	r := NewRecorder(discardLogger(), WithStore(store), WithPublisher(publisher), WithReconciler(reconciler))
	s := testSubmission()

	assert.NotPanics(t, func() {
		r.TransferSubmitted(context.Background(), s)
		r.TransferFinished(context.Background(), s, &ledger.Error{Kind: ledger.ErrConfirmationTimeout, Op: "x", TxHash: s.Hash})
	})

	// Events still go out, built from the submission.
	events := publisher.GetPublishedEvents()
	require.Len(t, events, 2)
	assert.Equal(t, db.StatusTimeout, events[1].Status)
}

func TestRecorder_Enabled(t *testing.T) {
	assert.False(t, NewRecorder(nil).Enabled())
	assert.True(t, NewRecorder(nil, WithPublisher(natspkg.NewMockPublisher())).Enabled())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus string
		wantKind   string
	}{
		{err: nil, wantStatus: db.StatusConfirmed},
		{err: &ledger.Error{Kind: ledger.ErrConfirmationTimeout}, wantStatus: db.StatusTimeout, wantKind: "confirmation_timeout"},
		{err: &ledger.Error{Kind: ledger.ErrContractRevert}, wantStatus: db.StatusReverted, wantKind: "contract_revert"},
		{err: &ledger.Error{Kind: ledger.ErrRPC}, wantStatus: db.StatusFailed, wantKind: "rpc"},
	}
	for _, tt := range tests {
		status, kind := StatusFor(tt.err)
		assert.Equal(t, tt.wantStatus, status)
		assert.Equal(t, tt.wantKind, kind)
	}
}
