package db

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDepositor = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x2222222222222222222222222222222222222222"
	testToken     = "0x55d398326f99059fF775485246999027B3197955"
)

func fiftyTokens() *big.Int {
	return new(big.Int).Mul(big.NewInt(50), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func createTestTransfer(t *testing.T, store *TestStore, hash, depositor string) *Transfer {
	t.Helper()
	transfer, err := store.CreateTransfer(context.Background(), CreateTransferParams{
		RequestID:   "req-" + hash,
		Hash:        hash,
		Depositor:   depositor,
		Recipient:   testRecipient,
		Token:       testToken,
		AmountMinor: fiftyTokens(),
		Amount:      "50",
		Decimals:    18,
	})
	require.NoError(t, err)
	return transfer
}

func TestCreateTransfer(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	t.Run("create submitted transfer", func(t *testing.T) {
		transfer := createTestTransfer(t, store, "0xaaa1", testDepositor)

		assert.Equal(t, "0xaaa1", transfer.Hash)
		assert.Equal(t, testDepositor, transfer.Depositor)
		assert.Equal(t, StatusSubmitted, transfer.Status)
		assert.Equal(t, 0, fiftyTokens().Cmp(transfer.AmountMinor), "uint256-sized amounts survive the round trip")
		assert.Equal(t, uint8(18), transfer.Decimals)
		assert.Empty(t, transfer.ErrorKind)
		assert.WithinDuration(t, time.Now(), transfer.CreatedAt, 5*time.Second)
	})

	t.Run("duplicate hash returns existing row", func(t *testing.T) {
		first, err := store.GetTransferByHash(ctx, "0xaaa1")
		require.NoError(t, err)

		again := createTestTransfer(t, store, "0xaaa1", testDepositor)
		assert.Equal(t, first.ID, again.ID)
	})
}

func TestUpdateTransferStatus(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	createTestTransfer(t, store, "0xbbb1", testDepositor)

	updated, err := store.UpdateTransferStatus(ctx, "0xbbb1", StatusTimeout, "confirmation_timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, updated.Status)
	assert.Equal(t, "confirmation_timeout", updated.ErrorKind)

	updated, err = store.UpdateTransferStatus(ctx, "0xbbb1", StatusConfirmed, "")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, updated.Status)
	assert.Empty(t, updated.ErrorKind)
	assert.True(t, !updated.UpdatedAt.Before(updated.CreatedAt))

	_, err = store.UpdateTransferStatus(ctx, "0xmissing", StatusConfirmed, "")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestGetTransferByHash_NotFound(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()

	_, err := store.GetTransferByHash(context.Background(), "0xdoesnotexist")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestListTransfers(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	other := "0x3333333333333333333333333333333333333333"

	createTestTransfer(t, store, "0xccc1", testDepositor)
	createTestTransfer(t, store, "0xccc2", testDepositor)
	createTestTransfer(t, store, "0xccc3", other)
	_, err := store.UpdateTransferStatus(ctx, "0xccc2", StatusConfirmed, "")
	require.NoError(t, err)

	t.Run("all", func(t *testing.T) {
		transfers, err := store.ListTransfers(ctx, ListTransfersParams{Limit: 10})
		require.NoError(t, err)
		assert.Len(t, transfers, 3)
		for i := 1; i < len(transfers); i++ {
			assert.False(t, transfers[i].CreatedAt.After(transfers[i-1].CreatedAt), "most recent first")
		}
	})

	t.Run("by depositor", func(t *testing.T) {
		transfers, err := store.ListTransfers(ctx, ListTransfersParams{Depositor: testDepositor, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, transfers, 2)
	})

	t.Run("by depositor and status", func(t *testing.T) {
		transfers, err := store.ListTransfers(ctx, ListTransfersParams{Depositor: testDepositor, Status: StatusConfirmed, Limit: 10})
		require.NoError(t, err)
		require.Len(t, transfers, 1)
		assert.Equal(t, "0xccc2", transfers[0].Hash)
	})

	t.Run("pagination", func(t *testing.T) {
		page, err := store.ListTransfers(ctx, ListTransfersParams{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})
}
