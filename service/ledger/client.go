package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/brojonat/pullpay/service/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

const (
	defaultConfirmationTimeout = 2 * time.Minute
	defaultPollInterval        = 3 * time.Second
	defaultGasBufferPercent    = 20
	defaultCallTimeout         = 15 * time.Second
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	// Endpoint labels metrics (e.g. "bsc", "sepolia", or the RPC host).
	Endpoint string

	// ChainID for signing. Nil means ask the node once and cache it.
	ChainID *big.Int

	ConfirmationTimeout time.Duration
	PollInterval        time.Duration

	// GasBufferPercent is added on top of eth_estimateGas.
	GasBufferPercent int

	// CallTimeout bounds each individual RPC call.
	CallTimeout time.Duration

	// Limiter throttles outbound RPC calls. Nil means unlimited.
	Limiter *rate.Limiter
}

// PendingTransaction is a signed transferFrom that the node accepted.
type PendingTransaction struct {
	Hash        common.Hash
	Nonce       uint64
	From        common.Address
	Token       common.Address
	Owner       common.Address
	Recipient   common.Address
	Amount      *big.Int
	SubmittedAt time.Time
}

// ReceiptStatus is the observed on-chain state of a transaction.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptReverted  ReceiptStatus = "reverted"
)

// Receipt summarizes a transaction receipt lookup.
type Receipt struct {
	Status      ReceiptStatus
	BlockNumber uint64
	GasUsed     uint64
}

// Client issues ERC-20 reads and operator-signed transferFrom calls.
// It is safe for concurrent use; submissions from the operator signer are
// serialized so nonces are assigned in order.
type Client struct {
	rpc     RPCClient
	signer  *Signer
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	precisionMu sync.RWMutex
	precision   map[common.Address]uint8

	chainMu sync.Mutex
	chainID *big.Int

	nonceMu   sync.Mutex
	nextNonce *uint64
}

// NewClient creates a ledger client. signer may be nil for read-only use
// (e.g. the reconciliation worker); submissions then fail.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, signer *Signer, opts Options, m *metrics.Metrics, logger *slog.Logger) *Client {
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = defaultConfirmationTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.GasBufferPercent <= 0 {
		opts.GasBufferPercent = defaultGasBufferPercent
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	var chainID *big.Int
	if opts.ChainID != nil && opts.ChainID.Sign() > 0 {
		chainID = new(big.Int).Set(opts.ChainID)
	}

	return &Client{
		rpc:       rpcClient,
		signer:    signer,
		opts:      opts,
		logger:    logger.With("component", "ledger"),
		metrics:   m,
		precision: make(map[common.Address]uint8),
		chainID:   chainID,
	}
}

// SignerAddress returns the operator address, or the zero address when the
// client is read-only.
func (c *Client) SignerAddress() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// GetPrecision returns the token's decimals. The value is immutable for a
// deployed contract, so it is cached for the lifetime of the process.
func (c *Client) GetPrecision(ctx context.Context, token common.Address) (uint8, error) {
	c.precisionMu.RLock()
	p, ok := c.precision[token]
	c.precisionMu.RUnlock()
	if ok {
		if c.metrics != nil {
			c.metrics.RecordPrecisionLookup("cache")
		}
		return p, nil
	}

	out, err := c.callView(ctx, token, methodDecimals)
	if err != nil {
		return 0, err
	}
	p, ok = out[0].(uint8)
	if !ok {
		return 0, rpcError(methodDecimals, fmt.Errorf("unexpected return type %T", out[0]))
	}

	c.precisionMu.Lock()
	c.precision[token] = p
	c.precisionMu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordPrecisionLookup("rpc")
	}
	c.logger.DebugContext(ctx, "resolved token precision", "token", token.Hex(), "decimals", p)

	return p, nil
}

// GetAllowance returns how much spender may move from owner's balance.
func (c *Client) GetAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := c.callView(ctx, token, methodAllowance, owner, spender)
	if err != nil {
		return nil, err
	}
	return bigResult(methodAllowance, out)
}

// GetBalance returns owner's token balance in minor units.
func (c *Client) GetBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := c.callView(ctx, token, methodBalanceOf, owner)
	if err != nil {
		return nil, err
	}
	return bigResult(methodBalanceOf, out)
}

// SubmitTransferFrom signs and broadcasts token.transferFrom(owner, recipient, amount)
// from the operator account. The call is simulated first, so most reverts
// surface here without spending gas.
func (c *Client) SubmitTransferFrom(ctx context.Context, token, owner, recipient common.Address, amount *big.Int) (*PendingTransaction, error) {
	const op = "submitTransferFrom"

	if c.signer == nil {
		return nil, &Error{Kind: ErrRPC, Op: op, Err: errors.New("client has no signer")}
	}
	from := c.signer.Address()

	data, err := erc20ABI.Pack(methodTransferFrom, owner, recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transferFrom: %w", err)
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{From: from, To: &token, Data: data}

	var gas uint64
	err = c.observe(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var err error
		gas, err = c.rpc.EstimateGas(ctx, msg)
		return err
	})
	if err != nil {
		return nil, classifySubmitError(op, err)
	}
	gas += gas * uint64(c.opts.GasBufferPercent) / 100

	var gasPrice *big.Int
	err = c.observe(ctx, "eth_gasPrice", func(ctx context.Context) error {
		var err error
		gasPrice, err = c.rpc.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, rpcError(op, err)
	}

	var native *big.Int
	err = c.observe(ctx, "eth_getBalance", func(ctx context.Context) error {
		var err error
		native, err = c.rpc.BalanceAt(ctx, from, nil)
		return err
	})
	if err != nil {
		return nil, rpcError(op, err)
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	if native.Cmp(fee) < 0 {
		return nil, &Error{
			Kind: ErrInsufficientGas,
			Op:   op,
			Err:  fmt.Errorf("operator %s holds %s wei, needs %s wei", from.Hex(), native, fee),
		}
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.reserveNonce(ctx, from)
	if err != nil {
		return nil, rpcError(op, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.Sign(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transferFrom: %w", err)
	}

	err = c.observe(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return c.rpc.SendTransaction(ctx, signed)
	})
	if err != nil {
		// Resync from the node on the next submission.
		c.nextNonce = nil
		return nil, classifySubmitError(op, err)
	}
	next := nonce + 1
	c.nextNonce = &next

	c.logger.InfoContext(ctx, "broadcast transferFrom",
		"tx_hash", signed.Hash().Hex(),
		"nonce", nonce,
		"gas", gas,
		"gas_price", gasPrice.String(),
		"token", token.Hex(),
	)

	return &PendingTransaction{
		Hash:        signed.Hash(),
		Nonce:       nonce,
		From:        from,
		Token:       token,
		Owner:       owner,
		Recipient:   recipient,
		Amount:      new(big.Int).Set(amount),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// AwaitConfirmation polls for the transaction receipt until it is mined or
// the configured timeout elapses. Cancelling ctx abandons the wait; it does
// not (and cannot) cancel the transfer.
func (c *Client) AwaitConfirmation(ctx context.Context, pending *PendingTransaction) (common.Hash, error) {
	const op = "awaitConfirmation"

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ConfirmationTimeout)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionStatus(waitCtx, pending.Hash)
		switch {
		case err != nil:
			if waitCtx.Err() == nil {
				c.logger.WarnContext(ctx, "receipt lookup failed, will retry",
					"tx_hash", pending.Hash.Hex(),
					"error", err,
				)
			}
		case receipt.Status == ReceiptConfirmed:
			c.recordConfirmationWait("confirmed", start)
			c.logger.InfoContext(ctx, "transaction confirmed",
				"tx_hash", pending.Hash.Hex(),
				"block", receipt.BlockNumber,
				"gas_used", receipt.GasUsed,
			)
			return pending.Hash, nil
		case receipt.Status == ReceiptReverted:
			c.recordConfirmationWait("reverted", start)
			return pending.Hash, &Error{
				Kind:   ErrContractRevert,
				Op:     op,
				TxHash: pending.Hash,
				Err:    fmt.Errorf("receipt status failed in block %d", receipt.BlockNumber),
			}
		}

		select {
		case <-waitCtx.Done():
			c.recordConfirmationWait("timeout", start)
			c.resyncIfDropped(ctx, pending)
			return pending.Hash, &Error{
				Kind:   ErrConfirmationTimeout,
				Op:     op,
				TxHash: pending.Hash,
				Err:    waitCtx.Err(),
			}
		case <-ticker.C:
		}
	}
}

// TransactionStatus looks up the receipt for hash. A transaction the node
// has not mined yet is reported as ReceiptPending, not as an error.
func (c *Client) TransactionStatus(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var receipt *types.Receipt
	err := c.observe(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = c.rpc.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, rpcError("transactionStatus", err)
	}
	if receipt == nil {
		return &Receipt{Status: ReceiptPending}, nil
	}

	out := &Receipt{
		Status:  ReceiptConfirmed,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusFailed {
		out.Status = ReceiptReverted
	}
	return out, nil
}

// reserveNonce returns the next nonce for from. Callers must hold nonceMu.
// The locally tracked value wins when it is ahead of the node's pending
// count, which happens while earlier broadcasts propagate.
func (c *Client) reserveNonce(ctx context.Context, from common.Address) (uint64, error) {
	var pending uint64
	err := c.observe(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		pending, err = c.rpc.PendingNonceAt(ctx, from)
		return err
	})
	if err != nil {
		return 0, err
	}
	if c.nextNonce != nil && *c.nextNonce > pending {
		return *c.nextNonce, nil
	}
	return pending, nil
}

// resyncIfDropped clears the local nonce when the node's mined count has not
// passed a timed-out transaction. If the transaction left the mempool, later
// submissions would otherwise queue behind the gap.
func (c *Client) resyncIfDropped(ctx context.Context, pending *PendingTransaction) {
	if pending.From == (common.Address{}) {
		return
	}

	var mined uint64
	err := c.observe(context.WithoutCancel(ctx), "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		mined, err = c.rpc.NonceAt(ctx, pending.From, nil)
		return err
	})
	if err != nil {
		c.logger.WarnContext(ctx, "nonce lookup after confirmation timeout failed",
			"tx_hash", pending.Hash.Hex(),
			"error", err,
		)
		return
	}
	if mined > pending.Nonce {
		return
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if c.nextNonce != nil && *c.nextNonce > pending.Nonce {
		c.nextNonce = nil
		c.logger.WarnContext(ctx, "transaction not mined before timeout, nonce will resync from node",
			"tx_hash", pending.Hash.Hex(),
			"nonce", pending.Nonce,
			"mined_nonce", mined,
		)
	}
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()

	if c.chainID != nil {
		return c.chainID, nil
	}

	var id *big.Int
	err := c.observe(ctx, "eth_chainId", func(ctx context.Context) error {
		var err error
		id, err = c.rpc.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, rpcError("chainID", err)
	}

	c.chainID = id
	c.logger.InfoContext(ctx, "resolved chain id", "chain_id", id.String())
	return id, nil
}

// callView encodes and executes an eth_call against the token contract.
func (c *Client) callView(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s call: %w", method, err)
	}

	var out []byte
	err = c.observe(ctx, method, func(ctx context.Context) error {
		var err error
		out, err = c.rpc.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, rpcError(method, err)
	}
	if len(out) == 0 {
		return nil, rpcError(method, fmt.Errorf("empty return data from %s; not an ERC-20 contract", token.Hex()))
	}

	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, rpcError(method, fmt.Errorf("failed to decode result: %w", err))
	}
	if len(values) == 0 {
		return nil, rpcError(method, errors.New("no return values"))
	}
	return values, nil
}

// observe applies rate limiting and the per-call deadline, and records
// metrics around a single RPC call.
func (c *Client) observe(ctx context.Context, method string, call func(context.Context) error) error {
	if c.opts.Limiter != nil {
		waitStart := time.Now()
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if c.metrics != nil {
			c.metrics.RecordRPCThrottle(c.opts.Endpoint, time.Since(waitStart).Seconds())
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	err := call(callCtx)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		c.logger.DebugContext(ctx, "ledger rpc call failed", "method", method, "error", err)
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, status, c.opts.Endpoint, duration)
	}
	return err
}

func (c *Client) recordConfirmationWait(status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordConfirmationWait(status, time.Since(start).Seconds())
	}
}

func bigResult(method string, out []interface{}) (*big.Int, error) {
	v, ok := out[0].(*big.Int)
	if !ok || v == nil {
		return nil, rpcError(method, fmt.Errorf("unexpected return type %T", out[0]))
	}
	return v, nil
}
