// Package transfer runs the delegated transferFrom pipeline: validate the
// request, resolve token precision, convert the amount, check allowance and
// balance, submit the operator-signed call and wait for confirmation.
package transfer

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/brojonat/pullpay/service/ledger"
	"github.com/brojonat/pullpay/service/metrics"
	"github.com/brojonat/pullpay/service/units"
	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the subset of *ledger.Client the executor depends on.
type Ledger interface {
	SignerAddress() common.Address
	GetPrecision(ctx context.Context, token common.Address) (uint8, error)
	GetAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	GetBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	SubmitTransferFrom(ctx context.Context, token, owner, recipient common.Address, amount *big.Int) (*ledger.PendingTransaction, error)
	AwaitConfirmation(ctx context.Context, pending *ledger.PendingTransaction) (common.Hash, error)
}

// Request is an incoming delegated transfer.
type Request struct {
	// ID correlates logs, journal rows and events. Optional.
	ID               string
	DepositorAddress string
	RecipientAddress string
	Amount           string
}

// Result is returned once the transfer is confirmed.
type Result struct {
	Hash        common.Hash
	AmountMinor *big.Int
	Decimals    uint8
}

// Submission describes a transfer that reached the network. Observers
// receive it once the transaction is broadcast.
type Submission struct {
	RequestID   string
	Hash        common.Hash
	Token       common.Address
	Depositor   common.Address
	Recipient   common.Address
	AmountMinor *big.Int
	Amount      string
	Decimals    uint8
	SubmittedAt time.Time
}

// Observer is notified about transfers that were broadcast. Failures before
// submission are not reported since nothing happened on chain.
type Observer interface {
	TransferSubmitted(ctx context.Context, s Submission)
	TransferFinished(ctx context.Context, s Submission, err error)
}

// Executor runs transfers for a single configured token.
type Executor struct {
	ledger    Ledger
	validator *Validator
	token     common.Address
	observer  Observer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver attaches an observer for submitted transfers.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithMetrics enables pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func NewExecutor(l Ledger, token common.Address, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transfer")
	e := &Executor{
		ledger:    l,
		validator: NewValidator(l, logger),
		token:     token,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Token returns the token contract the executor moves.
func (e *Executor) Token() common.Address {
	return e.token
}

// Execute runs the pipeline for req. Every stage failure short-circuits and
// nothing is retried. Once the transaction is broadcast the transfer cannot
// be recalled: a ConfirmationTimeout error still carries the hash (see
// ledger.TxHashOf) and the transfer may complete later.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	logger := e.logger.With("request_id", req.ID)

	res, err := e.execute(ctx, logger, req)

	kind := Classify(err)
	outcome := string(kind)
	if kind == KindNone {
		outcome = "confirmed"
	}
	if e.metrics != nil {
		e.metrics.RecordTransfer(outcome, time.Since(start).Seconds())
	}

	switch kind {
	case KindNone:
	case KindValidation, KindInvalidAmount, KindPrecisionOverflow,
		KindAllowanceInsufficient, KindBalanceInsufficient:
		logger.InfoContext(ctx, "transfer rejected", "kind", kind, "error", err)
	default:
		logger.ErrorContext(ctx, "transfer failed", "kind", kind, "error", err)
	}

	return res, err
}

func (e *Executor) execute(ctx context.Context, logger *slog.Logger, req Request) (*Result, error) {
	// Received
	depositor, recipient, amount, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	// PrecisionResolved
	decimals, err := e.ledger.GetPrecision(ctx, e.token)
	if err != nil {
		return nil, err
	}

	// AmountConverted
	minor, err := units.ToMinor(amount, decimals)
	if err != nil {
		return nil, err
	}

	// Validated
	if _, err := e.validator.Check(ctx, e.token, depositor, minor, decimals); err != nil {
		return nil, err
	}

	// Submitted
	pending, err := e.ledger.SubmitTransferFrom(ctx, e.token, depositor, recipient, minor)
	if err != nil {
		return nil, err
	}

	sub := Submission{
		RequestID:   req.ID,
		Hash:        pending.Hash,
		Token:       e.token,
		Depositor:   depositor,
		Recipient:   recipient,
		AmountMinor: minor,
		Amount:      units.ToDecimal(minor, decimals),
		Decimals:    decimals,
		SubmittedAt: pending.SubmittedAt,
	}
	logger.InfoContext(ctx, "transfer submitted",
		"tx_hash", pending.Hash.Hex(),
		"depositor", depositor.Hex(),
		"recipient", recipient.Hex(),
		"amount", sub.Amount,
	)
	if e.observer != nil {
		e.observer.TransferSubmitted(ctx, sub)
	}

	// Confirmed | Failed
	hash, err := e.ledger.AwaitConfirmation(ctx, pending)
	if e.observer != nil {
		e.observer.TransferFinished(ctx, sub, err)
	}
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "transfer confirmed", "tx_hash", hash.Hex())
	return &Result{Hash: hash, AmountMinor: minor, Decimals: decimals}, nil
}

// validateRequest performs the structural checks that must pass before any
// ledger call.
func validateRequest(req Request) (depositor, recipient common.Address, amount string, err error) {
	depositor, err = parseAccount("fromAddress", req.DepositorAddress)
	if err != nil {
		return
	}
	recipient, err = parseAccount("recipientAddress", req.RecipientAddress)
	if err != nil {
		return
	}

	amount = strings.TrimSpace(req.Amount)
	if amount == "" {
		err = &ValidationError{Field: "amount", Reason: "is required"}
		return
	}
	if _, perr := units.ParseAmount(amount); perr != nil {
		err = &ValidationError{Field: "amount", Reason: "must be a positive decimal number"}
		return
	}
	return depositor, recipient, amount, nil
}

func parseAccount(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Address{}, &ValidationError{Field: field, Reason: "is required"}
	}
	addr, err := ledger.ParseAddress(value)
	if err != nil {
		reason := "is not a valid address"
		if errors.Is(err, ledger.ErrInvalidChecksum) {
			reason = "has an invalid checksum"
		}
		return common.Address{}, &ValidationError{Field: field, Reason: reason}
	}
	if addr == (common.Address{}) {
		return common.Address{}, &ValidationError{Field: field, Reason: "must not be the zero address"}
	}
	return addr, nil
}
