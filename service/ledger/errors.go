package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrRPC covers node connectivity failures and contracts that do not
	// answer the ERC-20 interface.
	ErrRPC = errors.New("ledger rpc failure")

	// ErrInsufficientGas means the operator signer cannot pay network fees.
	ErrInsufficientGas = errors.New("operator cannot cover network fees")

	// ErrContractRevert means the token contract rejected the call, either in
	// simulation or on chain.
	ErrContractRevert = errors.New("contract reverted")

	// ErrConfirmationTimeout means the transaction was broadcast but its
	// inclusion was not observed in time. The transfer may still land.
	ErrConfirmationTimeout = errors.New("confirmation not observed before timeout")
)

// Error carries the failing operation and the raw cause. The raw cause may
// contain node payloads and must only be logged, never shown to callers.
type Error struct {
	Kind   error
	Op     string
	TxHash common.Hash
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " (tx %s)", e.TxHash.Hex())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// TxHashOf returns the transaction hash attached to a ledger error, if any.
func TxHashOf(err error) (common.Hash, bool) {
	var lerr *Error
	if errors.As(err, &lerr) && lerr.TxHash != (common.Hash{}) {
		return lerr.TxHash, true
	}
	return common.Hash{}, false
}

func rpcError(op string, err error) error {
	return &Error{Kind: ErrRPC, Op: op, Err: err}
}

// classifySubmitError maps errors from gas estimation and broadcast onto the
// error taxonomy. Node implementations differ in wording, so this matches on
// the messages geth, erigon and the BSC nodes emit.
func classifySubmitError(op string, err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())

	var dataErr rpc.DataError
	if strings.Contains(msg, "revert") || (errors.As(err, &dataErr) && dataErr.ErrorData() != nil) {
		return &Error{Kind: ErrContractRevert, Op: op, Err: err}
	}

	if strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "gas required exceeds allowance") {
		return &Error{Kind: ErrInsufficientGas, Op: op, Err: err}
	}

	return rpcError(op, err)
}
