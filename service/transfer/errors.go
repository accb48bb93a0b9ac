package transfer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/brojonat/pullpay/service/ledger"
	"github.com/brojonat/pullpay/service/units"
)

var (
	// ErrValidation marks a malformed request. It is raised before any
	// ledger call is made.
	ErrValidation = errors.New("invalid transfer request")

	ErrAllowanceInsufficient = errors.New("allowance insufficient")
	ErrBalanceInsufficient   = errors.New("balance insufficient")
)

// ValidationError reports which request field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InsufficientError carries the observed allowance or balance so callers can
// show how much is actually available.
type InsufficientError struct {
	Kind     error // ErrAllowanceInsufficient or ErrBalanceInsufficient
	Observed *big.Int
	Required *big.Int
	Decimals uint8
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("%s: have %s, need %s",
		e.Kind,
		units.ToDecimal(e.Observed, e.Decimals),
		units.ToDecimal(e.Required, e.Decimals),
	)
}

func (e *InsufficientError) Unwrap() error {
	return e.Kind
}

// Kind is the classified outcome of a failed transfer.
type Kind string

const (
	KindNone                  Kind = ""
	KindValidation            Kind = "validation"
	KindInvalidAmount         Kind = "invalid_amount"
	KindPrecisionOverflow     Kind = "precision_overflow"
	KindAllowanceInsufficient Kind = "allowance_insufficient"
	KindBalanceInsufficient   Kind = "balance_insufficient"
	KindRPC                   Kind = "rpc"
	KindConfirmationTimeout   Kind = "confirmation_timeout"
	KindContractRevert        Kind = "contract_revert"
	KindInsufficientGas       Kind = "insufficient_gas"
	KindInternal              Kind = "internal"
)

// Classify maps any error returned by Executor.Execute onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, units.ErrPrecisionOverflow):
		return KindPrecisionOverflow
	case errors.Is(err, units.ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrAllowanceInsufficient):
		return KindAllowanceInsufficient
	case errors.Is(err, ErrBalanceInsufficient):
		return KindBalanceInsufficient
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, ledger.ErrContractRevert):
		return KindContractRevert
	case errors.Is(err, ledger.ErrInsufficientGas):
		return KindInsufficientGas
	case errors.Is(err, ledger.ErrRPC):
		return KindRPC
	default:
		return KindInternal
	}
}

// PublicMessage returns text that is safe to show to the requester. Node
// payloads and internal detail are replaced with generic wording; validation
// and insufficiency errors keep their detail since it only echoes request data
// and public chain state.
func PublicMessage(err error) string {
	switch Classify(err) {
	case KindNone:
		return ""
	case KindValidation, KindAllowanceInsufficient, KindBalanceInsufficient:
		return err.Error()
	case KindPrecisionOverflow:
		return "amount has more decimal places than the token supports"
	case KindInvalidAmount:
		return "amount must be a positive decimal number"
	case KindConfirmationTimeout:
		msg := "transfer was submitted but confirmation was not observed in time; it may still complete"
		if hash, ok := ledger.TxHashOf(err); ok {
			msg += " (tx " + hash.Hex() + ")"
		}
		return msg
	case KindContractRevert:
		return "token contract rejected the transfer"
	case KindInsufficientGas:
		return "operator account cannot cover network fees"
	case KindRPC:
		return "ledger node unavailable, try again later"
	default:
		return "internal error"
	}
}
