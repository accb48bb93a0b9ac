package transfer

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/brojonat/pullpay/service/units"
	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is the allowance and balance observed for one request.
type Snapshot struct {
	Allowance *big.Int
	Balance   *big.Int
}

// Validator checks that a depositor has granted enough allowance to the
// operator and holds enough tokens. The snapshot is read fresh on every call.
//
// The check is advisory: another spend can land between the check and the
// submission. The contract's own allowance decrement is the authoritative
// guard, and that case surfaces as a contract revert.
type Validator struct {
	ledger Ledger
	logger *slog.Logger
}

func NewValidator(l Ledger, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{ledger: l, logger: logger}
}

// Check reads allowance then balance and compares both against amount.
// Allowance is checked first.
func (v *Validator) Check(ctx context.Context, token, depositor common.Address, amount *big.Int, decimals uint8) (*Snapshot, error) {
	spender := v.ledger.SignerAddress()

	allowance, err := v.ledger.GetAllowance(ctx, token, depositor, spender)
	if err != nil {
		return nil, err
	}
	balance, err := v.ledger.GetBalance(ctx, token, depositor)
	if err != nil {
		return nil, err
	}

	v.logger.DebugContext(ctx, "observed depositor funds",
		"depositor", depositor.Hex(),
		"allowance", units.ToDecimal(allowance, decimals),
		"balance", units.ToDecimal(balance, decimals),
		"requested", units.ToDecimal(amount, decimals),
	)

	snap := &Snapshot{Allowance: allowance, Balance: balance}

	if allowance.Cmp(amount) < 0 {
		return snap, &InsufficientError{
			Kind:     ErrAllowanceInsufficient,
			Observed: allowance,
			Required: amount,
			Decimals: decimals,
		}
	}
	if balance.Cmp(amount) < 0 {
		return snap, &InsufficientError{
			Kind:     ErrBalanceInsufficient,
			Observed: balance,
			Required: amount,
			Decimals: decimals,
		}
	}
	return snap, nil
}
