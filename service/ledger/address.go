package ledger

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress  = errors.New("not a valid hex address")
	ErrInvalidChecksum = errors.New("address checksum mismatch")
)

// ParseAddress validates a 20-byte hex address. All-lowercase and
// all-uppercase forms are accepted as-is; mixed-case input must carry a
// valid EIP-55 checksum.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}

	addr := common.HexToAddress(s)

	digits := s
	if len(digits) >= 2 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		digits = digits[2:]
	}
	if strings.ToLower(digits) != digits && strings.ToUpper(digits) != digits {
		if addr.Hex()[2:] != digits {
			return common.Address{}, ErrInvalidChecksum
		}
	}

	return addr, nil
}
