// Package units converts between human-readable token amounts and the
// integer minor-unit representation used on chain.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// maxAmountLength bounds the textual input so exponent notation cannot
	// force huge big.Int allocations.
	maxAmountLength = 96

	// maxMinorBits is the width of an EVM uint256.
	maxMinorBits = 256

	// minExponent is the smallest exponent any amount can carry and still be
	// a whole number of minor units: the widest uint8 precision plus the
	// trailing zeros a maximum-length coefficient can hold.
	minExponent = -(255 + maxAmountLength)
)

var (
	// ErrInvalidAmount is returned for amounts that are empty, non-numeric,
	// non-finite, non-positive or out of range.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrPrecisionOverflow is returned when an amount has more fractional
	// digits than the token's precision can represent.
	ErrPrecisionOverflow = errors.New("amount exceeds token precision")
)

// ParseAmount parses a positive decimal amount. Plain decimal and exponent
// notation ("1.5", "15e-1") are accepted; NaN, infinities, zero and negative
// values are rejected.
func ParseAmount(amount string) (decimal.Decimal, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	if len(amount) > maxAmountLength {
		return decimal.Zero, fmt.Errorf("%w: amount too long", ErrInvalidAmount)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a finite decimal number", ErrInvalidAmount, amount)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidAmount)
	}
	if d.Exponent() > maxMinorBits/3 || d.Exponent() < minExponent {
		return decimal.Zero, fmt.Errorf("%w: amount out of range", ErrInvalidAmount)
	}

	return d, nil
}

// ToMinor scales amount by 10^precision and returns the exact integer result.
// Trailing fractional zeros are ignored, so "1.50" fits a precision of 1.
func ToMinor(amount string, precision uint8) (*big.Int, error) {
	d, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	scaled := d.Shift(int32(precision))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrPrecisionOverflow, strings.TrimSpace(amount), precision)
	}

	minor := scaled.BigInt()
	if minor.BitLen() > maxMinorBits {
		return nil, fmt.Errorf("%w: amount out of range", ErrInvalidAmount)
	}

	return minor, nil
}

// ToDecimal renders a minor-unit quantity as a canonical decimal string
// (no exponent, no trailing fractional zeros). It is exact and intended for
// display and diagnostics; comparisons must use the integer form.
func ToDecimal(minor *big.Int, precision uint8) string {
	if minor == nil {
		return "0"
	}
	return decimal.NewFromBigInt(minor, -int32(precision)).String()
}
