package units

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func TestToMinor(t *testing.T) {
	tests := []struct {
		name      string
		amount    string
		precision uint8
		expected  *big.Int
	}{
		{name: "whole amount 18 decimals", amount: "50", precision: 18, expected: new(big.Int).Mul(big.NewInt(50), pow10(18))},
		{name: "fractional amount 6 decimals", amount: "0.42", precision: 6, expected: big.NewInt(420000)},
		{name: "smallest unit", amount: "0.000001", precision: 6, expected: big.NewInt(1)},
		{name: "zero precision", amount: "7", precision: 0, expected: big.NewInt(7)},
		{name: "trailing zeros ignored", amount: "1.50", precision: 1, expected: big.NewInt(15)},
		{name: "exponent notation", amount: "15e-1", precision: 2, expected: big.NewInt(150)},
		{name: "surrounding whitespace", amount: " 3.25 ", precision: 2, expected: big.NewInt(325)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToMinor(tt.amount, tt.precision)
			require.NoError(t, err)
			assert.Equal(t, 0, tt.expected.Cmp(got), "expected %s, got %s", tt.expected, got)
		})
	}
}

func TestToMinor_PrecisionOverflow(t *testing.T) {
	tests := []struct {
		amount    string
		precision uint8
	}{
		{amount: "0.1234567", precision: 6},
		{amount: "1.5", precision: 0},
		{amount: "0.0000000000000000001", precision: 18},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			_, err := ToMinor(tt.amount, tt.precision)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPrecisionOverflow)
		})
	}
}

func TestToMinor_InvalidAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount string
	}{
		{name: "empty", amount: ""},
		{name: "whitespace", amount: "   "},
		{name: "zero", amount: "0"},
		{name: "zero with fraction", amount: "0.000"},
		{name: "negative", amount: "-5"},
		{name: "not a number", amount: "abc"},
		{name: "NaN", amount: "NaN"},
		{name: "infinity", amount: "Inf"},
		{name: "hex", amount: "0x10"},
		{name: "huge exponent", amount: "1e1000000000"},
		{name: "huge negative exponent", amount: "1e-2147483647"},
		{name: "large negative exponent", amount: "1e-200000000"},
		{name: "just below smallest exponent", amount: "1e-352"},
		{name: "too long", amount: strings.Repeat("9", 200)},
		{name: "exceeds uint256", amount: "1e77"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToMinor(tt.amount, 18)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}

func TestToMinor_SmallestExponent(t *testing.T) {
	_, err := ToMinor("1e-351", 18)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrecisionOverflow)
	assert.Less(t, len(err.Error()), 200)
}

func TestToDecimal(t *testing.T) {
	assert.Equal(t, "50", ToDecimal(new(big.Int).Mul(big.NewInt(50), pow10(18)), 18))
	assert.Equal(t, "0.42", ToDecimal(big.NewInt(420000), 6))
	assert.Equal(t, "0.000001", ToDecimal(big.NewInt(1), 6))
	assert.Equal(t, "0", ToDecimal(big.NewInt(0), 18))
	assert.Equal(t, "0", ToDecimal(nil, 18))
	assert.Equal(t, "12", ToDecimal(big.NewInt(12), 0))
}

func TestRoundTrip(t *testing.T) {
	amounts := []string{"1", "50", "0.5", "123.456", "0.000000000000000001", "99999999.99", "1000000"}
	precisions := []uint8{0, 2, 6, 8, 18}

	for _, p := range precisions {
		for _, a := range amounts {
			minor, err := ToMinor(a, p)
			if err != nil {
				// Amounts finer than the precision must be rejected, never rounded.
				require.ErrorIs(t, err, ErrPrecisionOverflow, "amount %s precision %d", a, p)
				continue
			}
			assert.Equal(t, a, ToDecimal(minor, p), "amount %s precision %d", a, p)
		}
	}
}
