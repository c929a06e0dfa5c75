package model

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FeeFactor is the denominator for fee percentages (basis points).
const FeeFactor = 10000

// ParseAmount parses a base-10 token amount. Empty input is zero.
func ParseAmount(input string) (*uint256.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(input)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", input, err)
	}
	return v, nil
}

// AmountString renders an amount in base 10; nil renders as "0".
func AmountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// FormatAmount renders an amount scaled by the token decimals, e.g. 1500000 with 6 decimals is "1.5".
func FormatAmount(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// Amount returns a copy of v, or zero for nil.
func Amount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
