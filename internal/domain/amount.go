package domain

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// AmountOf returns v as an amount in base units.
func AmountOf(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// ParseAmount parses a non-negative base-unit integer in decimal notation.
func ParseAmount(s string) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return uint256.Int{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return *v, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatAmount renders a base-unit amount with the given number of decimals,
// e.g. 1500000000000000000 with 18 decimals is "1.5".
func FormatAmount(a uint256.Int, decimals int32) string {
	return decimal.NewFromBigInt(a.ToBig(), -decimals).String()
}

// Share is an exact fraction of a pinned pool. For a given wager every
// participant's share has the same denominator, the pool total at the
// wager's checkpoint.
type Share struct {
	Numerator   uint256.Int
	Denominator uint256.Int
}

// IsZero reports whether the share entitles its holder to nothing.
func (s Share) IsZero() bool {
	return s.Numerator.IsZero() || s.Denominator.IsZero()
}

// Apply returns floor(amount * share). The intermediate product is computed
// at 512 bits so it never overflows.
func (s Share) Apply(amount uint256.Int) uint256.Int {
	if s.IsZero() || amount.IsZero() {
		return uint256.Int{}
	}
	out, overflow := new(uint256.Int).MulDivOverflow(&amount, &s.Numerator, &s.Denominator)
	if overflow {
		// numerator <= denominator, so the result is bounded by amount.
		return amount
	}
	return *out
}

// Decimal renders the share as a decimal fraction for display.
func (s Share) Decimal() decimal.Decimal {
	if s.Denominator.IsZero() {
		return decimal.Zero
	}
	num := decimal.NewFromBigInt(s.Numerator.ToBig(), 0)
	den := decimal.NewFromBigInt(s.Denominator.ToBig(), 0)
	return num.DivRound(den, 18)
}
