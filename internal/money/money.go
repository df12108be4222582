// Package money provides fixed-point currency parsing, formatting, and
// arithmetic for platform balances.
//
// Amounts carry 6 decimal places and are handled as big.Int in the
// smallest unit (1 coin = 1,000,000 units). Ledger entries may be
// negative (debit legs), so signed values are supported throughout.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "1.50" or "-0.25") to its
// smallest-unit big.Int representation. Returns (nil, false) on invalid
// input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// ParsePositive parses an amount and additionally requires it to be
// strictly greater than zero.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 6 decimal places (e.g. "1.500000", "-0.250000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Neg returns the negated string form of a parsed amount.
func Neg(s string) string {
	v, ok := Parse(s)
	if !ok {
		return s
	}
	return Format(new(big.Int).Neg(v))
}

// Sub returns a − b formatted, treating unparseable inputs as zero.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Sub(av, bv))
}

// Add returns a + b formatted, treating unparseable inputs as zero.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Cmp compares two amounts: -1 if a < b, 0 if equal, +1 if a > b.
// Unparseable inputs compare as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// IsZero reports whether the amount parses to exactly zero.
func IsZero(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() == 0
}
