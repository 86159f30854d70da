// Package units converts token amounts between human units and the
// ledger's smallest unit.
package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a human-unit amount such as "10.5" into smallest units.
// More fractional digits than decimals is an error.
func Parse(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d fractional digits", s, decimals)
	}
	return shifted.BigInt(), nil
}

// MustParse is Parse for constants.
func MustParse(s string, decimals int32) *big.Int {
	v, err := Parse(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders smallest units as a human amount. Whole amounts keep a
// trailing ".0" so "0.0" and "1000.0" read as token values.
func Format(x *big.Int, decimals int32) string {
	if x == nil {
		return "0.0"
	}
	s := decimal.NewFromBigInt(x, -decimals).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
