// Package amount implements fixed-point stablecoin arithmetic in micro-units
// (1 unit = 1_000_000 micro) and the thousandths suffix used to tell pending
// orders apart by the amount alone.
package amount

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// Scale is the number of fractional digits kept in a Micro.
	Scale = 6
	// Unit is 1 whole stablecoin in micro-units.
	Unit Micro = 1_000_000
	// SuffixUnit is the value of suffix 1 (0.001) in micro-units.
	SuffixUnit Micro = 1_000

	MinSuffix = 1
	MaxSuffix = 999
)

var (
	ErrInvalidSuffix = errors.New("suffix out of range 1..999")
	ErrInvalidBase   = errors.New("base amount must be positive")
	ErrNegative      = errors.New("amount must not be negative")
	ErrPrecision     = errors.New("amount has more than 6 fractional digits")
	ErrBasePrecision = errors.New("base amount has more than 3 fractional digits")
)

// Micro is an amount expressed in micro-units.
type Micro int64

// Parse reads a decimal literal such as "10.042".
func Parse(s string) (Micro, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts d exactly; values needing more than 6 fractional
// digits are rejected instead of rounded.
func FromDecimal(d decimal.Decimal) (Micro, error) {
	if d.IsNegative() {
		return 0, ErrNegative
	}
	shifted := d.Shift(Scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrPrecision
	}
	return Micro(shifted.IntPart()), nil
}

// FromFloat rounds f to the nearest micro-unit. Float construction artifacts
// (10.1+0.023 = 10.123000000000001) disappear here.
func FromFloat(f float64) Micro {
	return Micro(decimal.NewFromFloat(f).Shift(Scale).Round(0).IntPart())
}

// NewBase validates a base (principal) amount. The payer sees totals with 3
// decimals, so the base must not carry anything below the suffix digit.
func NewBase(m Micro) (Micro, error) {
	if m <= 0 {
		return 0, ErrInvalidBase
	}
	if m%SuffixUnit != 0 {
		return 0, fmt.Errorf("%w: %s", ErrBasePrecision, m)
	}
	return m, nil
}

// Generate returns base + suffix/1000.
func Generate(base Micro, suffix int) (Micro, error) {
	if _, err := NewBase(base); err != nil {
		return 0, err
	}
	if suffix < MinSuffix || suffix > MaxSuffix {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSuffix, suffix)
	}
	return base + Micro(suffix)*SuffixUnit, nil
}

// Match compares two amounts exactly.
func Match(a, b Micro) bool { return a == b }

// MatchFloat compares two float amounts after rounding both to micro-units.
func MatchFloat(a, b float64) bool { return Match(FromFloat(a), FromFloat(b)) }

// ExtractSuffix recovers the suffix from a total. Diagnostics only: payments
// are matched through the amount index, never through this value.
func ExtractSuffix(total, base Micro) int {
	diff := decimal.NewFromInt(int64(total - base))
	return int(diff.Div(decimal.NewFromInt(int64(SuffixUnit))).Round(0).IntPart())
}

// Decimal returns m as a decimal number of whole units.
func (m Micro) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -Scale)
}

// Display renders the 3-decimal amount a payer has to send, e.g. "10.042".
func (m Micro) Display() string { return m.Decimal().StringFixed(3) }

func (m Micro) String() string { return m.Decimal().StringFixed(Scale) }
