package core

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the fixed-point scale: one currency unit equals this many micros.
const MicrosPerUnit = 1_000_000

// Money is a fixed-point integer quantity in micros (1e-6 of a currency unit).
// All capital-decision arithmetic is integer; decimal.Decimal is used only at
// the parse/format boundary (config, wire payloads, CSV artifacts).
type Money int64

// ZeroMoney is the additive identity.
const ZeroMoney Money = 0

// NewMoneyFromDecimal converts a decimal string/value into micros, rejecting
// values that would overflow or are not finite.
func NewMoneyFromDecimal(d decimal.Decimal) (Money, error) {
	scaled := d.Mul(decimal.NewFromInt(MicrosPerUnit))
	if !scaled.IsInteger() {
		scaled = scaled.Round(0)
	}
	f, _ := scaled.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("money: non-finite value %s", d.String())
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("money: value %s overflows micros", d.String())
	}
	return Money(scaled.IntPart()), nil
}

// ParseMoney parses a decimal string (as used on broker snapshot wire payloads)
// into Money, rejecting anything that is not a finite decimal number.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: invalid decimal string %q: %w", s, err)
	}
	return NewMoneyFromDecimal(d)
}

// Decimal renders Money back to a decimal.Decimal for wire/CSV boundaries.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(m)).DivRound(decimal.NewFromInt(MicrosPerUnit), 6)
}

// String renders Money as a plain decimal string, never in scientific notation.
func (m Money) String() string {
	return m.Decimal().String()
}

// Add returns m + other, checked for int64 overflow.
func (m Money) Add(other Money) (Money, error) {
	sum := int64(m) + int64(other)
	if (other > 0 && sum < int64(m)) || (other < 0 && sum > int64(m)) {
		return 0, fmt.Errorf("money: overflow adding %d + %d", m, other)
	}
	return Money(sum), nil
}

// Sub returns m - other, checked for int64 overflow.
func (m Money) Sub(other Money) (Money, error) {
	return m.Add(-other)
}

// MulQty multiplies a Money price by an integer quantity (also in micros,
// e.g. share/contract count scaled by 1e-6), returning a Money result scaled
// back down by MicrosPerUnit. Used for qty * mark exposure calculations.
// Intermediate precision is carried in decimal.Decimal to avoid int64 overflow
// on the unscaled product.
func (m Money) MulQty(qtyMicros int64) (Money, error) {
	product := decimal.NewFromInt(int64(m)).Mul(decimal.NewFromInt(qtyMicros)).Div(decimal.NewFromInt(MicrosPerUnit))
	f, _ := product.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("money: non-finite product of %d * %d", m, qtyMicros)
	}
	if !product.Round(0).IsInteger() {
		product = product.Round(0)
	}
	if product.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || product.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("money: overflow multiplying %d * %d", m, qtyMicros)
	}
	return Money(product.Round(0).IntPart()), nil
}

// MulBps scales m by bps/10000 (e.g. 10 bps == 0.001 == 0.1%), used for
// proportional models — slippage, fees — where an absolute offset would not
// track the underlying price. Intermediate precision is carried in
// decimal.Decimal for the same overflow-safety reasons as MulQty.
func (m Money) MulBps(bps int64) (Money, error) {
	product := decimal.NewFromInt(int64(m)).Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10_000))
	f, _ := product.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("money: non-finite product of %d bps * %d", bps, m)
	}
	if product.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || product.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("money: overflow multiplying %d bps * %d", bps, m)
	}
	return Money(product.Round(0).IntPart()), nil
}

// IsZero reports whether m is exactly zero.
func (m Money) IsZero() bool { return m == 0 }

// Cmp returns -1, 0, 1 as m is less than, equal to, or greater than other.
func (m Money) Cmp(other Money) int {
	switch {
	case m < other:
		return -1
	case m > other:
		return 1
	default:
		return 0
	}
}

// Neg returns -m.
func (m Money) Neg() Money { return -m }

// Abs returns the absolute value of m.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}
