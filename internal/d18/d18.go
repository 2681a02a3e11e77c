// Package d18 implements the 18-decimal fixed-point arithmetic used for all
// prices, ratios, and rates in the ledger engine.
//
// Values are conceptually an unsigned 128-bit integer scaled by 1e18, which
// gives:
//   - deterministic truncating arithmetic with an explicit rounding mode for
//     the cases where rounding up is the safe direction (accruing debt must
//     never undercount)
//   - a hard range cap at (2^128 - 1) / 1e18, checked on every operation
//
// All values use shopspring/decimal, never float64 for money.
package d18

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional decimal digits carried by every value.
const Scale int32 = 18

var (
	// ErrDivisionByZero is returned when constructing or dividing by zero.
	ErrDivisionByZero = errors.New("d18: division by zero")

	// ErrNegative is returned when an unsigned fixed-point value would be
	// constructed from a negative input.
	ErrNegative = errors.New("d18: negative value")

	// ErrOverflow is returned when a result no longer fits the unsigned
	// 128-bit envelope.
	ErrOverflow = errors.New("d18: value exceeds 128-bit fixed-point range")

	// Max is the largest representable value: (2^128 - 1) / 1e18.
	Max = decimal.RequireFromString("340282366920938463463.374607431768211455")
)

// Rounding selects the direction results are rounded at the 18th decimal.
type Rounding int

const (
	// RoundDown truncates toward zero. This is the default everywhere.
	RoundDown Rounding = iota

	// RoundUp rounds away from zero. Callers pick this when undercounting
	// would favor the counterparty over the pool.
	RoundUp
)

// D18 is an 18-decimal fixed-point ratio, price, or rate. The zero value
// is the number zero and is usable.
type D18 struct {
	v decimal.Decimal
}

// New constructs a value from a decimal, truncating to 18 places.
func New(v decimal.Decimal) (D18, error) {
	if v.IsNegative() {
		return D18{}, ErrNegative
	}
	if v.GreaterThan(Max) {
		return D18{}, ErrOverflow
	}
	return D18{v: v.Truncate(Scale)}, nil
}

// MustNew is New for literals in wiring and tests. Panics on error.
func MustNew(v decimal.Decimal) D18 {
	d, err := New(v)
	if err != nil {
		panic(err)
	}
	return d
}

// One is the ratio 1.0.
func One() D18 {
	return D18{v: decimal.NewFromInt(1)}
}

// FromRational constructs the value n/d at 18 decimals, truncated.
func FromRational(n, d decimal.Decimal) (D18, error) {
	if d.IsZero() {
		return D18{}, ErrDivisionByZero
	}
	q := n.DivRound(d, Scale+1).Truncate(Scale)
	return New(q)
}

// Decimal returns the underlying decimal value.
func (d D18) Decimal() decimal.Decimal {
	return d.v
}

// IsZero reports whether the value is zero.
func (d D18) IsZero() bool {
	return d.v.IsZero()
}

func (d D18) String() string {
	return d.v.String()
}

// Equal reports exact equality.
func (d D18) Equal(o D18) bool {
	return d.v.Equal(o.v)
}

// Mul multiplies two fixed-point values, rounding the 18th decimal per mode.
func (d D18) Mul(o D18, mode Rounding) (D18, error) {
	return New(round(d.v.Mul(o.v), Scale, mode))
}

// Div divides by another fixed-point value, rounding per mode.
func (d D18) Div(o D18, mode Rounding) (D18, error) {
	if o.v.IsZero() {
		return D18{}, ErrDivisionByZero
	}
	q := d.v.DivRound(o.v, Scale+1)
	return New(round(q, Scale, mode))
}

// MulInt applies the ratio to an integer amount and returns an integer
// amount, rounded per mode. This is the price-times-quantity primitive.
func (d D18) MulInt(amount decimal.Decimal, mode Rounding) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	out := round(d.v.Mul(amount), 0, mode)
	if out.GreaterThan(Max.Mul(oneE18)) {
		return decimal.Zero, ErrOverflow
	}
	return out, nil
}

// Sub returns the signed difference d - o.
func (d D18) Sub(o D18) SignedD18 {
	return SignedD18{v: d.v.Sub(o.v)}
}

// SignedD18 is the signed counterpart, used for rate and value deltas.
type SignedD18 struct {
	v decimal.Decimal
}

// Decimal returns the underlying signed decimal value.
func (s SignedD18) Decimal() decimal.Decimal {
	return s.v
}

// Sign returns -1, 0, or +1.
func (s SignedD18) Sign() int {
	return s.v.Sign()
}

// Abs returns the magnitude as an unsigned fixed-point value.
func (s SignedD18) Abs() D18 {
	return D18{v: s.v.Abs()}
}

var oneE18 = decimal.New(1, 18)

// Rescale converts an integer amount between token decimal precisions
// through the 18-decimal intermediate. Downscaling truncates (RoundDown)
// or rounds away from zero (RoundUp); loss is bounded by one smallest unit
// of the target precision.
func Rescale(amount decimal.Decimal, fromDecimals, toDecimals int32, mode Rounding) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	shifted := amount.Shift(toDecimals - fromDecimals)
	return round(shifted, 0, mode), nil
}

func round(v decimal.Decimal, places int32, mode Rounding) decimal.Decimal {
	if mode == RoundUp {
		return v.RoundUp(places)
	}
	return v.RoundDown(places)
}
