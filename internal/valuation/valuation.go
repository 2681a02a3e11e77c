// Package valuation defines the pluggable strategies that convert a
// quantity of a base asset into an amount of a quote asset (typically the
// pool's accounting currency).
//
// Providers are read-only and deterministic for a given state snapshot:
// a quote must never mutate ledger or holdings state. The four shipped
// strategies are
//
//	Identity  - price 1, rescaled across asset decimal precisions
//	OneToOne  - unit parity, no rescaling at all
//	Transient - admin-set override price, per instance
//	Oracle    - externally fed price table per (base, quote) pair
package valuation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/poolhub/ledger-engine/internal/d18"
	"github.com/poolhub/ledger-engine/internal/model"
)

var (
	// ErrPriceNotFound is returned by the oracle provider when no price
	// has been fed for the requested pair.
	ErrPriceNotFound = errors.New("valuation: no price for asset pair")

	// ErrUnknownDecimals is returned when an asset's decimal precision
	// cannot be resolved.
	ErrUnknownDecimals = errors.New("valuation: unknown asset decimals")
)

// Provider converts baseAmount units of base into an amount of quote.
type Provider interface {
	Quote(baseAmount decimal.Decimal, base, quote model.AssetID) (decimal.Decimal, error)
}

// DecimalsFunc resolves an asset's decimal precision (6 for USDC-style
// tokens, 18 for most others).
type DecimalsFunc func(model.AssetID) (int32, error)

// FixedDecimals returns a DecimalsFunc that resolves every asset to the
// same precision. Handy for tests and single-precision deployments.
func FixedDecimals(d int32) DecimalsFunc {
	return func(model.AssetID) (int32, error) {
		return d, nil
	}
}

// priceQuote shifts amount into 18-decimal space, applies price, and
// shifts into the quote asset's precision. Truncating throughout, so the
// pool never credits more than the price justifies.
func priceQuote(amount decimal.Decimal, price d18.D18, baseDec, quoteDec int32) (decimal.Decimal, error) {
	v18, err := d18.Rescale(amount, baseDec, d18.Scale, d18.RoundDown)
	if err != nil {
		return decimal.Zero, err
	}
	q18, err := price.MulInt(v18, d18.RoundDown)
	if err != nil {
		return decimal.Zero, err
	}
	return d18.Rescale(q18, d18.Scale, quoteDec, d18.RoundDown)
}

// Identity quotes at price 1.0, rescaled between the two assets' decimal
// precisions. Precision loss when downscaling is bounded by one smallest
// unit of the quote asset.
type Identity struct {
	decimals DecimalsFunc
}

// NewIdentity creates an identity valuation over the given decimals lookup.
func NewIdentity(decimals DecimalsFunc) *Identity {
	return &Identity{decimals: decimals}
}

func (v *Identity) Quote(baseAmount decimal.Decimal, base, quote model.AssetID) (decimal.Decimal, error) {
	baseDec, err := v.decimals(base)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownDecimals, base)
	}
	quoteDec, err := v.decimals(quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownDecimals, quote)
	}
	return priceQuote(baseAmount, d18.One(), baseDec, quoteDec)
}

// OneToOne quotes every amount unchanged: one base unit is one quote unit,
// decimals and all.
type OneToOne struct{}

// NewOneToOne creates a unit-parity valuation.
func NewOneToOne() *OneToOne {
	return &OneToOne{}
}

func (v *OneToOne) Quote(baseAmount decimal.Decimal, _, _ model.AssetID) (decimal.Decimal, error) {
	if baseAmount.IsNegative() {
		return decimal.Zero, d18.ErrNegative
	}
	return baseAmount, nil
}

// Transient carries a single admin-set override price. It is explicit,
// caller-managed config state on the instance, not a shared singleton, so
// two pools can hold two Transient providers at different prices.
type Transient struct {
	mu    sync.RWMutex
	price d18.D18

	decimals DecimalsFunc
}

// NewTransient creates a transient valuation at the given starting price.
func NewTransient(price d18.D18, decimals DecimalsFunc) *Transient {
	return &Transient{price: price, decimals: decimals}
}

// SetPrice swaps the override price. Privileged: the orchestration layer
// exposes this only to admin callers.
func (v *Transient) SetPrice(price d18.D18) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.price = price
}

// Price returns the current override price.
func (v *Transient) Price() d18.D18 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.price
}

func (v *Transient) Quote(baseAmount decimal.Decimal, base, quote model.AssetID) (decimal.Decimal, error) {
	baseDec, err := v.decimals(base)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownDecimals, base)
	}
	quoteDec, err := v.decimals(quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownDecimals, quote)
	}
	return priceQuote(baseAmount, v.Price(), baseDec, quoteDec)
}

type pairKey struct {
	base, quote model.AssetID
}

// Oracle quotes from a price table fed per (base, quote) pair by an
// external feed. Quoting a pair that was never fed fails rather than
// defaulting, a silent price of zero would zero out holdings.
type Oracle struct {
	mu     sync.RWMutex
	prices map[pairKey]d18.D18

	decimals DecimalsFunc
}

// NewOracle creates an oracle valuation with an empty price table.
func NewOracle(decimals DecimalsFunc) *Oracle {
	return &Oracle{
		prices:   make(map[pairKey]d18.D18),
		decimals: decimals,
	}
}

// SetPrice feeds the price for one pair.
func (v *Oracle) SetPrice(base, quote model.AssetID, price d18.D18) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[pairKey{base, quote}] = price
}

func (v *Oracle) Quote(baseAmount decimal.Decimal, base, quote model.AssetID) (decimal.Decimal, error) {
	v.mu.RLock()
	price, ok := v.prices[pairKey{base, quote}]
	v.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrPriceNotFound, base, quote)
	}

	baseDec, err := v.decimals(base)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownDecimals, base)
	}
	quoteDec, err := v.decimals(quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownDecimals, quote)
	}
	return priceQuote(baseAmount, price, baseDec, quoteDec)
}
