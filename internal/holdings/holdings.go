// Package holdings tracks, per (pool, share class, asset), the quantity
// held and its last-computed value in the pool's accounting currency,
// together with the account-role bindings the orchestration layer posts
// ledger entries against.
//
// This package computes valuation deltas; it never touches the accounting
// ledger itself. Whoever mutates a holding must post the matching balanced
// entries in the same unlocked ledger window (see the hub package, which
// makes that coordination explicit).
package holdings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolhub/ledger-engine/internal/auth"
	"github.com/poolhub/ledger-engine/internal/model"
	"github.com/poolhub/ledger-engine/internal/valuation"
)

var (
	// ErrHoldingNotFound is returned for operations on a (pool, share
	// class, asset) triple with no holding.
	ErrHoldingNotFound = errors.New("holdings: holding not found")

	// ErrHoldingExists is returned by Create for a triple that already
	// has a holding. Re-creation does not silently overwrite; a stale
	// non-zero balance must be dealt with explicitly.
	ErrHoldingExists = errors.New("holdings: holding already exists")

	// ErrWrongValuation is returned when a nil valuation provider is
	// supplied.
	ErrWrongValuation = errors.New("holdings: nil valuation provider")

	// ErrWrongShareClass is returned for an empty share class id.
	ErrWrongShareClass = errors.New("holdings: empty share class id")

	// ErrWrongAsset is returned for an empty asset id.
	ErrWrongAsset = errors.New("holdings: empty asset id")

	// ErrAssetNotAllowed is returned by Create when the asset is not on
	// the pool's allow-list.
	ErrAssetNotAllowed = errors.New("holdings: asset not allowed for pool")

	// ErrInsufficientHolding is returned when a decrease exceeds the
	// held quantity.
	ErrInsufficientHolding = errors.New("holdings: decrease exceeds held quantity")

	// ErrValueUnderflow is returned when a decrease's quoted value
	// exceeds the recorded value. The caller should revalue (Update)
	// first so the stale value catches up with the price.
	ErrValueUnderflow = errors.New("holdings: decrease value exceeds recorded value, revalue first")

	// ErrInvalidQuantity is returned for zero, negative, or fractional
	// quantity deltas.
	ErrInvalidQuantity = errors.New("holdings: quantity must be a positive integer")

	// ErrPoolNotFound is returned when the pool registry does not know
	// the pool.
	ErrPoolNotFound = errors.New("holdings: pool not registered")

	// ErrAccountNotBound is returned when a holding has no account bound
	// for the requested role.
	ErrAccountNotBound = errors.New("holdings: no account bound for role")
)

// PoolInfo is the slice of the pool registry the holdings layer consults.
type PoolInfo interface {
	Exists(model.PoolID) bool
	Currency(model.PoolID) (model.AssetID, error)
}

type key struct {
	pool  model.PoolID
	sc    model.ShareClassID
	asset model.AssetID
}

// record pairs the holding snapshot with its stored default provider.
// The provider stays out of model.Holding so snapshots serialize cleanly.
type record struct {
	holding  model.Holding
	provider valuation.Provider
}

// Registry is the holdings book. Safe for concurrent use.
type Registry struct {
	wards *auth.Wards
	pools PoolInfo

	mu       sync.RWMutex
	holdings map[key]*record
	allowed  map[model.PoolID]map[model.AssetID]bool
}

// New creates a holdings registry whose mutators admit the given callers.
func New(wards *auth.Wards, pools PoolInfo) *Registry {
	return &Registry{
		wards:    wards,
		pools:    pools,
		holdings: make(map[key]*record),
		allowed:  make(map[model.PoolID]map[model.AssetID]bool),
	}
}

// AllowAsset maintains the per-pool allow-list that Create consults.
func (r *Registry) AllowAsset(ctx context.Context, pool model.PoolID, asset model.AssetID, allowed bool) error {
	if err := r.wards.Check(ctx); err != nil {
		return err
	}
	if !r.pools.Exists(pool) {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, pool)
	}
	if asset == "" {
		return ErrWrongAsset
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.allowed[pool]
	if !ok {
		set = make(map[model.AssetID]bool)
		r.allowed[pool] = set
	}
	if allowed {
		set[asset] = true
	} else {
		delete(set, asset)
	}
	return nil
}

// IsAllowed reports whether the asset is on the pool's allow-list.
func (r *Registry) IsAllowed(pool model.PoolID, asset model.AssetID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[pool][asset]
}

// Create registers a holding with zero quantity and value, a stored
// default valuation provider, and the supplied account-role bindings.
func (r *Registry) Create(
	ctx context.Context,
	pool model.PoolID,
	sc model.ShareClassID,
	asset model.AssetID,
	provider valuation.Provider,
	accounts map[model.AccountKind]model.AccountID,
) error {
	if err := r.wards.Check(ctx); err != nil {
		return err
	}
	if provider == nil {
		return ErrWrongValuation
	}
	if sc == "" {
		return ErrWrongShareClass
	}
	if asset == "" {
		return ErrWrongAsset
	}
	if !r.pools.Exists(pool) {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, pool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.allowed[pool][asset] {
		return fmt.Errorf("%w: pool %s asset %s", ErrAssetNotAllowed, pool, asset)
	}
	k := key{pool, sc, asset}
	if _, ok := r.holdings[k]; ok {
		return fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingExists, pool, sc, asset)
	}

	bound := make(map[model.AccountKind]model.AccountID, len(accounts))
	for kind, id := range accounts {
		bound[kind] = id
	}
	r.holdings[k] = &record{
		holding: model.Holding{
			PoolID:       pool,
			ShareClassID: sc,
			AssetID:      asset,
			Quantity:     decimal.Zero,
			Value:        decimal.Zero,
			Accounts:     bound,
			LastUpdated:  time.Now().UTC(),
		},
		provider: provider,
	}
	return nil
}

// Increase adds quantity to a holding, valuing the delta with the supplied
// provider (which may differ from the stored default, for one-off
// revaluation). Returns the value delta the caller must post to the ledger.
func (r *Registry) Increase(
	ctx context.Context,
	pool model.PoolID,
	sc model.ShareClassID,
	asset model.AssetID,
	provider valuation.Provider,
	qty decimal.Decimal,
) (decimal.Decimal, error) {
	if err := r.wards.Check(ctx); err != nil {
		return decimal.Zero, err
	}
	if provider == nil {
		return decimal.Zero, ErrWrongValuation
	}
	if qty.Sign() <= 0 || !qty.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}

	delta, err := r.quote(pool, asset, provider, qty)
	if err != nil {
		return decimal.Zero, err
	}

	rec.holding.Quantity = rec.holding.Quantity.Add(qty)
	rec.holding.Value = rec.holding.Value.Add(delta)
	rec.holding.LastUpdated = time.Now().UTC()
	return delta, nil
}

// Decrease removes quantity from a holding, valuing the delta with the
// supplied provider. Returns the value delta the caller must post.
func (r *Registry) Decrease(
	ctx context.Context,
	pool model.PoolID,
	sc model.ShareClassID,
	asset model.AssetID,
	provider valuation.Provider,
	qty decimal.Decimal,
) (decimal.Decimal, error) {
	if err := r.wards.Check(ctx); err != nil {
		return decimal.Zero, err
	}
	if provider == nil {
		return decimal.Zero, ErrWrongValuation
	}
	if qty.Sign() <= 0 || !qty.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}
	if qty.GreaterThan(rec.holding.Quantity) {
		return decimal.Zero, fmt.Errorf("%w: have %s, want %s", ErrInsufficientHolding, rec.holding.Quantity, qty)
	}

	delta, err := r.quote(pool, asset, provider, qty)
	if err != nil {
		return decimal.Zero, err
	}
	if delta.GreaterThan(rec.holding.Value) {
		return decimal.Zero, fmt.Errorf("%w: value %s, decrease %s", ErrValueUnderflow, rec.holding.Value, delta)
	}

	rec.holding.Quantity = rec.holding.Quantity.Sub(qty)
	rec.holding.Value = rec.holding.Value.Sub(delta)
	rec.holding.LastUpdated = time.Now().UTC()
	return delta, nil
}

// Update recomputes the holding's value from its current quantity using
// the stored default provider and returns the signed difference: positive
// for a gain, negative for a loss, zero when the price has not moved.
func (r *Registry) Update(
	ctx context.Context,
	pool model.PoolID,
	sc model.ShareClassID,
	asset model.AssetID,
) (decimal.Decimal, error) {
	if err := r.wards.Check(ctx); err != nil {
		return decimal.Zero, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}

	newValue := decimal.Zero
	if !rec.holding.Quantity.IsZero() {
		var err error
		newValue, err = r.quote(pool, asset, rec.provider, rec.holding.Quantity)
		if err != nil {
			return decimal.Zero, err
		}
	}

	delta := newValue.Sub(rec.holding.Value)
	rec.holding.Value = newValue
	rec.holding.LastUpdated = time.Now().UTC()
	return delta, nil
}

// UpdateValuation swaps the holding's stored default provider.
func (r *Registry) UpdateValuation(
	ctx context.Context,
	pool model.PoolID,
	sc model.ShareClassID,
	asset model.AssetID,
	provider valuation.Provider,
) error {
	if err := r.wards.Check(ctx); err != nil {
		return err
	}
	if provider == nil {
		return ErrWrongValuation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}
	rec.provider = provider
	return nil
}

// SetAccountID rebinds one account-role slot on an existing holding.
func (r *Registry) SetAccountID(
	ctx context.Context,
	pool model.PoolID,
	sc model.ShareClassID,
	asset model.AssetID,
	kind model.AccountKind,
	id model.AccountID,
) error {
	if err := r.wards.Check(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}
	rec.holding.Accounts[kind] = id
	return nil
}

// quote converts qty units of asset into the pool's accounting currency.
// Caller holds r.mu.
func (r *Registry) quote(pool model.PoolID, asset model.AssetID, provider valuation.Provider, qty decimal.Decimal) (decimal.Decimal, error) {
	currency, err := r.pools.Currency(pool)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPoolNotFound, pool)
	}
	return provider.Quote(qty, asset, currency)
}

// Value returns the holding's last-computed value.
func (r *Registry) Value(pool model.PoolID, sc model.ShareClassID, asset model.AssetID) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}
	return rec.holding.Value, nil
}

// Amount returns the holding's quantity.
func (r *Registry) Amount(pool model.PoolID, sc model.ShareClassID, asset model.AssetID) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}
	return rec.holding.Quantity, nil
}

// Valuation returns the holding's stored default provider.
func (r *Registry) Valuation(pool model.PoolID, sc model.ShareClassID, asset model.AssetID) (valuation.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}
	return rec.provider, nil
}

// AccountID returns the account bound to the given role.
func (r *Registry) AccountID(pool model.PoolID, sc model.ShareClassID, asset model.AssetID, kind model.AccountKind) (model.AccountID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return model.AccountID{}, fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}
	id, ok := rec.holding.Accounts[kind]
	if !ok {
		return model.AccountID{}, fmt.Errorf("%w: %s", ErrAccountNotBound, kind)
	}
	return id, nil
}

// Holding returns a snapshot of the full holding record.
func (r *Registry) Holding(pool model.PoolID, sc model.ShareClassID, asset model.AssetID) (model.Holding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.holdings[key{pool, sc, asset}]
	if !ok {
		return model.Holding{}, fmt.Errorf("%w: pool %s share class %s asset %s", ErrHoldingNotFound, pool, sc, asset)
	}
	return snapshot(rec), nil
}

// Holdings returns snapshots of every holding in a pool.
func (r *Registry) Holdings(pool model.PoolID) []model.Holding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Holding
	for k, rec := range r.holdings {
		if k.pool == pool {
			out = append(out, snapshot(rec))
		}
	}
	return out
}

func snapshot(rec *record) model.Holding {
	h := rec.holding
	h.Accounts = make(map[model.AccountKind]model.AccountID, len(rec.holding.Accounts))
	for kind, id := range rec.holding.Accounts {
		h.Accounts[kind] = id
	}
	return h
}
