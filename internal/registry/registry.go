// Package registry is the source of truth for pool existence and each
// pool's accounting currency. The accounting ledger and the holdings
// registry consult it before touching pool-partitioned state.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/poolhub/ledger-engine/internal/auth"
	"github.com/poolhub/ledger-engine/internal/model"
)

var (
	// ErrPoolNotFound is returned for operations on unregistered pools.
	ErrPoolNotFound = errors.New("registry: pool not found")

	// ErrPoolExists is returned when registering a pool twice.
	ErrPoolExists = errors.New("registry: pool already exists")

	// ErrWrongCurrency is returned when a pool is registered with an
	// empty accounting currency.
	ErrWrongCurrency = errors.New("registry: empty accounting currency")
)

// Registry tracks registered pools. Safe for concurrent use.
type Registry struct {
	wards *auth.Wards
	mu    sync.RWMutex
	pools map[model.PoolID]model.Pool
}

// New creates a registry whose mutators admit the given callers.
func New(wards *auth.Wards) *Registry {
	return &Registry{
		wards: wards,
		pools: make(map[model.PoolID]model.Pool),
	}
}

// Register adds a pool with its accounting currency.
func (r *Registry) Register(ctx context.Context, pool model.PoolID, currency model.AssetID) error {
	if err := r.wards.Check(ctx); err != nil {
		return err
	}
	if currency == "" {
		return ErrWrongCurrency
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[pool]; ok {
		return ErrPoolExists
	}
	r.pools[pool] = model.Pool{ID: pool, Currency: currency, CreatedAt: time.Now().UTC()}
	return nil
}

// Exists reports whether the pool is registered.
func (r *Registry) Exists(pool model.PoolID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[pool]
	return ok
}

// Currency returns the pool's accounting currency.
func (r *Registry) Currency(pool model.PoolID) (model.AssetID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[pool]
	if !ok {
		return "", ErrPoolNotFound
	}
	return p.Currency, nil
}

// Pools returns a snapshot of all registered pools.
func (r *Registry) Pools() []model.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}
