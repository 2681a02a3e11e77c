// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth for the audit trail),
// Redis (read-through cache), and in-memory (for testing).
//
// The engines in accounting and holdings are authoritative in-process; the
// store carries committed snapshots and the append-only journal so state
// survives restarts and stays queryable out of band.
package store

import (
	"context"

	"github.com/poolhub/ledger-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pools ---

	// SavePool persists a pool registration.
	SavePool(ctx context.Context, pool *model.Pool) error

	// GetPool retrieves a pool by id.
	GetPool(ctx context.Context, id model.PoolID) (*model.Pool, error)

	// ListPools returns all pools.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// --- Account snapshots ---

	// SaveAccount upserts a committed account snapshot.
	SaveAccount(ctx context.Context, acc *model.Account) error

	// GetAccount retrieves one account snapshot.
	GetAccount(ctx context.Context, pool model.PoolID, id model.AccountID) (*model.Account, error)

	// ListAccounts returns all account snapshots for a pool.
	ListAccounts(ctx context.Context, pool model.PoolID) ([]model.Account, error)

	// --- Holding snapshots ---

	// SaveHolding upserts a committed holding snapshot.
	SaveHolding(ctx context.Context, h *model.Holding) error

	// GetHolding retrieves one holding snapshot.
	GetHolding(ctx context.Context, pool model.PoolID, sc model.ShareClassID, asset model.AssetID) (*model.Holding, error)

	// ListHoldings returns all holding snapshots for a pool.
	ListHoldings(ctx context.Context, pool model.PoolID) ([]model.Holding, error)

	// --- Immutable journal ---

	// InsertJournalEntries appends committed journal entries.
	InsertJournalEntries(ctx context.Context, entries []model.JournalEntry) error

	// GetJournalByPool returns a pool's journal in sequence order.
	GetJournalByPool(ctx context.Context, pool model.PoolID) ([]model.JournalEntry, error)

	// GetJournalByAccount returns one account's journal in sequence order.
	GetJournalByAccount(ctx context.Context, pool model.PoolID, id model.AccountID) ([]model.JournalEntry, error)
}
