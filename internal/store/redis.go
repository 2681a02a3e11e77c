package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poolhub/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for pool, account, and holding snapshots. Writes go to the primary
// store and refresh or invalidate the cache; reads check Redis first then
// fall back to the primary. The journal is append-only and never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func poolKey(id model.PoolID) string {
	return "ledger:pool:" + id.String()
}

func acctKey(pool model.PoolID, id model.AccountID) string {
	return fmt.Sprintf("ledger:account:%s:%s", pool, id)
}

func holdKey(pool model.PoolID, sc model.ShareClassID, asset model.AssetID) string {
	return fmt.Sprintf("ledger:holding:%s:%s:%s", pool, sc, asset)
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) SavePool(ctx context.Context, p *model.Pool) error {
	if err := s.primary.SavePool(ctx, p); err != nil {
		return err
	}
	s.cacheSet(ctx, poolKey(p.ID), p)
	return nil
}

func (s *CachedStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	if err := s.primary.SaveAccount(ctx, acc); err != nil {
		return err
	}
	// Invalidate; next read re-populates with what the primary holds.
	s.rdb.Del(ctx, acctKey(acc.PoolID, acc.ID))
	return nil
}

func (s *CachedStore) SaveHolding(ctx context.Context, h *model.Holding) error {
	if err := s.primary.SaveHolding(ctx, h); err != nil {
		return err
	}
	s.rdb.Del(ctx, holdKey(h.PoolID, h.ShareClassID, h.AssetID))
	return nil
}

func (s *CachedStore) InsertJournalEntries(ctx context.Context, entries []model.JournalEntry) error {
	return s.primary.InsertJournalEntries(ctx, entries)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id model.PoolID) (*model.Pool, error) {
	var p model.Pool
	if s.cacheGet(ctx, poolKey(id), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, poolKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, pool model.PoolID, id model.AccountID) (*model.Account, error) {
	var acc model.Account
	if s.cacheGet(ctx, acctKey(pool, id), &acc) {
		return &acc, nil
	}

	fresh, err := s.primary.GetAccount(ctx, pool, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, acctKey(pool, id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetHolding(ctx context.Context, pool model.PoolID, sc model.ShareClassID, asset model.AssetID) (*model.Holding, error) {
	var h model.Holding
	if s.cacheGet(ctx, holdKey(pool, sc, asset), &h) {
		return &h, nil
	}

	fresh, err := s.primary.GetHolding(ctx, pool, sc, asset)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, holdKey(pool, sc, asset), fresh)
	return fresh, nil
}

// --- Pass-through (list and journal queries go to the primary) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListAccounts(ctx context.Context, pool model.PoolID) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx, pool)
}

func (s *CachedStore) ListHoldings(ctx context.Context, pool model.PoolID) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, pool)
}

func (s *CachedStore) GetJournalByPool(ctx context.Context, pool model.PoolID) ([]model.JournalEntry, error) {
	return s.primary.GetJournalByPool(ctx, pool)
}

func (s *CachedStore) GetJournalByAccount(ctx context.Context, pool model.PoolID, id model.AccountID) ([]model.JournalEntry, error) {
	return s.primary.GetJournalByAccount(ctx, pool, id)
}

// cacheGet loads a JSON value from Redis. Cache failures are treated as
// misses; the primary store stays authoritative.
func (s *CachedStore) cacheGet(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// cacheSet stores a JSON value in Redis, best-effort.
func (s *CachedStore) cacheSet(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, key, data, s.ttl)
}
