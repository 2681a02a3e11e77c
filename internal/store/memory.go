package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/poolhub/ledger-engine/internal/model"
)

type accountKey struct {
	pool model.PoolID
	id   model.AccountID
}

type holdingKey struct {
	pool  model.PoolID
	sc    model.ShareClassID
	asset model.AssetID
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	pools    map[model.PoolID]*model.Pool
	accounts map[accountKey]*model.Account
	holdings map[holdingKey]*model.Holding
	journal  []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[model.PoolID]*model.Pool),
		accounts: make(map[accountKey]*model.Account),
		holdings: make(map[holdingKey]*model.Holding),
	}
}

func (s *MemoryStore) SavePool(_ context.Context, pool *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *pool
	s.pools[pool.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id model.PoolID) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s not found", id)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *acc
	s.accounts[accountKey{acc.PoolID, acc.ID}] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, pool model.PoolID, id model.AccountID) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountKey{pool, id}]
	if !ok {
		return nil, fmt.Errorf("account %s not found in pool %s", id, pool)
	}
	copy := *acc
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, pool model.PoolID) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var accounts []model.Account
	for k, acc := range s.accounts {
		if k.pool == pool {
			accounts = append(accounts, *acc)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ID.String() < accounts[j].ID.String()
	})
	return accounts, nil
}

func (s *MemoryStore) SaveHolding(_ context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *h
	s.holdings[holdingKey{h.PoolID, h.ShareClassID, h.AssetID}] = &copy
	return nil
}

func (s *MemoryStore) GetHolding(_ context.Context, pool model.PoolID, sc model.ShareClassID, asset model.AssetID) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey{pool, sc, asset}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s not found in pool %s", sc, asset, pool)
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, pool model.PoolID) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holdings []model.Holding
	for k, h := range s.holdings {
		if k.pool == pool {
			holdings = append(holdings, *h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool {
		if holdings[i].ShareClassID != holdings[j].ShareClassID {
			return holdings[i].ShareClassID < holdings[j].ShareClassID
		}
		return holdings[i].AssetID < holdings[j].AssetID
	})
	return holdings, nil
}

func (s *MemoryStore) InsertJournalEntries(_ context.Context, entries []model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, entries...)
	return nil
}

func (s *MemoryStore) GetJournalByPool(_ context.Context, pool model.PoolID) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.PoolID == pool {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

func (s *MemoryStore) GetJournalByAccount(_ context.Context, pool model.PoolID, id model.AccountID) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.PoolID == pool && e.AccountID == id {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}
