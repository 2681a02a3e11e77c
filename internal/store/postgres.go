package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/poolhub/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// account ids use their canonical {kind}:{number} text form.
//
// Expected tables: pools, accounts (PK pool_id, id), holdings
// (PK pool_id, share_class_id, asset_id), journal_entries (append-only).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SavePool(ctx context.Context, p *model.Pool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (id, currency, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET currency = EXCLUDED.currency`,
		int64(p.ID), string(p.Currency), p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, id model.PoolID) (*model.Pool, error) {
	var p model.Pool
	var poolID int64
	var currency string

	err := s.pool.QueryRow(ctx,
		`SELECT id, currency, created_at FROM pools WHERE id = $1`, int64(id)).
		Scan(&poolID, &currency, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	p.ID = model.PoolID(poolID)
	p.Currency = model.AssetID(currency)
	return &p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, currency, created_at FROM pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		var p model.Pool
		var poolID int64
		var currency string
		if err := rows.Scan(&poolID, &currency, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.ID = model.PoolID(poolID)
		p.Currency = model.AssetID(currency)
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (pool_id, id, debit_normal, total_debit, total_credit, metadata, last_updated)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (pool_id, id) DO UPDATE
		 SET total_debit = EXCLUDED.total_debit,
		     total_credit = EXCLUDED.total_credit,
		     metadata = EXCLUDED.metadata,
		     last_updated = EXCLUDED.last_updated`,
		int64(acc.PoolID), acc.ID.String(), acc.DebitNormal,
		acc.TotalDebit.String(), acc.TotalCredit.String(),
		acc.Metadata, acc.LastUpdated,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, pool model.PoolID, id model.AccountID) (*model.Account, error) {
	var acc model.Account
	var poolID int64
	var idS, totalDebit, totalCredit string

	err := s.pool.QueryRow(ctx,
		`SELECT pool_id, id, debit_normal,
		        total_debit::TEXT, total_credit::TEXT,
		        metadata, last_updated
		 FROM accounts WHERE pool_id = $1 AND id = $2`,
		int64(pool), id.String()).
		Scan(&poolID, &idS, &acc.DebitNormal,
			&totalDebit, &totalCredit,
			&acc.Metadata, &acc.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("get account %s in pool %s: %w", id, pool, err)
	}

	acc.PoolID = model.PoolID(poolID)
	acc.ID, _ = model.ParseAccountID(idS)
	acc.TotalDebit, _ = decimal.NewFromString(totalDebit)
	acc.TotalCredit, _ = decimal.NewFromString(totalCredit)

	return &acc, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, pool model.PoolID) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, id, debit_normal,
		        total_debit::TEXT, total_credit::TEXT,
		        metadata, last_updated
		 FROM accounts WHERE pool_id = $1 ORDER BY id`, int64(pool))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var acc model.Account
		var poolID int64
		var idS, totalDebit, totalCredit string
		if err := rows.Scan(&poolID, &idS, &acc.DebitNormal,
			&totalDebit, &totalCredit,
			&acc.Metadata, &acc.LastUpdated); err != nil {
			return nil, err
		}
		acc.PoolID = model.PoolID(poolID)
		acc.ID, _ = model.ParseAccountID(idS)
		acc.TotalDebit, _ = decimal.NewFromString(totalDebit)
		acc.TotalCredit, _ = decimal.NewFromString(totalCredit)
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) SaveHolding(ctx context.Context, h *model.Holding) error {
	bindings, err := json.Marshal(h.Accounts)
	if err != nil {
		return fmt.Errorf("marshal holding accounts: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO holdings (pool_id, share_class_id, asset_id, quantity, value, accounts, last_updated)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::JSONB, $7)
		 ON CONFLICT (pool_id, share_class_id, asset_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     value = EXCLUDED.value,
		     accounts = EXCLUDED.accounts,
		     last_updated = EXCLUDED.last_updated`,
		int64(h.PoolID), string(h.ShareClassID), string(h.AssetID),
		h.Quantity.String(), h.Value.String(),
		bindings, h.LastUpdated,
	)
	return err
}

func (s *PostgresStore) GetHolding(ctx context.Context, pool model.PoolID, sc model.ShareClassID, asset model.AssetID) (*model.Holding, error) {
	var h model.Holding
	var poolID int64
	var scS, assetS, quantity, value string
	var bindings []byte

	err := s.pool.QueryRow(ctx,
		`SELECT pool_id, share_class_id, asset_id,
		        quantity::TEXT, value::TEXT,
		        accounts, last_updated
		 FROM holdings WHERE pool_id = $1 AND share_class_id = $2 AND asset_id = $3`,
		int64(pool), string(sc), string(asset)).
		Scan(&poolID, &scS, &assetS, &quantity, &value, &bindings, &h.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s in pool %s: %w", sc, asset, pool, err)
	}

	h.PoolID = model.PoolID(poolID)
	h.ShareClassID = model.ShareClassID(scS)
	h.AssetID = model.AssetID(assetS)
	h.Quantity, _ = decimal.NewFromString(quantity)
	h.Value, _ = decimal.NewFromString(value)
	if err := json.Unmarshal(bindings, &h.Accounts); err != nil {
		return nil, fmt.Errorf("unmarshal holding accounts: %w", err)
	}

	return &h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, pool model.PoolID) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, share_class_id, asset_id,
		        quantity::TEXT, value::TEXT,
		        accounts, last_updated
		 FROM holdings WHERE pool_id = $1
		 ORDER BY share_class_id, asset_id`, int64(pool))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var poolID int64
		var scS, assetS, quantity, value string
		var bindings []byte
		if err := rows.Scan(&poolID, &scS, &assetS, &quantity, &value, &bindings, &h.LastUpdated); err != nil {
			return nil, err
		}
		h.PoolID = model.PoolID(poolID)
		h.ShareClassID = model.ShareClassID(scS)
		h.AssetID = model.AssetID(assetS)
		h.Quantity, _ = decimal.NewFromString(quantity)
		h.Value, _ = decimal.NewFromString(value)
		if err := json.Unmarshal(bindings, &h.Accounts); err != nil {
			return nil, fmt.Errorf("unmarshal holding accounts: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) InsertJournalEntries(ctx context.Context, entries []model.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// One transaction per locked window so the audit trail commits
	// all-or-nothing, matching the ledger's own guarantee.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO journal_entries (id, pool_id, account_id, direction, amount, sequence, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
			e.ID, int64(e.PoolID), e.AccountID.String(), string(e.Direction),
			e.Amount.String(), int64(e.Sequence), e.Timestamp,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetJournalByPool(ctx context.Context, pool model.PoolID) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pool_id, account_id, direction, amount::TEXT, sequence, timestamp
		 FROM journal_entries WHERE pool_id = $1 ORDER BY sequence`, int64(pool))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

func (s *PostgresStore) GetJournalByAccount(ctx context.Context, pool model.PoolID, id model.AccountID) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pool_id, account_id, direction, amount::TEXT, sequence, timestamp
		 FROM journal_entries WHERE pool_id = $1 AND account_id = $2 ORDER BY sequence`,
		int64(pool), id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

// pgxRows is the slice of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanJournalEntries(rows pgxRows) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var poolID, sequence int64
		var accountID, direction, amount string

		if err := rows.Scan(&e.ID, &poolID, &accountID, &direction, &amount, &sequence, &e.Timestamp); err != nil {
			return nil, err
		}

		e.PoolID = model.PoolID(poolID)
		e.AccountID, _ = model.ParseAccountID(accountID)
		e.Direction = model.Direction(direction)
		e.Amount, _ = decimal.NewFromString(amount)
		e.Sequence = uint64(sequence)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
