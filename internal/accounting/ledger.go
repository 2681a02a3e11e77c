// Package accounting implements per-pool double-entry bookkeeping behind an
// explicit unlock/post/lock protocol.
//
// A single global transaction window serializes all mutation: exactly one
// pool may be unlocked at a time, postings accumulate in the window, and
// Lock only commits when the window's debits equal its credits. Until then
// nothing a posting did is visible through any read. The ledger knows
// nothing about holdings or valuation; it is a generic primitive the layers
// above drive.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poolhub/ledger-engine/internal/auth"
	"github.com/poolhub/ledger-engine/internal/model"
)

var (
	// ErrAccountingLocked is returned when a posting or Lock/Abort is
	// attempted while no pool is unlocked.
	ErrAccountingLocked = errors.New("accounting: no pool unlocked")

	// ErrAlreadyUnlocked is returned by Unlock while any pool's window is
	// open, regardless of which pool.
	ErrAlreadyUnlocked = errors.New("accounting: a pool is already unlocked")

	// ErrAccountNotFound is returned for postings or reads against an
	// account that was never created.
	ErrAccountNotFound = errors.New("accounting: account does not exist")

	// ErrAccountExists is returned by CreateAccount for a duplicate id.
	ErrAccountExists = errors.New("accounting: account already exists")

	// ErrUnbalanced is returned by Lock when the window's debits and
	// credits differ. The window stays open with its entries intact.
	ErrUnbalanced = errors.New("accounting: window debits != credits")

	// ErrInvalidAmount is returned for zero, negative, or fractional
	// posting amounts. The ledger deals in integer base units only.
	ErrInvalidAmount = errors.New("accounting: amount must be a positive integer")

	// ErrAmountOverflow is returned when a posting would push a running
	// total past the signed 128-bit ceiling. The posting is rejected
	// rather than wrapped.
	ErrAmountOverflow = errors.New("accounting: running total would exceed signed 128-bit range")

	// ErrPoolNotFound is returned when the pool registry does not know
	// the pool being unlocked or created against.
	ErrPoolNotFound = errors.New("accounting: pool not registered")
)

// PoolChecker is the slice of the pool registry the ledger consults.
type PoolChecker interface {
	Exists(model.PoolID) bool
}

// window is the transient state between Unlock and Lock: per-account
// pending deltas plus the running debit/credit totals, applied to the
// committed accounts only when Lock balances.
type window struct {
	pool        model.PoolID
	totalDebit  decimal.Decimal
	totalCredit decimal.Decimal
	debits      map[model.AccountID]decimal.Decimal
	credits     map[model.AccountID]decimal.Decimal
	entries     []model.JournalEntry
}

// Ledger is the double-entry engine. Safe for concurrent use; one mutex
// guards both the account book and the single global window.
type Ledger struct {
	wards *auth.Wards
	pools PoolChecker

	mu       sync.Mutex
	accounts map[model.PoolID]map[model.AccountID]*model.Account
	seq      map[model.PoolID]uint64
	open     *window // nil while locked
}

// New creates a ledger whose mutators admit the given callers and which
// validates pools against the given registry.
func New(wards *auth.Wards, pools PoolChecker) *Ledger {
	return &Ledger{
		wards:    wards,
		pools:    pools,
		accounts: make(map[model.PoolID]map[model.AccountID]*model.Account),
		seq:      make(map[model.PoolID]uint64),
	}
}

// Unlock opens the transaction window for one pool.
func (l *Ledger) Unlock(ctx context.Context, pool model.PoolID) error {
	if err := l.wards.Check(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open != nil {
		return ErrAlreadyUnlocked
	}
	if !l.pools.Exists(pool) {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, pool)
	}

	l.open = &window{
		pool:    pool,
		debits:  make(map[model.AccountID]decimal.Decimal),
		credits: make(map[model.AccountID]decimal.Decimal),
	}
	return nil
}

// Lock commits the open window. It succeeds only when the window's total
// debits equal its total credits; otherwise ErrUnbalanced is returned and
// the window stays open, pending entries intact, so the caller can post
// corrective entries and retry. On success the finalized journal entries
// are returned for persistence and broadcast.
func (l *Ledger) Lock(ctx context.Context) ([]model.JournalEntry, error) {
	if err := l.wards.Check(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open == nil {
		return nil, ErrAccountingLocked
	}
	w := l.open
	if !w.totalDebit.Equal(w.totalCredit) {
		return nil, fmt.Errorf("%w: debit=%s credit=%s", ErrUnbalanced, w.totalDebit, w.totalCredit)
	}

	now := time.Now().UTC()
	book := l.accounts[w.pool]
	for id, delta := range w.debits {
		acc := book[id]
		acc.TotalDebit = acc.TotalDebit.Add(delta)
		acc.LastUpdated = now
	}
	for id, delta := range w.credits {
		acc := book[id]
		acc.TotalCredit = acc.TotalCredit.Add(delta)
		acc.LastUpdated = now
	}
	l.seq[w.pool] += uint64(len(w.entries))

	entries := w.entries
	l.open = nil
	return entries, nil
}

// Abort discards the open window and every pending entry in it. This is
// the in-process analogue of the host transaction reverting.
func (l *Ledger) Abort(ctx context.Context) error {
	if err := l.wards.Check(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open == nil {
		return ErrAccountingLocked
	}
	l.open = nil
	return nil
}

// CreateAccount registers a ledger account with zeroed totals. Accounts
// are never deleted; they persist for audit history at zero balance.
// Creation does not require an open window.
func (l *Ledger) CreateAccount(ctx context.Context, pool model.PoolID, id model.AccountID, debitNormal bool) error {
	if err := l.wards.Check(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pools.Exists(pool) {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, pool)
	}

	book, ok := l.accounts[pool]
	if !ok {
		book = make(map[model.AccountID]*model.Account)
		l.accounts[pool] = book
	}
	if _, ok := book[id]; ok {
		return fmt.Errorf("%w: pool %s account %s", ErrAccountExists, pool, id)
	}

	book[id] = &model.Account{
		PoolID:      pool,
		ID:          id,
		DebitNormal: debitNormal,
		TotalDebit:  decimal.Zero,
		TotalCredit: decimal.Zero,
		LastUpdated: time.Now().UTC(),
	}
	return nil
}

// AddDebit posts a debit against an account in the unlocked pool.
func (l *Ledger) AddDebit(ctx context.Context, id model.AccountID, amount decimal.Decimal) error {
	if err := l.wards.Check(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validatePosting(id, amount, model.Debit); err != nil {
		return err
	}
	l.applyPosting(id, amount, model.Debit)
	return nil
}

// AddCredit posts a credit against an account in the unlocked pool.
func (l *Ledger) AddCredit(ctx context.Context, id model.AccountID, amount decimal.Decimal) error {
	if err := l.wards.Check(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validatePosting(id, amount, model.Credit); err != nil {
		return err
	}
	l.applyPosting(id, amount, model.Credit)
	return nil
}

// UpdateEntry posts one credit and one debit of the same amount in a
// single call. Both postings are validated before either applies, so the
// pair can never unbalance the window on its own.
func (l *Ledger) UpdateEntry(ctx context.Context, creditID, debitID model.AccountID, amount decimal.Decimal) error {
	if err := l.wards.Check(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validatePosting(creditID, amount, model.Credit); err != nil {
		return err
	}
	if err := l.validatePosting(debitID, amount, model.Debit); err != nil {
		return err
	}
	l.applyPosting(creditID, amount, model.Credit)
	l.applyPosting(debitID, amount, model.Debit)
	return nil
}

// validatePosting checks window state, account existence, amount shape,
// and 128-bit headroom. Caller holds l.mu.
func (l *Ledger) validatePosting(id model.AccountID, amount decimal.Decimal, dir model.Direction) error {
	if l.open == nil {
		return ErrAccountingLocked
	}
	if amount.Sign() <= 0 || !amount.IsInteger() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	acc, ok := l.accounts[l.open.pool][id]
	if !ok {
		return fmt.Errorf("%w: pool %s account %s", ErrAccountNotFound, l.open.pool, id)
	}

	// Committed total + pending window delta + this posting must stay
	// inside the signed 128-bit range. Checked here so overflow fails
	// loudly at the posting, never silently at commit.
	var committed, pending decimal.Decimal
	if dir == model.Debit {
		committed, pending = acc.TotalDebit, l.open.debits[id]
	} else {
		committed, pending = acc.TotalCredit, l.open.credits[id]
	}
	if committed.Add(pending).Add(amount).GreaterThan(model.MaxInt128) {
		return fmt.Errorf("%w: pool %s account %s", ErrAmountOverflow, l.open.pool, id)
	}
	return nil
}

// applyPosting records a validated posting in the window. Caller holds l.mu.
func (l *Ledger) applyPosting(id model.AccountID, amount decimal.Decimal, dir model.Direction) {
	w := l.open
	if dir == model.Debit {
		w.debits[id] = w.debits[id].Add(amount)
		w.totalDebit = w.totalDebit.Add(amount)
	} else {
		w.credits[id] = w.credits[id].Add(amount)
		w.totalCredit = w.totalCredit.Add(amount)
	}

	w.entries = append(w.entries, model.JournalEntry{
		ID:        uuid.New().String(),
		PoolID:    w.pool,
		AccountID: id,
		Direction: dir,
		Amount:    amount,
		Sequence:  l.seq[w.pool] + uint64(len(w.entries)) + 1,
		Timestamp: time.Now().UTC(),
	})
}

// AccountValue returns the committed signed balance. Pending window
// entries are not reflected until Lock succeeds. Works in any window state.
func (l *Ledger) AccountValue(pool model.PoolID, id model.AccountID) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[pool][id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: pool %s account %s", ErrAccountNotFound, pool, id)
	}
	return acc.Balance()
}

// Account returns a snapshot of one account record.
func (l *Ledger) Account(pool model.PoolID, id model.AccountID) (model.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[pool][id]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: pool %s account %s", ErrAccountNotFound, pool, id)
	}
	return *acc, nil
}

// Accounts returns snapshots of every account in a pool.
func (l *Ledger) Accounts(pool model.PoolID) []model.Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	book := l.accounts[pool]
	out := make([]model.Account, 0, len(book))
	for _, acc := range book {
		out = append(out, *acc)
	}
	return out
}

// SetMetadata attaches opaque descriptive bytes to an account. No effect
// on balances and no window required.
func (l *Ledger) SetMetadata(ctx context.Context, pool model.PoolID, id model.AccountID, metadata []byte) error {
	if err := l.wards.Check(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[pool][id]
	if !ok {
		return fmt.Errorf("%w: pool %s account %s", ErrAccountNotFound, pool, id)
	}
	acc.Metadata = metadata
	acc.LastUpdated = time.Now().UTC()
	return nil
}

// Unlocked reports which pool, if any, currently holds the window.
func (l *Ledger) Unlocked() (model.PoolID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open == nil {
		return 0, false
	}
	return l.open.pool, true
}
