package accounting_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/poolhub/ledger-engine/internal/accounting"
	"github.com/poolhub/ledger-engine/internal/auth"
	"github.com/poolhub/ledger-engine/internal/model"
	"github.com/poolhub/ledger-engine/internal/registry"
)

var (
	cash   = model.AccountID{Number: 1, Kind: model.KindAsset}
	equity = model.AccountID{Number: 2, Kind: model.KindEquity}

	poolA = model.PoolID(1)
	poolB = model.PoolID(2)
)

func n(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// newTestLedger creates a ledger with pools A and B registered and an
// authorized context.
func newTestLedger(t *testing.T) (*accounting.Ledger, context.Context) {
	t.Helper()
	wards := auth.NewWards("test")
	ctx := auth.WithCaller(context.Background(), "test")

	reg := registry.New(wards)
	if err := reg.Register(ctx, poolA, "USD"); err != nil {
		t.Fatalf("failed to register pool A: %v", err)
	}
	if err := reg.Register(ctx, poolB, "EUR"); err != nil {
		t.Fatalf("failed to register pool B: %v", err)
	}

	return accounting.New(wards, reg), ctx
}

// seedAccounts creates the standard CASH (debit-normal) / EQUITY
// (credit-normal) pair in a pool.
func seedAccounts(t *testing.T, l *accounting.Ledger, ctx context.Context, pool model.PoolID) {
	t.Helper()
	if err := l.CreateAccount(ctx, pool, cash, true); err != nil {
		t.Fatalf("failed to create cash account: %v", err)
	}
	if err := l.CreateAccount(ctx, pool, equity, false); err != nil {
		t.Fatalf("failed to create equity account: %v", err)
	}
}

func balance(t *testing.T, l *accounting.Ledger, pool model.PoolID, id model.AccountID) decimal.Decimal {
	t.Helper()
	b, err := l.AccountValue(pool, id)
	if err != nil {
		t.Fatalf("failed to read balance of %s: %v", id, err)
	}
	return b
}

// --- Account creation ---

func TestCreateAccount_Duplicate(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	err := l.CreateAccount(ctx, poolA, cash, true)
	if !errors.Is(err, accounting.ErrAccountExists) {
		t.Errorf("expected ErrAccountExists, got %v", err)
	}
}

func TestCreateAccount_SameIDAcrossPools(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	// The same numeric id is a different account in a different pool.
	if err := l.CreateAccount(ctx, poolB, cash, true); err != nil {
		t.Errorf("same id in another pool should be allowed: %v", err)
	}
}

func TestCreateAccount_UnknownPool(t *testing.T) {
	l, ctx := newTestLedger(t)
	err := l.CreateAccount(ctx, model.PoolID(99), cash, true)
	if !errors.Is(err, accounting.ErrPoolNotFound) {
		t.Errorf("expected ErrPoolNotFound, got %v", err)
	}
}

// --- Window state machine ---

func TestUnlock_UnknownPool(t *testing.T) {
	l, ctx := newTestLedger(t)
	err := l.Unlock(ctx, model.PoolID(99))
	if !errors.Is(err, accounting.ErrPoolNotFound) {
		t.Errorf("expected ErrPoolNotFound, got %v", err)
	}
}

func TestUnlock_WhileUnlocked(t *testing.T) {
	l, ctx := newTestLedger(t)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// No double window, regardless of pool: not for another pool...
	if err := l.Unlock(ctx, poolB); !errors.Is(err, accounting.ErrAlreadyUnlocked) {
		t.Errorf("expected ErrAlreadyUnlocked for pool B, got %v", err)
	}
	// ...and not for the same pool either.
	if err := l.Unlock(ctx, poolA); !errors.Is(err, accounting.ErrAlreadyUnlocked) {
		t.Errorf("expected ErrAlreadyUnlocked for pool A, got %v", err)
	}
}

func TestPosting_WhileLocked(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.AddDebit(ctx, cash, n(100)); !errors.Is(err, accounting.ErrAccountingLocked) {
		t.Errorf("expected ErrAccountingLocked for AddDebit, got %v", err)
	}
	if err := l.AddCredit(ctx, equity, n(100)); !errors.Is(err, accounting.ErrAccountingLocked) {
		t.Errorf("expected ErrAccountingLocked for AddCredit, got %v", err)
	}
	if _, err := l.Lock(ctx); !errors.Is(err, accounting.ErrAccountingLocked) {
		t.Errorf("expected ErrAccountingLocked for Lock, got %v", err)
	}
	if err := l.Abort(ctx); !errors.Is(err, accounting.ErrAccountingLocked) {
		t.Errorf("expected ErrAccountingLocked for Abort, got %v", err)
	}
}

func TestPosting_UnknownAccount(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ghost := model.AccountID{Number: 404, Kind: model.KindOther}
	if err := l.AddDebit(ctx, ghost, n(10)); !errors.Is(err, accounting.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPosting_AccountFromOtherPoolInvisible(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	// Pool B has no accounts; pool A's ids must not leak into its window.
	if err := l.Unlock(ctx, poolB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.AddDebit(ctx, cash, n(10)); !errors.Is(err, accounting.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound in pool B, got %v", err)
	}
}

// --- Balanced commit ---

func TestUpdateEntry_BalancedCommit(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, n(500)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("balanced lock should succeed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(entries))
	}

	if got := balance(t, l, poolA, cash); !got.Equal(n(500)) {
		t.Errorf("cash balance = %s, want 500", got)
	}
	if got := balance(t, l, poolA, equity); !got.Equal(n(500)) {
		t.Errorf("equity balance = %s, want 500", got)
	}
}

func TestLock_UnbalancedThenCorrected(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	// Seed 500/500 through a balanced window.
	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, n(500)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Lock(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A lone debit cannot lock.
	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.AddDebit(ctx, cash, n(250)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Lock(ctx); !errors.Is(err, accounting.ErrUnbalanced) {
		t.Fatalf("expected ErrUnbalanced, got %v", err)
	}

	// The window stays open with its entries intact; a corrective credit
	// rebalances it.
	if err := l.AddCredit(ctx, equity, n(250)); err != nil {
		t.Fatalf("window should still be open: %v", err)
	}
	entries, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("corrected lock should succeed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(entries))
	}

	if got := balance(t, l, poolA, cash); !got.Equal(n(750)) {
		t.Errorf("cash balance = %s, want 750", got)
	}
	if got := balance(t, l, poolA, equity); !got.Equal(n(750)) {
		t.Errorf("equity balance = %s, want 750", got)
	}
}

func TestPendingEntriesInvisibleUntilLock(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, n(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Reads see only committed state.
	if got := balance(t, l, poolA, cash); !got.IsZero() {
		t.Errorf("pending debit visible before lock: balance = %s", got)
	}

	if _, err := l.Lock(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := balance(t, l, poolA, cash); !got.Equal(n(100)) {
		t.Errorf("post-lock balance = %s, want 100", got)
	}
}

func TestAbort_DiscardsWindow(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.AddDebit(ctx, cash, n(999)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Abort(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := balance(t, l, poolA, cash); !got.IsZero() {
		t.Errorf("aborted entries leaked: balance = %s", got)
	}
	if _, unlocked := l.Unlocked(); unlocked {
		t.Error("window should be closed after abort")
	}
}

// --- Pool isolation ---

func TestPoolIsolation(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)
	seedAccounts(t, l, ctx, poolB)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, n(500)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Lock(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.Unlock(ctx, poolB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, n(120)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Lock(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same account ids, independent balances.
	if got := balance(t, l, poolA, cash); !got.Equal(n(500)) {
		t.Errorf("pool A cash = %s, want 500", got)
	}
	if got := balance(t, l, poolA, equity); !got.Equal(n(500)) {
		t.Errorf("pool A equity = %s, want 500", got)
	}
	if got := balance(t, l, poolB, cash); !got.Equal(n(120)) {
		t.Errorf("pool B cash = %s, want 120", got)
	}
	if got := balance(t, l, poolB, equity); !got.Equal(n(120)) {
		t.Errorf("pool B equity = %s, want 120", got)
	}
}

// --- Signed balance semantics ---

func TestSignedBalance_Polarity(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	// Debit 300 / credit 300, then credit cash 100 / debit equity 100.
	steps := []struct {
		creditID, debitID model.AccountID
		amount            int64
		wantCash          int64
		wantEquity        int64
	}{
		{equity, cash, 300, 300, 300},
		{cash, equity, 100, 200, 200},
	}
	for _, step := range steps {
		if err := l.Unlock(ctx, poolA); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := l.UpdateEntry(ctx, step.creditID, step.debitID, n(step.amount)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := l.Lock(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := balance(t, l, poolA, cash); !got.Equal(n(step.wantCash)) {
			t.Errorf("cash = %s, want %d", got, step.wantCash)
		}
		if got := balance(t, l, poolA, equity); !got.Equal(n(step.wantEquity)) {
			t.Errorf("equity = %s, want %d", got, step.wantEquity)
		}
	}
}

// --- Amount validation and overflow ---

func TestPosting_InvalidAmounts(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, amount := range []decimal.Decimal{n(0), n(-5), decimal.RequireFromString("1.5")} {
		if err := l.AddDebit(ctx, cash, amount); !errors.Is(err, accounting.ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestPosting_OverflowNearInt128Max(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	// Fill the cash debit total to the exact ceiling.
	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, model.MaxInt128); err != nil {
		t.Fatalf("posting at the ceiling should succeed: %v", err)
	}
	if _, err := l.Lock(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := balance(t, l, poolA, cash); !got.Equal(model.MaxInt128) {
		t.Errorf("cash = %s, want int128 max", got)
	}

	// One more unit must fail loudly, not wrap.
	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.AddDebit(ctx, cash, n(1)); !errors.Is(err, accounting.ErrAmountOverflow) {
		t.Errorf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestPosting_OverflowCountsPendingDeltas(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.AddDebit(ctx, cash, model.MaxInt128); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Committed total is still zero; the pending delta alone must trip
	// the ceiling check.
	if err := l.AddDebit(ctx, cash, n(1)); !errors.Is(err, accounting.ErrAmountOverflow) {
		t.Errorf("expected ErrAmountOverflow from pending delta, got %v", err)
	}
}

// --- Journal sequencing ---

func TestJournalSequence_MonotonicPerPool(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, n(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, n(20)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var prev uint64
	for _, e := range append(first, second...) {
		if e.Sequence <= prev {
			t.Fatalf("sequence not monotonic: %d after %d", e.Sequence, prev)
		}
		prev = e.Sequence
	}
	if first[0].Sequence != 1 {
		t.Errorf("first sequence = %d, want 1", first[0].Sequence)
	}
	if second[len(second)-1].Sequence != 4 {
		t.Errorf("last sequence = %d, want 4", second[len(second)-1].Sequence)
	}
}

func TestJournalSequence_AbortLeavesNoGap(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, n(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Abort(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.Unlock(ctx, poolA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.UpdateEntry(ctx, equity, cash, n(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries[0].Sequence != 1 {
		t.Errorf("sequence after abort = %d, want 1", entries[0].Sequence)
	}
}

// --- Metadata and authorization ---

func TestSetMetadata(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	if err := l.SetMetadata(ctx, poolA, cash, []byte("pool cash")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acc, err := l.Account(poolA, cash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(acc.Metadata) != "pool cash" {
		t.Errorf("metadata = %q, want \"pool cash\"", acc.Metadata)
	}
	if !acc.TotalDebit.IsZero() || !acc.TotalCredit.IsZero() {
		t.Error("metadata update must not touch balances")
	}
}

func TestMutations_RequireWard(t *testing.T) {
	l, ctx := newTestLedger(t)
	seedAccounts(t, l, ctx, poolA)

	stranger := auth.WithCaller(context.Background(), "stranger")

	if err := l.Unlock(stranger, poolA); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("Unlock: expected ErrNotAuthorized, got %v", err)
	}
	if err := l.CreateAccount(stranger, poolA, model.AccountID{Number: 9, Kind: model.KindOther}, true); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("CreateAccount: expected ErrNotAuthorized, got %v", err)
	}
	if err := l.SetMetadata(stranger, poolA, cash, nil); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("SetMetadata: expected ErrNotAuthorized, got %v", err)
	}

	// Reads are not gated.
	if _, err := l.AccountValue(poolA, cash); err != nil {
		t.Errorf("read should not require a ward: %v", err)
	}
}
