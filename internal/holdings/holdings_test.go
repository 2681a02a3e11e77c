package holdings_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/poolhub/ledger-engine/internal/auth"
	"github.com/poolhub/ledger-engine/internal/d18"
	"github.com/poolhub/ledger-engine/internal/holdings"
	"github.com/poolhub/ledger-engine/internal/model"
	"github.com/poolhub/ledger-engine/internal/registry"
	"github.com/poolhub/ledger-engine/internal/valuation"
)

const (
	poolA = model.PoolID(1)
	scA   = model.ShareClassID("SC-1")
	bond  = model.AssetID("BOND")
	usd   = model.AssetID("USD")
)

func n(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func p(s string) d18.D18 {
	return d18.MustNew(decimal.RequireFromString(s))
}

// fixedQuotes values each quantity at a preset amount, the way an
// external pricing service would answer per-lot queries.
type fixedQuotes struct {
	quotes map[string]decimal.Decimal
}

func (f *fixedQuotes) Quote(baseAmount decimal.Decimal, base, quote model.AssetID) (decimal.Decimal, error) {
	v, ok := f.quotes[baseAmount.String()]
	if !ok {
		return decimal.Zero, errors.New("no quote for " + baseAmount.String())
	}
	return v, nil
}

func allDecimals(model.AssetID) (int32, error) { return 18, nil }

func newTestRegistry(t *testing.T) (*holdings.Registry, context.Context) {
	t.Helper()
	wards := auth.NewWards("test")
	ctx := auth.WithCaller(context.Background(), "test")

	reg := registry.New(wards)
	if err := reg.Register(ctx, poolA, usd); err != nil {
		t.Fatalf("failed to register pool: %v", err)
	}

	h := holdings.New(wards, reg)
	if err := h.AllowAsset(ctx, poolA, bond, true); err != nil {
		t.Fatalf("failed to allow asset: %v", err)
	}
	return h, ctx
}

func createHolding(t *testing.T, h *holdings.Registry, ctx context.Context, provider valuation.Provider) {
	t.Helper()
	accounts := map[model.AccountKind]model.AccountID{
		model.KindAsset:  {Number: 1, Kind: model.KindAsset},
		model.KindEquity: {Number: 2, Kind: model.KindEquity},
	}
	if err := h.Create(ctx, poolA, scA, bond, provider, accounts); err != nil {
		t.Fatalf("failed to create holding: %v", err)
	}
}

// --- Creation ---

func TestCreate_Validation(t *testing.T) {
	h, ctx := newTestRegistry(t)
	oneToOne := valuation.NewOneToOne()

	tests := []struct {
		name     string
		pool     model.PoolID
		sc       model.ShareClassID
		asset    model.AssetID
		provider valuation.Provider
		wantErr  error
	}{
		{"nil provider", poolA, scA, bond, nil, holdings.ErrWrongValuation},
		{"empty share class", poolA, "", bond, oneToOne, holdings.ErrWrongShareClass},
		{"empty asset", poolA, scA, "", oneToOne, holdings.ErrWrongAsset},
		{"unknown pool", model.PoolID(99), scA, bond, oneToOne, holdings.ErrPoolNotFound},
		{"asset not allowed", poolA, scA, "JUNK", oneToOne, holdings.ErrAssetNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Create(ctx, tt.pool, tt.sc, tt.asset, tt.provider, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCreate_Duplicate(t *testing.T) {
	h, ctx := newTestRegistry(t)
	createHolding(t, h, ctx, valuation.NewOneToOne())

	err := h.Create(ctx, poolA, scA, bond, valuation.NewOneToOne(), nil)
	if !errors.Is(err, holdings.ErrHoldingExists) {
		t.Errorf("expected ErrHoldingExists, got %v", err)
	}
}

func TestCreate_StartsEmpty(t *testing.T) {
	h, ctx := newTestRegistry(t)
	createHolding(t, h, ctx, valuation.NewOneToOne())

	qty, err := h.Amount(poolA, scA, bond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !qty.IsZero() {
		t.Errorf("quantity = %s, want 0", qty)
	}
	value, err := h.Value(poolA, scA, bond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !value.IsZero() {
		t.Errorf("value = %s, want 0", value)
	}
}

// --- Increase / Decrease ---

func TestIncrease_AccumulatesPerLotValues(t *testing.T) {
	h, ctx := newTestRegistry(t)
	provider := &fixedQuotes{quotes: map[string]decimal.Decimal{
		"20": n(200),
		"8":  n(50),
	}}
	createHolding(t, h, ctx, provider)

	delta, err := h.Increase(ctx, poolA, scA, bond, provider, n(20))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delta.Equal(n(200)) {
		t.Errorf("first delta = %s, want 200", delta)
	}

	delta, err = h.Increase(ctx, poolA, scA, bond, provider, n(8))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delta.Equal(n(50)) {
		t.Errorf("second delta = %s, want 50", delta)
	}

	qty, _ := h.Amount(poolA, scA, bond)
	if !qty.Equal(n(28)) {
		t.Errorf("quantity = %s, want 28", qty)
	}
	value, _ := h.Value(poolA, scA, bond)
	if !value.Equal(n(250)) {
		t.Errorf("value = %s, want 250", value)
	}
}

func TestIncrease_Validation(t *testing.T) {
	h, ctx := newTestRegistry(t)
	oneToOne := valuation.NewOneToOne()
	createHolding(t, h, ctx, oneToOne)

	if _, err := h.Increase(ctx, poolA, scA, bond, nil, n(1)); !errors.Is(err, holdings.ErrWrongValuation) {
		t.Errorf("nil provider: expected ErrWrongValuation, got %v", err)
	}
	for _, qty := range []decimal.Decimal{n(0), n(-3), decimal.RequireFromString("2.5")} {
		if _, err := h.Increase(ctx, poolA, scA, bond, oneToOne, qty); !errors.Is(err, holdings.ErrInvalidQuantity) {
			t.Errorf("qty %s: expected ErrInvalidQuantity, got %v", qty, err)
		}
	}
	if _, err := h.Increase(ctx, poolA, "SC-MISSING", bond, oneToOne, n(1)); !errors.Is(err, holdings.ErrHoldingNotFound) {
		t.Errorf("missing holding: expected ErrHoldingNotFound, got %v", err)
	}
}

func TestDecrease_RoundTripToZero(t *testing.T) {
	h, ctx := newTestRegistry(t)
	oneToOne := valuation.NewOneToOne()
	createHolding(t, h, ctx, oneToOne)

	if _, err := h.Increase(ctx, poolA, scA, bond, oneToOne, n(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	delta, err := h.Decrease(ctx, poolA, scA, bond, oneToOne, n(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delta.Equal(n(100)) {
		t.Errorf("delta = %s, want 100", delta)
	}

	qty, _ := h.Amount(poolA, scA, bond)
	value, _ := h.Value(poolA, scA, bond)
	if !qty.IsZero() || !value.IsZero() {
		t.Errorf("after full decrease: quantity = %s value = %s, want 0/0", qty, value)
	}
}

func TestDecrease_Insufficient(t *testing.T) {
	h, ctx := newTestRegistry(t)
	oneToOne := valuation.NewOneToOne()
	createHolding(t, h, ctx, oneToOne)

	if _, err := h.Increase(ctx, poolA, scA, bond, oneToOne, n(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.Decrease(ctx, poolA, scA, bond, oneToOne, n(11)); !errors.Is(err, holdings.ErrInsufficientHolding) {
		t.Errorf("expected ErrInsufficientHolding, got %v", err)
	}
}

func TestDecrease_ValueUnderflow(t *testing.T) {
	h, ctx := newTestRegistry(t)

	// Buy at price 1, then try to sell at price 2 without revaluing: the
	// quoted decrease exceeds the recorded value.
	transient := valuation.NewTransient(p("1"), allDecimals)
	createHolding(t, h, ctx, transient)

	if _, err := h.Increase(ctx, poolA, scA, bond, transient, n(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transient.SetPrice(p("2"))
	if _, err := h.Decrease(ctx, poolA, scA, bond, transient, n(10)); !errors.Is(err, holdings.ErrValueUnderflow) {
		t.Errorf("expected ErrValueUnderflow, got %v", err)
	}
}

// --- Revaluation ---

func TestUpdate_GainThenFlat(t *testing.T) {
	h, ctx := newTestRegistry(t)
	transient := valuation.NewTransient(p("10"), allDecimals)
	createHolding(t, h, ctx, transient)

	if _, err := h.Increase(ctx, poolA, scA, bond, transient, n(20)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	value, _ := h.Value(poolA, scA, bond)
	if !value.Equal(n(200)) {
		t.Fatalf("value = %s, want 200", value)
	}

	// Price drops from 10 to 7.5: 20 units are now worth 150.
	transient.SetPrice(p("7.5"))
	delta, err := h.Update(ctx, poolA, scA, bond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delta.Equal(n(-50)) {
		t.Errorf("delta = %s, want -50", delta)
	}
	value, _ = h.Value(poolA, scA, bond)
	if !value.Equal(n(150)) {
		t.Errorf("value = %s, want 150", value)
	}

	// Unchanged price yields a zero delta.
	delta, err = h.Update(ctx, poolA, scA, bond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delta.IsZero() {
		t.Errorf("repeat delta = %s, want 0", delta)
	}
}

func TestUpdate_ZeroQuantitySkipsQuoting(t *testing.T) {
	h, ctx := newTestRegistry(t)

	// The provider would error on any quote; with zero quantity it must
	// never be consulted and the value simply settles at zero.
	provider := &fixedQuotes{quotes: map[string]decimal.Decimal{}}
	createHolding(t, h, ctx, provider)

	delta, err := h.Update(ctx, poolA, scA, bond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delta.IsZero() {
		t.Errorf("delta = %s, want 0", delta)
	}
}

func TestUpdateValuation_SwapsStoredProvider(t *testing.T) {
	h, ctx := newTestRegistry(t)
	transient := valuation.NewTransient(p("10"), allDecimals)
	createHolding(t, h, ctx, transient)

	if _, err := h.Increase(ctx, poolA, scA, bond, transient, n(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Switch the default to a price-2 feed and revalue: 10 units at 2.
	if err := h.UpdateValuation(ctx, poolA, scA, bond, valuation.NewTransient(p("2"), allDecimals)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	delta, err := h.Update(ctx, poolA, scA, bond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delta.Equal(n(-80)) {
		t.Errorf("delta = %s, want -80", delta)
	}

	got, err := h.Valuation(poolA, scA, bond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == transient {
		t.Error("stored provider was not replaced")
	}

	if err := h.UpdateValuation(ctx, poolA, scA, bond, nil); !errors.Is(err, holdings.ErrWrongValuation) {
		t.Errorf("nil provider: expected ErrWrongValuation, got %v", err)
	}
}

// --- Account bindings ---

func TestSetAccountID_Rebind(t *testing.T) {
	h, ctx := newTestRegistry(t)
	createHolding(t, h, ctx, valuation.NewOneToOne())

	gain := model.AccountID{Number: 3, Kind: model.KindGain}
	if err := h.SetAccountID(ctx, poolA, scA, bond, model.KindGain, gain); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := h.AccountID(poolA, scA, bond, model.KindGain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != gain {
		t.Errorf("bound account = %s, want %s", got, gain)
	}

	if _, err := h.AccountID(poolA, scA, bond, model.KindLoss); !errors.Is(err, holdings.ErrAccountNotBound) {
		t.Errorf("unbound role: expected ErrAccountNotBound, got %v", err)
	}
}

func TestSnapshot_DoesNotAliasBindings(t *testing.T) {
	h, ctx := newTestRegistry(t)
	createHolding(t, h, ctx, valuation.NewOneToOne())

	snap, err := h.Holding(poolA, scA, bond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap.Accounts[model.KindLoss] = model.AccountID{Number: 99, Kind: model.KindLoss}

	if _, err := h.AccountID(poolA, scA, bond, model.KindLoss); !errors.Is(err, holdings.ErrAccountNotBound) {
		t.Error("mutating a snapshot leaked into the registry")
	}
}

// --- Authorization ---

func TestMutations_RequireWard(t *testing.T) {
	h, ctx := newTestRegistry(t)
	createHolding(t, h, ctx, valuation.NewOneToOne())
	stranger := auth.WithCaller(context.Background(), "stranger")

	if err := h.AllowAsset(stranger, poolA, bond, false); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("AllowAsset: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := h.Increase(stranger, poolA, scA, bond, valuation.NewOneToOne(), n(1)); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("Increase: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := h.Update(stranger, poolA, scA, bond); !errors.Is(err, auth.ErrNotAuthorized) {
		t.Errorf("Update: expected ErrNotAuthorized, got %v", err)
	}

	// Reads are open.
	if _, err := h.Value(poolA, scA, bond); err != nil {
		t.Errorf("read should not require a ward: %v", err)
	}
}
