// Package hub provides the HTTP handlers and the transactional orchestration
// that keeps holdings and the accounting ledger in step: every holding
// mutation happens inside the pool's open ledger window, with the matching
// balanced postings locked in the same critical section. That is what keeps
// asset = equity + gain - loss true for every holding regardless of the
// operation sequence.
//
// All monetary values use shopspring/decimal, never float64 for money.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/poolhub/ledger-engine/internal/accounting"
	"github.com/poolhub/ledger-engine/internal/auth"
	"github.com/poolhub/ledger-engine/internal/d18"
	"github.com/poolhub/ledger-engine/internal/holdings"
	"github.com/poolhub/ledger-engine/internal/metrics"
	"github.com/poolhub/ledger-engine/internal/model"
	"github.com/poolhub/ledger-engine/internal/registry"
	"github.com/poolhub/ledger-engine/internal/store"
	"github.com/poolhub/ledger-engine/internal/valuation"
)

var (
	// ErrUnknownProvider is returned when a request names a valuation
	// provider the service was not configured with.
	ErrUnknownProvider = errors.New("hub: unknown valuation provider")

	// ErrUnknownRole is returned when a request binds an account to a role
	// outside asset/equity/gain/loss/other.
	ErrUnknownRole = errors.New("hub: unknown account role")
)

// Service orchestrates pool, account, holding, and ledger operations.
// A mutex serializes compound operations (single-instance); the ledger's
// single-window rule would reject interleaving anyway, the mutex turns
// that rejection into simple queueing.
type Service struct {
	store     store.Store
	registry  *registry.Registry
	ledger    *accounting.Ledger
	holdings  *holdings.Registry
	providers map[string]valuation.Provider
	mu        sync.Mutex
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the orchestration service. The providers map names
// the valuation strategies requests may reference ("identity", "oracle",
// ...). Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(
	st store.Store,
	reg *registry.Registry,
	ledger *accounting.Ledger,
	hold *holdings.Registry,
	providers map[string]valuation.Provider,
	hub *WSHub,
) *Service {
	return &Service{
		store:     st,
		registry:  reg,
		ledger:    ledger,
		holdings:  hold,
		providers: providers,
		wsHub:     hub,
	}
}

// --- Request/Response types ---

// CreatePoolRequest is the JSON body for pool registration.
type CreatePoolRequest struct {
	PoolID   uint64 `json:"pool_id"`
	Currency string `json:"currency"`
}

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	AccountID   string `json:"account_id"` // {kind}:{number}
	DebitNormal bool   `json:"debit_normal"`
	Metadata    string `json:"metadata,omitempty"`
}

// AllowAssetRequest is the JSON body for allow-list maintenance.
type AllowAssetRequest struct {
	AssetID string `json:"asset_id"`
	Allowed bool   `json:"allowed"`
}

// CreateHoldingRequest is the JSON body for holding creation.
type CreateHoldingRequest struct {
	PoolID       uint64            `json:"pool_id"`
	ShareClassID string            `json:"share_class_id"`
	AssetID      string            `json:"asset_id"`
	Valuation    string            `json:"valuation"`
	Accounts     map[string]string `json:"accounts"` // role -> {kind}:{number}
}

// HoldingOpRequest is the JSON body for deposits and withdrawals.
type HoldingOpRequest struct {
	PoolID       uint64          `json:"pool_id"`
	ShareClassID string          `json:"share_class_id"`
	AssetID      string          `json:"asset_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Valuation    string          `json:"valuation,omitempty"` // empty = holding default
}

// RevalueRequest is the JSON body for mark-to-market revaluation.
type RevalueRequest struct {
	PoolID       uint64 `json:"pool_id"`
	ShareClassID string `json:"share_class_id"`
	AssetID      string `json:"asset_id"`
}

// InitPoolRequest is the JSON body for one-shot pool bootstrap: pool
// registration, role accounts, allow-list, and the first holding.
type InitPoolRequest struct {
	PoolID       uint64            `json:"pool_id"`
	Currency     string            `json:"currency"`
	ShareClassID string            `json:"share_class_id"`
	AssetID      string            `json:"asset_id"`
	Valuation    string            `json:"valuation"`
	Accounts     map[string]string `json:"accounts"` // role -> {kind}:{number}
}

// SetPriceRequest is the JSON body for feeding a valuation price.
type SetPriceRequest struct {
	Provider string          `json:"provider"` // "transient" or "oracle"
	Base     string          `json:"base,omitempty"`
	Quote    string          `json:"quote,omitempty"`
	Price    decimal.Decimal `json:"price"`
}

// HoldingOpResponse reports a compound operation's outcome.
type HoldingOpResponse struct {
	PoolID       uint64          `json:"pool_id"`
	ShareClassID string          `json:"share_class_id"`
	AssetID      string          `json:"asset_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	Value        decimal.Decimal `json:"value"`
	Delta        decimal.Decimal `json:"delta"`
	Entries      int             `json:"entries"`
}

// AccountResponse is the JSON body for account balance reads.
type AccountResponse struct {
	PoolID      uint64          `json:"pool_id"`
	AccountID   string          `json:"account_id"`
	DebitNormal bool            `json:"debit_normal"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
	TotalCredit decimal.Decimal `json:"total_credit"`
	Balance     decimal.Decimal `json:"balance"`
}

// --- Compound operations ---

// Deposit increases a holding and posts the matching debit (asset) /
// credit (equity) pair inside one ledger window.
func (s *Service) Deposit(ctx context.Context, req HoldingOpRequest) (*HoldingOpResponse, error) {
	return s.move(ctx, req, true)
}

// Withdraw decreases a holding and posts the matching credit (asset) /
// debit (equity) pair inside one ledger window.
func (s *Service) Withdraw(ctx context.Context, req HoldingOpRequest) (*HoldingOpResponse, error) {
	return s.move(ctx, req, false)
}

func (s *Service) move(ctx context.Context, req HoldingOpRequest, deposit bool) (*HoldingOpResponse, error) {
	pool := model.PoolID(req.PoolID)
	sc := model.ShareClassID(req.ShareClassID)
	asset := model.AssetID(req.AssetID)

	provider, err := s.resolveProvider(req.Valuation, pool, sc, asset)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Resolve and verify both accounts before touching any state, so a
	// misconfigured holding fails the whole operation up front.
	assetAcct, equityAcct, err := s.boundAccounts(pool, sc, asset, model.KindAsset, model.KindEquity)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Unlock(ctx, pool); err != nil {
		return nil, err
	}
	metrics.WindowsOpened.Inc()

	var delta decimal.Decimal
	if deposit {
		delta, err = s.holdings.Increase(ctx, pool, sc, asset, provider, req.Quantity)
	} else {
		delta, err = s.holdings.Decrease(ctx, pool, sc, asset, provider, req.Quantity)
	}
	if err != nil {
		s.abort(ctx)
		return nil, err
	}

	if delta.Sign() > 0 {
		if deposit {
			err = s.ledger.UpdateEntry(ctx, equityAcct, assetAcct, delta)
		} else {
			err = s.ledger.UpdateEntry(ctx, assetAcct, equityAcct, delta)
		}
		if err != nil {
			// Compensate the holding so its state matches the aborted
			// window. Providers are deterministic per snapshot, so the
			// reverse quote equals delta.
			s.compensate(ctx, pool, sc, asset, provider, req.Quantity, deposit)
			s.abort(ctx)
			return nil, err
		}
	}

	entries, err := s.ledger.Lock(ctx)
	if err != nil {
		if errors.Is(err, accounting.ErrUnbalanced) {
			metrics.UnbalancedLocks.Inc()
		}
		s.compensate(ctx, pool, sc, asset, provider, req.Quantity, deposit)
		s.abort(ctx)
		return nil, err
	}
	metrics.WindowsLocked.Inc()

	s.persistCommit(ctx, pool, sc, asset, entries)

	h, _ := s.holdings.Holding(pool, sc, asset)
	eventType := "withdrawal_locked"
	if deposit {
		eventType = "deposit_locked"
	}
	s.broadcast(eventType, h, delta, len(entries))

	slog.Info("holding moved",
		"op", eventType,
		"pool", pool,
		"share_class", sc,
		"asset", asset,
		"quantity", req.Quantity.String(),
		"delta", delta.String(),
	)

	return &HoldingOpResponse{
		PoolID:       req.PoolID,
		ShareClassID: req.ShareClassID,
		AssetID:      req.AssetID,
		Quantity:     h.Quantity,
		Value:        h.Value,
		Delta:        delta,
		Entries:      len(entries),
	}, nil
}

// Revalue marks a holding to market: recomputes its value with the stored
// provider and routes the signed delta into the gain or loss account
// against the asset account, inside one ledger window.
func (s *Service) Revalue(ctx context.Context, req RevalueRequest) (*HoldingOpResponse, error) {
	pool := model.PoolID(req.PoolID)
	sc := model.ShareClassID(req.ShareClassID)
	asset := model.AssetID(req.AssetID)

	s.mu.Lock()
	defer s.mu.Unlock()

	assetAcct, gainAcct, err := s.boundAccounts(pool, sc, asset, model.KindAsset, model.KindGain)
	if err != nil {
		return nil, err
	}
	_, lossAcct, err := s.boundAccounts(pool, sc, asset, model.KindAsset, model.KindLoss)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Unlock(ctx, pool); err != nil {
		return nil, err
	}
	metrics.WindowsOpened.Inc()

	delta, err := s.holdings.Update(ctx, pool, sc, asset)
	if err != nil {
		s.abort(ctx)
		return nil, err
	}

	outcome := "flat"
	switch {
	case delta.Sign() > 0:
		outcome = "gain"
		err = s.ledger.UpdateEntry(ctx, gainAcct, assetAcct, delta)
	case delta.Sign() < 0:
		outcome = "loss"
		err = s.ledger.UpdateEntry(ctx, assetAcct, lossAcct, delta.Abs())
	}
	if err != nil {
		s.abort(ctx)
		return nil, err
	}

	entries, err := s.ledger.Lock(ctx)
	if err != nil {
		if errors.Is(err, accounting.ErrUnbalanced) {
			metrics.UnbalancedLocks.Inc()
		}
		s.abort(ctx)
		return nil, err
	}
	metrics.WindowsLocked.Inc()
	metrics.Revaluations.WithLabelValues(outcome).Inc()

	s.persistCommit(ctx, pool, sc, asset, entries)

	h, _ := s.holdings.Holding(pool, sc, asset)
	s.broadcast("holding_revalued", h, delta, len(entries))

	slog.Info("holding revalued",
		"pool", pool,
		"share_class", sc,
		"asset", asset,
		"delta", delta.String(),
		"outcome", outcome,
	)

	return &HoldingOpResponse{
		PoolID:       req.PoolID,
		ShareClassID: req.ShareClassID,
		AssetID:      req.AssetID,
		Quantity:     h.Quantity,
		Value:        h.Value,
		Delta:        delta,
		Entries:      len(entries),
	}, nil
}

// InitPool bootstraps a pool in one call: registers it, creates the role
// accounts with conventional polarity (asset and loss debit-normal, equity
// and gain credit-normal), allow-lists the asset, and creates the holding.
// Steps are not rolled back on failure; re-running with the same request
// surfaces the step that failed and skips nothing silently.
func (s *Service) InitPool(ctx context.Context, req InitPoolRequest) (model.Holding, error) {
	provider, ok := s.providers[req.Valuation]
	if !ok {
		return model.Holding{}, ErrUnknownProvider
	}

	accounts := make(map[model.AccountKind]model.AccountID, len(req.Accounts))
	for role, idS := range req.Accounts {
		kind, err := parseKind(role)
		if err != nil {
			return model.Holding{}, err
		}
		id, err := model.ParseAccountID(idS)
		if err != nil {
			return model.Holding{}, err
		}
		accounts[kind] = id
	}

	pool := model.PoolID(req.PoolID)
	sc := model.ShareClassID(req.ShareClassID)
	asset := model.AssetID(req.AssetID)

	if err := s.registry.Register(ctx, pool, model.AssetID(req.Currency)); err != nil {
		return model.Holding{}, err
	}
	metrics.ActivePools.Inc()

	for kind, id := range accounts {
		debitNormal := kind == model.KindAsset || kind == model.KindLoss || kind == model.KindOther
		if err := s.ledger.CreateAccount(ctx, pool, id, debitNormal); err != nil {
			return model.Holding{}, err
		}
	}

	if err := s.holdings.AllowAsset(ctx, pool, asset, true); err != nil {
		return model.Holding{}, err
	}
	if err := s.holdings.Create(ctx, pool, sc, asset, provider, accounts); err != nil {
		return model.Holding{}, err
	}

	if p, err := s.registry.Currency(pool); err == nil {
		if err := s.store.SavePool(ctx, &model.Pool{ID: pool, Currency: p}); err != nil {
			slog.Error("pool persistence failed", "pool", pool, "err", err)
		}
	}
	h, err := s.holdings.Holding(pool, sc, asset)
	if err == nil {
		if err := s.store.SaveHolding(ctx, &h); err != nil {
			slog.Error("holding persistence failed", "pool", pool, "err", err)
		}
	}

	slog.Info("pool initialized",
		"pool", pool, "currency", req.Currency,
		"share_class", sc, "asset", asset, "accounts", len(accounts))

	return h, nil
}

// boundAccounts resolves two account roles on a holding and verifies both
// accounts exist in the ledger.
func (s *Service) boundAccounts(pool model.PoolID, sc model.ShareClassID, asset model.AssetID, k1, k2 model.AccountKind) (model.AccountID, model.AccountID, error) {
	a1, err := s.holdings.AccountID(pool, sc, asset, k1)
	if err != nil {
		return model.AccountID{}, model.AccountID{}, err
	}
	a2, err := s.holdings.AccountID(pool, sc, asset, k2)
	if err != nil {
		return model.AccountID{}, model.AccountID{}, err
	}
	if _, err := s.ledger.Account(pool, a1); err != nil {
		return model.AccountID{}, model.AccountID{}, err
	}
	if _, err := s.ledger.Account(pool, a2); err != nil {
		return model.AccountID{}, model.AccountID{}, err
	}
	return a1, a2, nil
}

// compensate reverses a holding mutation whose ledger half failed.
func (s *Service) compensate(ctx context.Context, pool model.PoolID, sc model.ShareClassID, asset model.AssetID, provider valuation.Provider, qty decimal.Decimal, wasDeposit bool) {
	var err error
	if wasDeposit {
		_, err = s.holdings.Decrease(ctx, pool, sc, asset, provider, qty)
	} else {
		_, err = s.holdings.Increase(ctx, pool, sc, asset, provider, qty)
	}
	if err != nil {
		slog.Error("holding compensation failed, holding and ledger diverged",
			"pool", pool, "share_class", sc, "asset", asset, "err", err)
	}
}

func (s *Service) abort(ctx context.Context) {
	if err := s.ledger.Abort(ctx); err != nil {
		slog.Error("window abort failed", "err", err)
	}
	metrics.WindowsAborted.Inc()
}

// persistCommit writes the committed journal entries, the touched account
// snapshots, and the holding snapshot. The in-process engines stay
// authoritative; a failed write is logged and the next successful commit
// re-upserts the snapshots.
func (s *Service) persistCommit(ctx context.Context, pool model.PoolID, sc model.ShareClassID, asset model.AssetID, entries []model.JournalEntry) {
	if err := s.store.InsertJournalEntries(ctx, entries); err != nil {
		slog.Error("journal persistence failed", "pool", pool, "err", err)
	}

	for _, e := range entries {
		metrics.EntriesPosted.WithLabelValues(string(e.Direction)).Inc()
	}

	seen := make(map[model.AccountID]bool)
	for _, e := range entries {
		if seen[e.AccountID] {
			continue
		}
		seen[e.AccountID] = true
		acc, err := s.ledger.Account(pool, e.AccountID)
		if err != nil {
			continue
		}
		if err := s.store.SaveAccount(ctx, &acc); err != nil {
			slog.Error("account snapshot persistence failed", "pool", pool, "account", e.AccountID, "err", err)
		}
	}

	h, err := s.holdings.Holding(pool, sc, asset)
	if err == nil {
		if err := s.store.SaveHolding(ctx, &h); err != nil {
			slog.Error("holding snapshot persistence failed", "pool", pool, "err", err)
		}
	}
}

func (s *Service) broadcast(eventType string, h model.Holding, delta decimal.Decimal, entries int) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:         eventType,
		PoolID:       h.PoolID.String(),
		ShareClassID: string(h.ShareClassID),
		AssetID:      string(h.AssetID),
		Quantity:     h.Quantity.String(),
		Value:        h.Value.String(),
		Delta:        delta.String(),
		Entries:      entries,
	})
}

// resolveProvider maps a request's provider name to a configured provider,
// or falls back to the holding's stored default when the name is empty.
func (s *Service) resolveProvider(name string, pool model.PoolID, sc model.ShareClassID, asset model.AssetID) (valuation.Provider, error) {
	if name == "" {
		return s.holdings.Valuation(pool, sc, asset)
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// --- HTTP Handlers ---

// CreatePool handles POST /api/v1/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	pool := model.PoolID(req.PoolID)
	if err := s.registry.Register(ctx, pool, model.AssetID(req.Currency)); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.ActivePools.Inc()

	p := model.Pool{ID: pool, Currency: model.AssetID(req.Currency)}
	if stored, err := s.registry.Currency(pool); err == nil {
		p.Currency = stored
	}
	if err := s.store.SavePool(ctx, &p); err != nil {
		slog.Error("pool persistence failed", "pool", pool, "err", err)
	}

	slog.Info("pool registered", "pool", pool, "currency", req.Currency)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

// HandleInitPool handles POST /api/v1/pools/init
func (s *Service) HandleInitPool(w http.ResponseWriter, r *http.Request) {
	var req InitPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h, err := s.InitPool(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(h)
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.Pools()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pools)
}

// CreateAccount handles POST /api/v1/pools/{poolID}/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := model.ParseAccountID(req.AccountID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.ledger.CreateAccount(ctx, pool, id, req.DebitNormal); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if req.Metadata != "" {
		if err := s.ledger.SetMetadata(ctx, pool, id, []byte(req.Metadata)); err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
	}

	acc, err := s.ledger.Account(pool, id)
	if err == nil {
		if err := s.store.SaveAccount(ctx, &acc); err != nil {
			slog.Error("account persistence failed", "pool", pool, "account", id, "err", err)
		}
	}

	slog.Info("account created", "pool", pool, "account", id, "debit_normal", req.DebitNormal)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(accountResponse(&acc))
}

// GetAccount handles GET /api/v1/pools/{poolID}/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}
	id, err := model.ParseAccountID(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	acc, err := s.ledger.Account(pool, id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accountResponse(&acc))
}

// SetAccountMetadata handles PUT /api/v1/pools/{poolID}/accounts/{accountID}/metadata
func (s *Service) SetAccountMetadata(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}
	id, err := model.ParseAccountID(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		Metadata string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.ledger.SetMetadata(ctx, pool, id, []byte(req.Metadata)); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if acc, err := s.ledger.Account(pool, id); err == nil {
		if err := s.store.SaveAccount(ctx, &acc); err != nil {
			slog.Error("account persistence failed", "pool", pool, "account", id, "err", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// AllowAsset handles POST /api/v1/pools/{poolID}/assets
func (s *Service) AllowAsset(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}

	var req AllowAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.holdings.AllowAsset(r.Context(), pool, model.AssetID(req.AssetID), req.Allowed); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	slog.Info("asset allow-list updated", "pool", pool, "asset", req.AssetID, "allowed", req.Allowed)
	w.WriteHeader(http.StatusNoContent)
}

// CreateHolding handles POST /api/v1/holdings
func (s *Service) CreateHolding(w http.ResponseWriter, r *http.Request) {
	var req CreateHoldingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	provider, ok := s.providers[req.Valuation]
	if !ok {
		writeError(w, ErrUnknownProvider.Error(), http.StatusBadRequest)
		return
	}

	accounts := make(map[model.AccountKind]model.AccountID, len(req.Accounts))
	for role, idS := range req.Accounts {
		kind, err := parseKind(role)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := model.ParseAccountID(idS)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		accounts[kind] = id
	}

	ctx := r.Context()
	pool := model.PoolID(req.PoolID)
	sc := model.ShareClassID(req.ShareClassID)
	asset := model.AssetID(req.AssetID)

	if err := s.holdings.Create(ctx, pool, sc, asset, provider, accounts); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	h, err := s.holdings.Holding(pool, sc, asset)
	if err == nil {
		if err := s.store.SaveHolding(ctx, &h); err != nil {
			slog.Error("holding persistence failed", "pool", pool, "err", err)
		}
	}

	slog.Info("holding created",
		"pool", pool, "share_class", sc, "asset", asset, "valuation", req.Valuation)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(h)
}

// GetHolding handles GET /api/v1/pools/{poolID}/holdings/{shareClassID}/{assetID}
func (s *Service) GetHolding(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}
	sc := model.ShareClassID(chi.URLParam(r, "shareClassID"))
	asset := model.AssetID(chi.URLParam(r, "assetID"))

	h, err := s.holdings.Holding(pool, sc, asset)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h)
}

// UpdateHoldingValuation handles PUT /api/v1/holdings/valuation
func (s *Service) UpdateHoldingValuation(w http.ResponseWriter, r *http.Request) {
	var req CreateHoldingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	provider, ok := s.providers[req.Valuation]
	if !ok {
		writeError(w, ErrUnknownProvider.Error(), http.StatusBadRequest)
		return
	}

	err := s.holdings.UpdateValuation(r.Context(),
		model.PoolID(req.PoolID), model.ShareClassID(req.ShareClassID), model.AssetID(req.AssetID), provider)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDeposit handles POST /api/v1/deposits
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleMove(w, r, true)
}

// HandleWithdraw handles POST /api/v1/withdrawals
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleMove(w, r, false)
}

func (s *Service) handleMove(w http.ResponseWriter, r *http.Request, deposit bool) {
	var req HoldingOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var resp *HoldingOpResponse
	var err error
	if deposit {
		resp, err = s.Deposit(r.Context(), req)
	} else {
		resp, err = s.Withdraw(r.Context(), req)
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleRevalue handles POST /api/v1/revaluations
func (s *Service) HandleRevalue(w http.ResponseWriter, r *http.Request) {
	var req RevalueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := s.Revalue(r.Context(), req)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetJournal handles GET /api/v1/pools/{poolID}/journal
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolParam(w, r)
	if !ok {
		return
	}

	entries, err := s.store.GetJournalByPool(r.Context(), pool)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// SetPrice handles POST /api/v1/prices, the admin price feed for the
// transient and oracle valuation providers.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	price, err := d18.New(req.Price)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	provider, ok := s.providers[req.Provider]
	if !ok {
		writeError(w, ErrUnknownProvider.Error(), http.StatusBadRequest)
		return
	}

	switch p := provider.(type) {
	case *valuation.Transient:
		p.SetPrice(price)
	case *valuation.Oracle:
		p.SetPrice(model.AssetID(req.Base), model.AssetID(req.Quote), price)
	default:
		writeError(w, "provider does not accept prices", http.StatusBadRequest)
		return
	}

	slog.Info("price set", "provider", req.Provider, "base", req.Base, "quote", req.Quote, "price", req.Price.String())
	w.WriteHeader(http.StatusNoContent)
}

// --- Middleware ---

// TokenAuth maps bearer tokens to caller identities and stamps the caller
// on the request context for the engines' ward checks. With no tokens
// configured every request runs as "dev" (development mode).
func TokenAuth(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 {
				next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), "dev")))
				return
			}

			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			caller, ok := tokens[raw]
			if !ok {
				writeError(w, "invalid or missing bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
		})
	}
}

// --- Helpers ---

func poolParam(w http.ResponseWriter, r *http.Request) (model.PoolID, bool) {
	raw := chi.URLParam(r, "poolID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, "invalid pool id: "+raw, http.StatusBadRequest)
		return 0, false
	}
	return model.PoolID(id), true
}

func parseKind(role string) (model.AccountKind, error) {
	switch role {
	case "asset":
		return model.KindAsset, nil
	case "equity":
		return model.KindEquity, nil
	case "gain":
		return model.KindGain, nil
	case "loss":
		return model.KindLoss, nil
	case "other":
		return model.KindOther, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownRole, role)
}

func accountResponse(acc *model.Account) AccountResponse {
	balance, err := acc.Balance()
	if err != nil {
		// Surface the overflow as a zero balance with the raw totals
		// intact; the totals themselves tell the story.
		balance = decimal.Zero
	}
	return AccountResponse{
		PoolID:      uint64(acc.PoolID),
		AccountID:   acc.ID.String(),
		DebitNormal: acc.DebitNormal,
		TotalDebit:  acc.TotalDebit,
		TotalCredit: acc.TotalCredit,
		Balance:     balance,
	}
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, accounting.ErrAccountNotFound),
		errors.Is(err, holdings.ErrHoldingNotFound),
		errors.Is(err, holdings.ErrAccountNotBound),
		errors.Is(err, registry.ErrPoolNotFound),
		errors.Is(err, accounting.ErrPoolNotFound),
		errors.Is(err, holdings.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, accounting.ErrAccountExists),
		errors.Is(err, holdings.ErrHoldingExists),
		errors.Is(err, registry.ErrPoolExists),
		errors.Is(err, accounting.ErrAlreadyUnlocked),
		errors.Is(err, accounting.ErrAccountingLocked),
		errors.Is(err, accounting.ErrUnbalanced),
		errors.Is(err, accounting.ErrAmountOverflow),
		errors.Is(err, holdings.ErrAssetNotAllowed),
		errors.Is(err, holdings.ErrInsufficientHolding),
		errors.Is(err, holdings.ErrValueUnderflow):
		return http.StatusConflict
	case errors.Is(err, accounting.ErrInvalidAmount),
		errors.Is(err, holdings.ErrInvalidQuantity),
		errors.Is(err, holdings.ErrWrongValuation),
		errors.Is(err, holdings.ErrWrongShareClass),
		errors.Is(err, holdings.ErrWrongAsset),
		errors.Is(err, registry.ErrWrongCurrency),
		errors.Is(err, model.ErrInvalidAccountID),
		errors.Is(err, valuation.ErrPriceNotFound),
		errors.Is(err, valuation.ErrUnknownDecimals),
		errors.Is(err, d18.ErrDivisionByZero),
		errors.Is(err, d18.ErrNegative),
		errors.Is(err, d18.ErrOverflow),
		errors.Is(err, ErrUnknownProvider),
		errors.Is(err, ErrUnknownRole):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
