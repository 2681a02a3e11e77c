// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// MaxInt128 is the largest running total a ledger account may accumulate.
// Totals are stored unsigned but must convert to a signed 128-bit balance,
// so each accumulator is capped at 2^127 - 1.
var MaxInt128 = decimal.RequireFromString("170141183460469231731687303715884105727")

// PoolID identifies a tenant/fund scope. All ledger accounts and holdings
// are partitioned by pool; there is no implicit cross-pool aggregation.
type PoolID uint64

func (p PoolID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ShareClassID identifies a sub-division of a pool's equity. It is part of
// a holding's key and nothing more at this layer.
type ShareClassID string

// AssetID identifies an asset (a token symbol, ISIN, whatever the host
// system uses). The zero value is invalid.
type AssetID string

// AccountKind tags a ledger account with its semantic role.
type AccountKind uint8

const (
	KindAsset AccountKind = iota + 1
	KindEquity
	KindGain
	KindLoss
	KindOther
)

var kindNames = map[AccountKind]string{
	KindAsset:  "asset",
	KindEquity: "equity",
	KindGain:   "gain",
	KindLoss:   "loss",
	KindOther:  "other",
}

var kindByName = map[string]AccountKind{
	"asset":  KindAsset,
	"equity": KindEquity,
	"gain":   KindGain,
	"loss":   KindLoss,
	"other":  KindOther,
}

func (k AccountKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// AccountID identifies a ledger account within a pool: a numeric account
// number plus a kind tag. Uniqueness is scoped per pool.
type AccountID struct {
	Number uint32
	Kind   AccountKind
}

// String renders the canonical form: {kind}:{number}, e.g. "asset:1001".
func (a AccountID) String() string {
	return fmt.Sprintf("%s:%d", a.Kind, a.Number)
}

// accountIDRegex matches the canonical string form: {kind}:{number}
// Example: equity:2001
var accountIDRegex = regexp.MustCompile(`^(asset|equity|gain|loss|other):(\d{1,10})$`)

// ErrInvalidAccountID is returned when an account identifier string does
// not match the {kind}:{number} form.
var ErrInvalidAccountID = errors.New("model: invalid account id format")

// ParseAccountID parses the canonical {kind}:{number} string form.
func ParseAccountID(s string) (AccountID, error) {
	matches := accountIDRegex.FindStringSubmatch(s)
	if matches == nil {
		return AccountID{}, fmt.Errorf("%w: %s (expected {kind}:{number})", ErrInvalidAccountID, s)
	}
	n, err := strconv.ParseUint(matches[2], 10, 32)
	if err != nil {
		return AccountID{}, fmt.Errorf("%w: %s", ErrInvalidAccountID, s)
	}
	return AccountID{Number: uint32(n), Kind: kindByName[matches[1]]}, nil
}

// Direction marks a journal entry as a debit or a credit.
type Direction string

const (
	Debit  Direction = "D"
	Credit Direction = "C"
)

// Account is a single ledger account. Debit and credit totals accumulate
// unsigned; the signed balance is derived on read from the polarity flag.
// Accounts are never deleted, they persist for audit history at zero balance.
type Account struct {
	PoolID      PoolID          `json:"pool_id" db:"pool_id"`
	ID          AccountID       `json:"id" db:"id"`
	DebitNormal bool            `json:"debit_normal" db:"debit_normal"`
	TotalDebit  decimal.Decimal `json:"total_debit" db:"total_debit"`
	TotalCredit decimal.Decimal `json:"total_credit" db:"total_credit"`
	Metadata    []byte          `json:"metadata,omitempty" db:"metadata"`
	LastUpdated time.Time       `json:"last_updated" db:"last_updated"`
}

// ErrBalanceOverflow is returned when a running total no longer fits the
// signed 128-bit balance range. Postings are bounds-checked, so hitting
// this on read means state was loaded from an untrusted snapshot.
var ErrBalanceOverflow = errors.New("model: account total exceeds signed 128-bit range")

// Balance returns the signed balance:
//
//	debit-normal:  totalDebit - totalCredit
//	credit-normal: totalCredit - totalDebit
func (a *Account) Balance() (decimal.Decimal, error) {
	if a.TotalDebit.GreaterThan(MaxInt128) || a.TotalCredit.GreaterThan(MaxInt128) {
		return decimal.Zero, ErrBalanceOverflow
	}
	if a.DebitNormal {
		return a.TotalDebit.Sub(a.TotalCredit), nil
	}
	return a.TotalCredit.Sub(a.TotalDebit), nil
}

// Holding is the quantity and pool-currency value of one asset within one
// pool/share-class, plus the account-role bindings the orchestration layer
// posts against. Value is as of the last increase/decrease/update call and
// can go stale between price changes.
type Holding struct {
	PoolID       PoolID                    `json:"pool_id"`
	ShareClassID ShareClassID              `json:"share_class_id"`
	AssetID      AssetID                   `json:"asset_id"`
	Quantity     decimal.Decimal           `json:"quantity"`
	Value        decimal.Decimal           `json:"value"`
	Accounts     map[AccountKind]AccountID `json:"accounts"`
	LastUpdated  time.Time                 `json:"last_updated"`
}

// JournalEntry is an immutable record of one posting. Once locked into the
// journal these are never modified or deleted.
type JournalEntry struct {
	ID        string          `json:"id" db:"id"`
	PoolID    PoolID          `json:"pool_id" db:"pool_id"`
	AccountID AccountID       `json:"account_id" db:"account_id"`
	Direction Direction       `json:"direction" db:"direction"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Sequence  uint64          `json:"sequence" db:"sequence"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Pool is the registry record for one tenant: existence plus the accounting
// currency all holdings in the pool are valued in.
type Pool struct {
	ID        PoolID    `json:"id" db:"id"`
	Currency  AssetID   `json:"currency" db:"currency"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
