// Package ledger is the engine's source of truth: an append-only log of
// balanced multi-entry transactions. Balances are never stored directly by
// callers; they are the running sum of committed entries.
//
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/store"
)

var (
	// ErrEmptyTransaction is returned for a draft with no entries.
	ErrEmptyTransaction = errors.New("ledger: transaction has no entries")

	// ErrZeroAmount is returned when an entry moves nothing.
	ErrZeroAmount = errors.New("ledger: entry amount must be non-zero")

	// ErrUnbalancedEntries is returned when an asset's entries do not sum
	// to exactly zero.
	ErrUnbalancedEntries = errors.New("ledger: entries do not balance")

	// ErrUnknownAccount is returned when an entry names a missing account.
	ErrUnknownAccount = errors.New("ledger: unknown account")

	// ErrUnknownAsset is returned when an entry names a missing asset, or an
	// option asset of a different market.
	ErrUnknownAsset = errors.New("ledger: unknown asset")

	// ErrInsufficientBalance is returned when a user account would end up
	// with a negative balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// BalanceError reports which balance a rejected commit would have overdrawn.
type BalanceError struct {
	AccountID string
	AssetID   string
	Balance   decimal.Decimal // balance the commit would have produced
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: %s would hold %s of %s",
		e.AccountID, e.Balance, e.AssetID)
}

func (e *BalanceError) Unwrap() error { return ErrInsufficientBalance }

// Draft is an uncommitted transaction. The ledger assigns id and timestamp.
type Draft struct {
	Type        model.TransactionType
	InitiatorID string
	MarketID    string
	Entries     []model.Entry
}

// Ledger validates and commits transactions.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// New creates a ledger over st.
func New(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Commit validates d and appends it atomically. Either every entry becomes
// visible or none does. USER balances are checked against zero inside the
// same atomic append, so two commits racing on one account cannot both
// overdraw it.
func (l *Ledger) Commit(ctx context.Context, d Draft) (*model.Transaction, error) {
	if err := Validate(d.Entries); err != nil {
		return nil, err
	}

	accounts, err := l.resolve(ctx, d)
	if err != nil {
		return nil, err
	}

	// A cancelled caller must not commit.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx := &model.Transaction{
		ID:          uuid.New().String(),
		Type:        d.Type,
		InitiatorID: d.InitiatorID,
		MarketID:    d.MarketID,
		Entries:     append([]model.Entry(nil), d.Entries...),
		CreatedAt:   l.now(),
	}

	err = l.store.AppendTransaction(ctx, tx, guards(d.Entries, accounts))
	var floor *store.FloorError
	if errors.As(err, &floor) {
		return nil, &BalanceError{
			AccountID: floor.Guard.AccountID,
			AssetID:   floor.Guard.AssetID,
			Balance:   floor.Balance,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: append %s: %w", tx.Type, err)
	}

	slog.Debug("transaction committed",
		"tx", tx.ID,
		"type", tx.Type,
		"market", tx.MarketID,
		"entries", len(tx.Entries),
	)
	return tx, nil
}

// Validate checks the shape of a set of entries: non-empty, non-zero
// amounts, and a zero sum for every asset.
func Validate(entries []model.Entry) error {
	if len(entries) == 0 {
		return ErrEmptyTransaction
	}
	sums := make(map[string]decimal.Decimal)
	for i, e := range entries {
		if e.AccountID == "" {
			return fmt.Errorf("%w: entry %d has no account", ErrUnknownAccount, i)
		}
		if e.AssetID == "" {
			return fmt.Errorf("%w: entry %d has no asset", ErrUnknownAsset, i)
		}
		if e.Amount.IsZero() {
			return fmt.Errorf("%w: entry %d (%s, %s)", ErrZeroAmount, i, e.AccountID, e.AssetID)
		}
		sums[e.AssetID] = sums[e.AssetID].Add(e.Amount)
	}

	assets := make([]string, 0, len(sums))
	for id := range sums {
		assets = append(assets, id)
	}
	sort.Strings(assets)
	for _, id := range assets {
		if !sums[id].IsZero() {
			return fmt.Errorf("%w: %s sums to %s", ErrUnbalancedEntries, id, sums[id])
		}
	}
	return nil
}

// resolve checks every referenced account and asset exists and returns the
// accounts by id.
func (l *Ledger) resolve(ctx context.Context, d Draft) (map[string]model.Account, error) {
	var accountIDs, assetIDs []string
	seenAccount := make(map[string]bool)
	seenAsset := make(map[string]bool)
	for _, e := range d.Entries {
		if !seenAccount[e.AccountID] {
			seenAccount[e.AccountID] = true
			accountIDs = append(accountIDs, e.AccountID)
		}
		if !seenAsset[e.AssetID] {
			seenAsset[e.AssetID] = true
			assetIDs = append(assetIDs, e.AssetID)
		}
	}

	accounts, err := l.store.GetAccounts(ctx, accountIDs)
	if err != nil {
		return nil, fmt.Errorf("ledger: load accounts: %w", err)
	}
	for _, id := range accountIDs {
		if _, ok := accounts[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
		}
	}

	assets, err := l.store.GetAssets(ctx, assetIDs)
	if err != nil {
		return nil, fmt.Errorf("ledger: load assets: %w", err)
	}
	for _, id := range assetIDs {
		a, ok := assets[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
		}
		if a.Kind == model.AssetMarketOption && d.MarketID != "" && a.MarketID != d.MarketID {
			return nil, fmt.Errorf("%w: %s belongs to market %s", ErrUnknownAsset, id, a.MarketID)
		}
	}
	return accounts, nil
}

// guards floors at zero every USER balance the entries reduce. Pool and
// house accounts may go negative.
func guards(entries []model.Entry, accounts map[string]model.Account) []model.BalanceGuard {
	type pair struct{ account, asset string }
	net := make(map[pair]decimal.Decimal)
	var order []pair
	for _, e := range entries {
		if accounts[e.AccountID].Kind != model.AccountUser {
			continue
		}
		k := pair{e.AccountID, e.AssetID}
		if _, ok := net[k]; !ok {
			order = append(order, k)
		}
		net[k] = net[k].Add(e.Amount)
	}

	var out []model.BalanceGuard
	for _, k := range order {
		if net[k].IsNegative() {
			out = append(out, model.BalanceGuard{AccountID: k.account, AssetID: k.asset, Min: decimal.Zero})
		}
	}
	return out
}

// Balance returns an account's balance of one asset.
func (l *Ledger) Balance(ctx context.Context, accountID, assetID string) (decimal.Decimal, error) {
	b, err := l.store.GetBalances(ctx, accountID, []string{assetID})
	if err != nil {
		return decimal.Zero, err
	}
	return b[assetID], nil
}

// MarketTransactions returns a market's transactions in commit order.
func (l *Ledger) MarketTransactions(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return l.store.ListTransactionsByMarket(ctx, marketID)
}

// AccountTransactions returns the transactions touching an account in
// commit order.
func (l *Ledger) AccountTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return l.store.ListTransactionsByAccount(ctx, accountID)
}
