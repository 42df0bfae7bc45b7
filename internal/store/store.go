// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// PostgresStore locks only the balance rows an append touches, so commits
// on disjoint accounts run in parallel. MemoryStore takes one store-wide
// mutex for every append and so serialises all commits, including those on
// disjoint accounts; it is meant for tests and local development only.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a record with the same key exists.
	// Append-only records are never overwritten.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrBalanceFloor is returned when an append would push a guarded
	// balance below its floor. Nothing is written.
	ErrBalanceFloor = errors.New("store: balance below floor")
)

// FloorError names the guard that rejected an append.
type FloorError struct {
	Guard   model.BalanceGuard
	Balance decimal.Decimal // balance the append would have produced
}

func (e *FloorError) Error() string {
	return fmt.Sprintf("store: balance of %s in %s would be %s (floor %s)",
		e.Guard.AccountID, e.Guard.AssetID, e.Balance, e.Guard.Min)
}

func (e *FloorError) Unwrap() error { return ErrBalanceFloor }

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts and assets ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccounts returns the accounts that exist among ids, keyed by id.
	GetAccounts(ctx context.Context, ids []string) (map[string]model.Account, error)

	// GetHouseAccount returns the treasury account.
	GetHouseAccount(ctx context.Context) (*model.Account, error)

	// CreateAsset persists a new asset. Assets are immutable.
	CreateAsset(ctx context.Context, asset *model.Asset) error

	// GetAssets returns the assets that exist among ids, keyed by id.
	GetAssets(ctx context.Context, ids []string) (map[string]model.Asset, error)

	// --- Markets ---

	// CreateMarket persists a new market and its options.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Immutable ledger ---

	// AppendTransaction records a transaction and its entries atomically.
	// Every guard is evaluated against the balances the append produces;
	// if any fails, nothing is written and a *FloorError is returned.
	AppendTransaction(ctx context.Context, tx *model.Transaction, guards []model.BalanceGuard) error

	// GetBalances returns the running sum of entries for each asset in
	// assetIDs held by accountID. Missing assets have a zero balance.
	GetBalances(ctx context.Context, accountID string, assetIDs []string) (map[string]decimal.Decimal, error)

	// ListTransactionsByMarket returns a market's transactions in commit order.
	ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error)

	// ListTransactionsByAccount returns transactions touching an account,
	// in commit order.
	ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error)

	// --- Projections (rebuildable caches) ---

	// GetPosition returns ErrNotFound when the account never traded the option.
	GetPosition(ctx context.Context, accountID, marketID, optionID string) (*model.Position, error)

	// ListPositionsByMarket returns every position in a market.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// ListPositionsByAccount returns every position an account holds.
	ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error)

	// SavePositions upserts positions in one write.
	SavePositions(ctx context.Context, positions []model.Position) error

	// GetAmmState returns ErrNotFound before the first refresh.
	GetAmmState(ctx context.Context, marketID string) (*model.AmmState, error)

	// SaveAmmState upserts a market's reserve snapshot.
	SaveAmmState(ctx context.Context, state *model.AmmState) error
}

// StatusWriter is implemented by stores that let the market lifecycle owner
// change a market's status.
type StatusWriter interface {
	SetMarketStatus(ctx context.Context, id string, status model.MarketStatus) error
}

// Layered is implemented by stores that serve reads from a cache in front
// of another store.
type Layered interface {
	Primary() Store
}

// Authoritative returns the store beneath every cache layer of s. Reads
// that feed a write, such as folding a trade into a position, must use it
// so they never build on a cached copy.
func Authoritative(s Store) Store {
	for {
		l, ok := s.(Layered)
		if !ok {
			return s
		}
		s = l.Primary()
	}
}
