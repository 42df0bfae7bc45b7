// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PrimaryAssetID is the id of the single global currency asset.
const PrimaryAssetID = "PRIMARY"

// AccountKind distinguishes who owns an account.
type AccountKind string

const (
	AccountUser  AccountKind = "USER"
	AccountAMM   AccountKind = "AMM"
	AccountHouse AccountKind = "HOUSE"
)

// Account owns balances. One AMM account exists per market.
type Account struct {
	ID        string      `json:"id" db:"id"`
	Kind      AccountKind `json:"kind" db:"kind"`
	OwnerID   string      `json:"owner_id" db:"owner_id"`
	MarketID  string      `json:"market_id,omitempty" db:"market_id"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// AssetKind tags a tradable unit.
type AssetKind string

const (
	AssetCurrency     AssetKind = "CURRENCY"
	AssetMarketOption AssetKind = "MARKET_OPTION"
)

// Asset is immutable once created. Option assets share their option's id.
type Asset struct {
	ID       string    `json:"id" db:"id"`
	Kind     AssetKind `json:"kind" db:"kind"`
	MarketID string    `json:"market_id,omitempty" db:"market_id"`
}

// TransactionType names the business event behind a transaction.
type TransactionType string

const (
	TxTradeBuy            TransactionType = "TRADE_BUY"
	TxTradeSell           TransactionType = "TRADE_SELL"
	TxLiquidityInitialize TransactionType = "LIQUIDITY_INITIALIZE"
	TxHouseGift           TransactionType = "HOUSE_GIFT"
)

// IsTrade reports whether the type moves a position.
func (t TransactionType) IsTrade() bool {
	return t == TxTradeBuy || t == TxTradeSell
}

// Entry moves a signed amount of one asset into (positive) or out of
// (negative) one account.
type Entry struct {
	AccountID string          `json:"account_id" db:"account_id"`
	AssetID   string          `json:"asset_id" db:"asset_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
}

// Transaction is an immutable, balanced set of entries.
// Once committed, it is never modified or deleted.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	Type        TransactionType `json:"type" db:"type"`
	InitiatorID string          `json:"initiator_id" db:"initiator_id"`
	MarketID    string          `json:"market_id,omitempty" db:"market_id"`
	Entries     []Entry         `json:"entries"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// BalanceGuard asks the store to reject an append that would leave the
// account's balance of the asset below Min.
type BalanceGuard struct {
	AccountID string
	AssetID   string
	Min       decimal.Decimal
}

// MarketStatus is owned by the lifecycle collaborator.
type MarketStatus string

const (
	MarketActive   MarketStatus = "active"
	MarketHalted   MarketStatus = "halted"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
	MarketCanceled MarketStatus = "canceled"
)

// Option is one outcome of a market. Weight is the option's exponent in the
// pool invariant; zero means uniform.
type Option struct {
	ID     string          `json:"id" db:"id"`
	Name   string          `json:"name" db:"name"`
	Weight decimal.Decimal `json:"weight" db:"weight"`
}

// Market is the slice of a market record the engine needs.
type Market struct {
	ID           string       `json:"id" db:"id"`
	Question     string       `json:"question" db:"question"`
	Status       MarketStatus `json:"status" db:"status"`
	AmmAccountID string       `json:"amm_account_id" db:"amm_account_id"`
	Options      []Option     `json:"options"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// Option returns the option with the given id.
func (m *Market) Option(id string) (Option, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// OptionIDs returns option ids in market order.
func (m *Market) OptionIDs() []string {
	ids := make([]string, len(m.Options))
	for i, o := range m.Options {
		ids[i] = o.ID
	}
	return ids
}

// Position is a trader's holding in one market outcome.
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OptionID  string          `json:"option_id" db:"option_id"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis" db:"cost_basis"` // currency paid for held shares
	Value     decimal.Decimal `json:"value" db:"value"`           // shares * probability
	Realized  decimal.Decimal `json:"realized" db:"realized"`     // proceeds - released cost basis
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// UnrealizedPnL is the mark-to-market gain on held shares.
func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.Value.Sub(p.CostBasis)
}

// AmmState is the pool's reserve snapshot for one market.
type AmmState struct {
	MarketID      string                     `json:"market_id"`
	OptionIDs     []string                   `json:"option_ids"`
	Reserves      map[string]decimal.Decimal `json:"reserves"`   // pool option balances
	Collateral    decimal.Decimal            `json:"collateral"` // pool PRIMARY balance
	Weights       map[string]decimal.Decimal `json:"weights"`
	Probabilities map[string]decimal.Decimal `json:"probabilities"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Quote is the priced result of a prospective trade.
type Quote struct {
	MarketID      string                     `json:"market_id"`
	OptionID      string                     `json:"option_id"`
	IsBuy         bool                       `json:"is_buy"`
	Amount        decimal.Decimal            `json:"amount"`        // requested
	Cost          decimal.Decimal            `json:"cost"`          // currency in (buy) or out (sell)
	Shares        decimal.Decimal            `json:"shares"`        // shares out (buy) or in (sell)
	Probability   decimal.Decimal            `json:"probability"`   // target option after the trade
	Probabilities map[string]decimal.Decimal `json:"probabilities"` // all options after the trade
	Partial       bool                       `json:"partial"`       // capped by the probability bound
}

// AccountStats summarises an account's trading activity.
type AccountStats struct {
	AccountID     string          `json:"account_id"`
	NetWorth      decimal.Decimal `json:"net_worth"`
	TradingVolume decimal.Decimal `json:"trading_volume"`
	TotalMarkets  int             `json:"total_markets"`
	LastTradeAt   *time.Time      `json:"last_trade_at,omitempty"`
}
