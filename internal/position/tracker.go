// Package position tracks each account's holding in every market outcome:
// shares, the currency paid for them, realized gains and mark-to-market
// value. Positions are a projection of the ledger and can always be rebuilt
// by replaying a market's trades.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/store"
)

// ErrInsufficientShares is returned when a sell exceeds the shares held.
var ErrInsufficientShares = errors.New("position: insufficient shares")

// Tracker maintains positions in the store. Writes go through st so any
// cache stays current; reads that feed a write go to the store beneath the
// cache.
type Tracker struct {
	store  store.Store
	source store.Store
	scale  int32
	now    func() time.Time
}

// NewTracker creates a tracker. Values are rounded to scale decimal places.
func NewTracker(st store.Store, scale int32) *Tracker {
	return &Tracker{
		store:  st,
		source: store.Authoritative(st),
		scale:  scale,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply folds one trade into a position. sharesDelta is positive on a buy
// and negative on a sell; currencyDelta is the currency the trader paid,
// negative when they received proceeds.
func (t *Tracker) Apply(ctx context.Context, accountID, marketID, optionID string, sharesDelta, currencyDelta decimal.Decimal) (*model.Position, error) {
	current, err := t.load(ctx, t.source, accountID, marketID, optionID)
	if err != nil {
		return nil, err
	}
	next, err := apply(*current, sharesDelta, currencyDelta)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = t.now()
	if err := t.store.SavePositions(ctx, []model.Position{next}); err != nil {
		return nil, fmt.Errorf("position: save %s/%s: %w", accountID, optionID, err)
	}
	return &next, nil
}

// CheckHoldings returns ErrInsufficientShares unless the account holds at
// least shares of the option.
func (t *Tracker) CheckHoldings(ctx context.Context, accountID, marketID, optionID string, shares decimal.Decimal) error {
	p, err := t.load(ctx, t.source, accountID, marketID, optionID)
	if err != nil {
		return err
	}
	if shares.GreaterThan(p.Shares) {
		return fmt.Errorf("%w: holds %s, selling %s", ErrInsufficientShares, p.Shares, shares)
	}
	return nil
}

// Revalue marks every position in the market to the given probabilities.
func (t *Tracker) Revalue(ctx context.Context, marketID string, probabilities map[string]decimal.Decimal) error {
	positions, err := t.source.ListPositionsByMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("position: list %s: %w", marketID, err)
	}
	if len(positions) == 0 {
		return nil
	}
	now := t.now()
	for i := range positions {
		positions[i].Value = t.value(positions[i].Shares, probabilities[positions[i].OptionID])
		positions[i].UpdatedAt = now
	}
	if err := t.store.SavePositions(ctx, positions); err != nil {
		return fmt.Errorf("position: revalue %s: %w", marketID, err)
	}
	return nil
}

// Get returns the position, or a zero position if the account never traded
// the option.
func (t *Tracker) Get(ctx context.Context, accountID, marketID, optionID string) (*model.Position, error) {
	return t.load(ctx, t.store, accountID, marketID, optionID)
}

func (t *Tracker) load(ctx context.Context, st store.Store, accountID, marketID, optionID string) (*model.Position, error) {
	p, err := st.GetPosition(ctx, accountID, marketID, optionID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Position{AccountID: accountID, MarketID: marketID, OptionID: optionID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("position: get %s/%s: %w", accountID, optionID, err)
	}
	return p, nil
}

// ListByAccount returns every position an account holds or has held.
func (t *Tracker) ListByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	return t.store.ListPositionsByAccount(ctx, accountID)
}

// ListByMarket returns every position in a market.
func (t *Tracker) ListByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return t.store.ListPositionsByMarket(ctx, marketID)
}

// RebuildMarket replaces the market's positions with a replay of its trades
// and marks them to probabilities. Positions the replay no longer produces
// are zeroed.
func (t *Tracker) RebuildMarket(ctx context.Context, market *model.Market, probabilities map[string]decimal.Decimal) ([]model.Position, error) {
	txs, err := t.source.ListTransactionsByMarket(ctx, market.ID)
	if err != nil {
		return nil, fmt.Errorf("position: load %s: %w", market.ID, err)
	}
	rebuilt, err := Replay(txs, market)
	if err != nil {
		return nil, err
	}

	existing, err := t.source.ListPositionsByMarket(ctx, market.ID)
	if err != nil {
		return nil, fmt.Errorf("position: list %s: %w", market.ID, err)
	}
	seen := make(map[key]bool, len(rebuilt))
	for _, p := range rebuilt {
		seen[keyOf(p)] = true
	}
	now := t.now()
	for _, p := range existing {
		if !seen[keyOf(p)] {
			rebuilt = append(rebuilt, model.Position{
				AccountID: p.AccountID,
				MarketID:  p.MarketID,
				OptionID:  p.OptionID,
				UpdatedAt: now,
			})
		}
	}

	for i := range rebuilt {
		rebuilt[i].Value = t.value(rebuilt[i].Shares, probabilities[rebuilt[i].OptionID])
	}
	if err := t.store.SavePositions(ctx, rebuilt); err != nil {
		return nil, fmt.Errorf("position: save rebuild of %s: %w", market.ID, err)
	}
	return rebuilt, nil
}

func (t *Tracker) value(shares, probability decimal.Decimal) decimal.Decimal {
	return shares.Mul(probability).Round(t.scale)
}

type key struct {
	account string
	option  string
}

func keyOf(p model.Position) key {
	return key{p.AccountID, p.OptionID}
}

// Replay derives positions from a market's transactions in commit order
// using the same arithmetic as Apply. Values are left at zero. Entries of
// the market's pool account are skipped; every other account in a trade is
// a trader.
func Replay(txs []model.Transaction, market *model.Market) ([]model.Position, error) {
	positions := make(map[key]model.Position)
	var order []key

	for _, tx := range txs {
		if tx.MarketID != market.ID || !tx.Type.IsTrade() {
			continue
		}

		type leg struct {
			option   string
			shares   decimal.Decimal
			currency decimal.Decimal
		}
		legs := make(map[string]*leg)
		var traders []string
		for _, e := range tx.Entries {
			if e.AccountID == market.AmmAccountID {
				continue
			}
			l, ok := legs[e.AccountID]
			if !ok {
				l = &leg{}
				legs[e.AccountID] = l
				traders = append(traders, e.AccountID)
			}
			if e.AssetID == model.PrimaryAssetID {
				l.currency = l.currency.Sub(e.Amount) // paid is positive
				continue
			}
			if l.option != "" && l.option != e.AssetID {
				return nil, fmt.Errorf("position: trade %s moves two options for %s", tx.ID, e.AccountID)
			}
			l.option = e.AssetID
			l.shares = l.shares.Add(e.Amount)
		}

		for _, account := range traders {
			l := legs[account]
			if l.option == "" || l.shares.IsZero() {
				continue
			}
			k := key{account, l.option}
			p, ok := positions[k]
			if !ok {
				p = model.Position{AccountID: account, MarketID: market.ID, OptionID: l.option}
				order = append(order, k)
			}
			next, err := apply(p, l.shares, l.currency)
			if err != nil {
				return nil, fmt.Errorf("position: replay %s: %w", tx.ID, err)
			}
			next.UpdatedAt = tx.CreatedAt
			positions[k] = next
		}
	}

	out := make([]model.Position, 0, len(order))
	for _, k := range order {
		out = append(out, positions[k])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].OptionID < out[j].OptionID
	})
	return out, nil
}

// apply is the position arithmetic shared by Apply and Replay.
//
// Buy: shares and cost basis grow by the fill. Sell: cost basis is released
// in proportion to the shares sold (all of it when the position closes) and
// realized gain grows by proceeds minus the released basis.
func apply(p model.Position, sharesDelta, currencyDelta decimal.Decimal) (model.Position, error) {
	switch {
	case sharesDelta.IsPositive():
		p.Shares = p.Shares.Add(sharesDelta)
		p.CostBasis = p.CostBasis.Add(currencyDelta)

	case sharesDelta.IsNegative():
		sold := sharesDelta.Neg()
		if sold.GreaterThan(p.Shares) {
			return p, fmt.Errorf("%w: holds %s, selling %s", ErrInsufficientShares, p.Shares, sold)
		}
		released := p.CostBasis
		if sold.LessThan(p.Shares) {
			released = p.CostBasis.Mul(sold).Div(p.Shares)
			if released.GreaterThan(p.CostBasis) {
				released = p.CostBasis
			}
		}
		proceeds := currencyDelta.Neg()
		p.Shares = p.Shares.Sub(sold)
		p.CostBasis = p.CostBasis.Sub(released)
		if p.CostBasis.IsNegative() {
			p.CostBasis = decimal.Zero
		}
		p.Realized = p.Realized.Add(proceeds.Sub(released))
		if p.Shares.IsZero() {
			p.Value = decimal.Zero
		}
	}
	return p, nil
}
