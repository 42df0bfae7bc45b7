// Package reserves derives a market pool's reserve snapshot from the ledger
// and keeps the persisted copy current.
package reserves

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/amm"
	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/store"
)

// Aggregator sums pool balances into an AmmState.
type Aggregator struct {
	store store.Store
	curve *amm.Curve
	now   func() time.Time
}

// NewAggregator creates an aggregator pricing probabilities with curve.
func NewAggregator(st store.Store, curve *amm.Curve) *Aggregator {
	return &Aggregator{
		store: st,
		curve: curve,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot reads the pool account's balance of every option asset and of
// the currency straight from the ledger and evaluates the probability rule.
// Nothing is persisted.
func (a *Aggregator) Snapshot(ctx context.Context, market *model.Market) (model.AmmState, error) {
	ids := market.OptionIDs()
	assets := append(append([]string(nil), ids...), model.PrimaryAssetID)

	balances, err := a.store.GetBalances(ctx, market.AmmAccountID, assets)
	if err != nil {
		return model.AmmState{}, fmt.Errorf("reserves: balances of %s: %w", market.AmmAccountID, err)
	}

	state := model.AmmState{
		MarketID:   market.ID,
		OptionIDs:  ids,
		Reserves:   make(map[string]decimal.Decimal, len(ids)),
		Collateral: balances[model.PrimaryAssetID],
		Weights:    make(map[string]decimal.Decimal, len(ids)),
		UpdatedAt:  a.now(),
	}
	for _, o := range market.Options {
		state.Reserves[o.ID] = balances[o.ID]
		state.Weights[o.ID] = o.Weight
	}

	probabilities, err := a.curve.Probabilities(state)
	if err != nil {
		return model.AmmState{}, fmt.Errorf("reserves: market %s: %w", market.ID, err)
	}
	state.Probabilities = probabilities
	return state, nil
}

// Refresh snapshots the pool and persists the result. Callers on the trade
// path hold the market's exclusive section so the refresh lands before the
// next quote.
func (a *Aggregator) Refresh(ctx context.Context, market *model.Market) (*model.AmmState, error) {
	state, err := a.Snapshot(ctx, market)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveAmmState(ctx, &state); err != nil {
		return nil, fmt.Errorf("reserves: save %s: %w", market.ID, err)
	}
	return &state, nil
}

// State returns the last persisted snapshot for display and previews. It
// may lag the ledger; trades always price from Snapshot.
func (a *Aggregator) State(ctx context.Context, marketID string) (*model.AmmState, error) {
	return a.store.GetAmmState(ctx, marketID)
}
