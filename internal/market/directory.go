// Package market provides the store-backed collaborators around the trade
// engine: market lookup and status, the house treasury and user accounts,
// and pool seeding for new markets.
package market

import (
	"context"
	"fmt"

	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/store"
)

// Directory answers market lookups from the store. It is the default
// lifecycle and account provider for the trade service.
type Directory struct {
	store store.Store
}

// NewDirectory creates a store-backed directory.
func NewDirectory(st store.Store) *Directory {
	return &Directory{store: st}
}

// Market returns a market definition.
func (d *Directory) Market(ctx context.Context, marketID string) (*model.Market, error) {
	return d.store.GetMarket(ctx, marketID)
}

// MarketStatus returns the market's lifecycle status.
func (d *Directory) MarketStatus(ctx context.Context, marketID string) (model.MarketStatus, error) {
	m, err := d.store.GetMarket(ctx, marketID)
	if err != nil {
		return "", err
	}
	return m.Status, nil
}

// AmmAccount returns the id of the market's pool account.
func (d *Directory) AmmAccount(ctx context.Context, marketID string) (string, error) {
	m, err := d.store.GetMarket(ctx, marketID)
	if err != nil {
		return "", err
	}
	if m.AmmAccountID == "" {
		return "", fmt.Errorf("market %s has no pool account: %w", marketID, store.ErrNotFound)
	}
	return m.AmmAccountID, nil
}

// ListMarkets returns markets, newest first, optionally filtered by status.
func (d *Directory) ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	markets, err := d.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return markets, nil
	}
	filtered := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if m.Status == status {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}
