package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/ledger"
	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/reserves"
	"github.com/playmoney/trade-engine/internal/store"
)

// ErrInvalidMarket is returned for a malformed market definition.
var ErrInvalidMarket = errors.New("market: invalid market definition")

// OptionSpec describes one outcome of a new market. Probability is the
// opening probability; leave every option at zero for a uniform start.
type OptionSpec struct {
	Name        string          `json:"name"`
	Probability decimal.Decimal `json:"probability"`
}

// Spec describes a new market.
type Spec struct {
	Question   string          `json:"question"`
	Options    []OptionSpec    `json:"options"`
	Collateral decimal.Decimal `json:"collateral"` // currency the house seeds the pool with
}

// Validate checks the definition.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Question) == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidMarket)
	}
	if len(s.Options) < 2 {
		return fmt.Errorf("%w: need at least two options", ErrInvalidMarket)
	}
	if !s.Collateral.IsPositive() {
		return fmt.Errorf("%w: collateral must be positive", ErrInvalidMarket)
	}

	weighted := 0
	sum := decimal.Zero
	for i, o := range s.Options {
		if strings.TrimSpace(o.Name) == "" {
			return fmt.Errorf("%w: option %d has no name", ErrInvalidMarket, i)
		}
		if o.Probability.IsNegative() || o.Probability.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: option %q probability must be in [0, 1)", ErrInvalidMarket, o.Name)
		}
		if o.Probability.IsPositive() {
			weighted++
		}
		sum = sum.Add(o.Probability)
	}
	if weighted != 0 && (weighted != len(s.Options) || !sum.Equal(decimal.NewFromInt(1))) {
		return fmt.Errorf("%w: opening probabilities must all be set and sum to 1", ErrInvalidMarket)
	}
	return nil
}

// Seeder creates markets with a funded pool.
type Seeder struct {
	store      store.Store
	ledger     *ledger.Ledger
	aggregator *reserves.Aggregator
	accounts   *Accounts
}

// NewSeeder creates a market seeder.
func NewSeeder(st store.Store, l *ledger.Ledger, agg *reserves.Aggregator, accounts *Accounts) *Seeder {
	return &Seeder{store: st, ledger: l, aggregator: agg, accounts: accounts}
}

// CreateMarket creates the pool account and option assets, funds the pool
// from the house with a LIQUIDITY_INITIALIZE transaction, records the
// market as active and persists its first reserve snapshot.
//
// Opening probabilities become the pool's invariant weights. With no
// option reserves every outcome has the same depth, so the market opens at
// exactly those probabilities.
func (s *Seeder) CreateMarket(ctx context.Context, spec Spec) (*model.Market, *model.AmmState, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, err
	}
	house, err := s.accounts.EnsureHouse(ctx)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	m := &model.Market{
		ID:           uuid.New().String(),
		Question:     strings.TrimSpace(spec.Question),
		Status:       model.MarketActive,
		AmmAccountID: uuid.New().String(),
		CreatedAt:    now,
	}

	pool := &model.Account{
		ID:        m.AmmAccountID,
		Kind:      model.AccountAMM,
		OwnerID:   m.ID,
		MarketID:  m.ID,
		CreatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, pool); err != nil {
		return nil, nil, fmt.Errorf("market: create pool account: %w", err)
	}

	for _, o := range spec.Options {
		opt := model.Option{ID: uuid.New().String(), Name: strings.TrimSpace(o.Name), Weight: o.Probability}
		if err := s.store.CreateAsset(ctx, &model.Asset{ID: opt.ID, Kind: model.AssetMarketOption, MarketID: m.ID}); err != nil {
			return nil, nil, fmt.Errorf("market: create option asset: %w", err)
		}
		m.Options = append(m.Options, opt)
	}

	tx, err := s.ledger.Commit(ctx, ledger.Draft{
		Type:        model.TxLiquidityInitialize,
		InitiatorID: house.ID,
		MarketID:    m.ID,
		Entries: []model.Entry{
			{AccountID: house.ID, AssetID: model.PrimaryAssetID, Amount: spec.Collateral.Neg()},
			{AccountID: pool.ID, AssetID: model.PrimaryAssetID, Amount: spec.Collateral},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("market: seed pool: %w", err)
	}

	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, nil, fmt.Errorf("market: create market: %w", err)
	}

	state, err := s.aggregator.Refresh(ctx, m)
	if err != nil {
		return nil, nil, err
	}

	slog.Info("market created",
		"id", m.ID,
		"options", len(m.Options),
		"collateral", spec.Collateral.String(),
		"seed_tx", tx.ID,
	)
	return m, state, nil
}
