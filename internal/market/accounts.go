package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/ledger"
	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/store"
)

// ErrInvalidAccount is returned for a malformed account request.
var ErrInvalidAccount = errors.New("market: invalid account request")

// Accounts opens accounts and funds them from the house treasury.
type Accounts struct {
	store  store.Store
	ledger *ledger.Ledger
}

// NewAccounts creates an account service.
func NewAccounts(st store.Store, l *ledger.Ledger) *Accounts {
	return &Accounts{store: st, ledger: l}
}

// EnsureHouse returns the treasury account, creating it and the primary
// currency asset on first use.
func (a *Accounts) EnsureHouse(ctx context.Context) (*model.Account, error) {
	err := a.store.CreateAsset(ctx, &model.Asset{ID: model.PrimaryAssetID, Kind: model.AssetCurrency})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return nil, fmt.Errorf("market: create currency: %w", err)
	}

	house, err := a.store.GetHouseAccount(ctx)
	if err == nil {
		return house, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	house = &model.Account{
		ID:        uuid.New().String(),
		Kind:      model.AccountHouse,
		OwnerID:   "house",
		CreatedAt: time.Now().UTC(),
	}
	err = a.store.CreateAccount(ctx, house)
	if errors.Is(err, store.ErrDuplicate) {
		// Another instance created it first.
		return a.store.GetHouseAccount(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("market: create house account: %w", err)
	}
	slog.Info("house account created", "id", house.ID)
	return house, nil
}

// OpenUserAccount creates a user account and, when grant is positive,
// funds it from the house with a HOUSE_GIFT transaction.
func (a *Accounts) OpenUserAccount(ctx context.Context, ownerID string, grant decimal.Decimal) (*model.Account, *model.Transaction, error) {
	if ownerID == "" {
		return nil, nil, fmt.Errorf("%w: owner is required", ErrInvalidAccount)
	}
	if grant.IsNegative() {
		return nil, nil, fmt.Errorf("%w: grant must not be negative", ErrInvalidAccount)
	}

	house, err := a.EnsureHouse(ctx)
	if err != nil {
		return nil, nil, err
	}

	acct := &model.Account{
		ID:        uuid.New().String(),
		Kind:      model.AccountUser,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateAccount(ctx, acct); err != nil {
		return nil, nil, fmt.Errorf("market: create account: %w", err)
	}

	if !grant.IsPositive() {
		return acct, nil, nil
	}
	tx, err := a.ledger.Commit(ctx, ledger.Draft{
		Type:        model.TxHouseGift,
		InitiatorID: house.ID,
		Entries: []model.Entry{
			{AccountID: house.ID, AssetID: model.PrimaryAssetID, Amount: grant.Neg()},
			{AccountID: acct.ID, AssetID: model.PrimaryAssetID, Amount: grant},
		},
	})
	if err != nil {
		return acct, nil, fmt.Errorf("market: fund account %s: %w", acct.ID, err)
	}

	slog.Info("account opened", "id", acct.ID, "owner", ownerID, "grant", grant.String())
	return acct, tx, nil
}
